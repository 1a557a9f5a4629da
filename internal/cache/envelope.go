package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Every stored value starts with a tag byte chosen by the writer.
const (
	tagRaw  byte = 'r'
	tagJSON byte = 'j'
)

var errBadEnvelope = errors.New("cache: value has no envelope tag")

// encode wraps v: strings and byte slices are stored raw, everything else as JSON.
func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return append([]byte{tagRaw}, t...), nil
	case string:
		return append([]byte{tagRaw}, t...), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode %T: %w", v, err)
	}
	return append([]byte{tagJSON}, b...), nil
}

// decode unwraps data into dst, which must be a non-nil pointer. dst is only written
// when the whole value decodes.
func decode(data []byte, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cache: decode needs a non-nil pointer, got %T", dst)
	}
	staged := reflect.New(rv.Type().Elem())
	if err := decodeInto(data, staged.Interface()); err != nil {
		return err
	}
	rv.Elem().Set(staged.Elem())
	return nil
}

func decodeInto(data []byte, dst any) error {
	if len(data) == 0 {
		return errBadEnvelope
	}
	body := data[1:]
	switch data[0] {
	case tagRaw:
		switch d := dst.(type) {
		case *string:
			*d = string(body)
		case *[]byte:
			*d = append([]byte(nil), body...)
		case *any:
			*d = string(body)
		default:
			return fmt.Errorf("cache: raw value cannot be read into %T", dst)
		}
		return nil
	case tagJSON:
		if err := json.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("cache: decode into %T: %w", dst, err)
		}
		return nil
	}
	return errBadEnvelope
}
