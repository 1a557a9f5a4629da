package ingest

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joseph-ayodele/formsign/internal/entity"
)

// compressionLevel is zlib's middle ground between speed and size.
const compressionLevel = 6

// EncodePayload serializes data to JSON and compresses it. When compression fails the
// raw JSON is returned with compressed=false.
func EncodePayload(data map[string]any) (payload []byte, compressed bool, err error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}
	packed, err := deflate(raw)
	if err != nil {
		return raw, false, nil
	}
	return packed, true, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload returns the submitted fields of a stored submission.
func DecodePayload(sub *entity.Submission) (map[string]any, error) {
	raw := sub.Payload
	if sub.IsCompressed {
		r, err := zlib.NewReader(bytes.NewReader(sub.Payload))
		if err != nil {
			return nil, fmt.Errorf("decompress payload of %s: %w", sub.ID, err)
		}
		defer r.Close()
		if raw, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("decompress payload of %s: %w", sub.ID, err)
		}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse payload of %s: %w", sub.ID, err)
	}
	return out, nil
}
