package ingest

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	urlPattern   = regexp.MustCompile(`^(?i)https?://[^\s]+$`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

// Sanitizer cleans submitted field values before they are stored.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Map sanitizes every field of data and returns a new map.
func (s *Sanitizer) Map(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[s.Text(k)] = s.value(v)
	}
	return out
}

func (s *Sanitizer) value(v any) any {
	switch t := v.(type) {
	case string:
		switch {
		case emailPattern.MatchString(strings.TrimSpace(t)):
			return Email(t)
		case urlPattern.MatchString(strings.TrimSpace(t)):
			return s.URL(t)
		default:
			return s.Text(t)
		}
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = s.element(item)
		}
		return items
	case []string:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = s.Text(item)
		}
		return items
	case map[string]any:
		return s.Map(t)
	case nil, bool, float64, float32, int, int64, int32:
		return t
	default:
		return s.Text(fmt.Sprint(t))
	}
}

// element sanitizes one array entry as text.
func (s *Sanitizer) element(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return s.Text(t)
	case map[string]any:
		return s.Map(t)
	default:
		return s.Text(fmt.Sprint(t))
	}
}

// maxUnescapePasses bounds how many entity layers Text decodes.
const maxUnescapePasses = 4

// Text strips markup, collapses whitespace and trims. Entity-encoded markup is decoded
// and stripped again until the value stops changing, so no tag survives as text.
func (s *Sanitizer) Text(v string) string {
	clean := v
	for i := 0; ; i++ {
		stripped := s.policy.Sanitize(clean)
		if i == maxUnescapePasses {
			clean = stripped
			break
		}
		next := html.UnescapeString(stripped)
		if next == clean {
			break
		}
		clean = next
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(clean, " "))
}

// URL keeps well-formed http(s) URLs and falls back to text sanitation otherwise.
func (s *Sanitizer) URL(v string) string {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return s.Text(v)
	}
	return u.String()
}

// Email removes every character not allowed in an address.
func Email(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("!#$%&'*+-=?^_`{|}~@.[]", r):
			return r
		}
		return -1
	}, v)
}
