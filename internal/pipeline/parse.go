package pipeline

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mpataki/paflow/internal/models"
)

// RawLimit caps the text kept when a step's output cannot be parsed.
const RawLimit = 2000

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// ExtractJSON finds the single JSON object in a model response. A fenced
// code block wins; otherwise the trailing object is taken, found by trying
// each '{' from the right until the rest of the text decodes. When no suffix
// decodes, the first complete object followed by prose is used, then the
// whole trimmed text.
func ExtractJSON(text string) (map[string]any, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return decodeObject(strings.TrimSpace(m[1]))
	}

	first := strings.Index(text, "{")
	if first < 0 {
		return decodeObject(strings.TrimSpace(text))
	}
	// a brace that fails may open an object nested in the trailing one
	for end := len(text); end > first; {
		i := strings.LastIndex(text[:end], "{")
		if i < 0 {
			break
		}
		if obj, ok := decodeObject(text[i:]); ok {
			return obj, true
		}
		end = i
	}
	return decodeLeading(text[first:])
}

// ParseOutput returns the parsed object, or a raw fallback holding the
// first RawLimit characters of text.
func ParseOutput(text string) (map[string]any, bool) {
	if obj, ok := ExtractJSON(text); ok {
		return obj, true
	}
	return map[string]any{models.RawKey: truncateRunes(text, RawLimit)}, false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// decodeLeading decodes the first JSON value in s, ignoring whatever follows.
func decodeLeading(s string) (map[string]any, bool) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
