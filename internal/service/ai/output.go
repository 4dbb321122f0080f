package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput matches every *MalformedOutputError.
var ErrMalformedOutput = errors.New("malformed model output")

// MalformedOutputError reports model text that could not be interpreted.
// Raw keeps the full text for diagnostics.
type MalformedOutputError struct {
	Step string
	Raw  string
	Err  error
}

func (e *MalformedOutputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: malformed model output: %q", e.Step, e.Raw)
	}
	return fmt.Sprintf("%s: malformed model output: %v: %q", e.Step, e.Err, e.Raw)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

// ParseJSON decodes raw into T in a single attempt. Surrounding whitespace and
// a markdown code fence are stripped first; nothing else is repaired.
func ParseJSON[T any](step, raw string) (T, error) {
	var out T
	body := StripFence(raw)
	if body == "" {
		return out, &MalformedOutputError{Step: step, Raw: raw, Err: errors.New("empty output")}
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, &MalformedOutputError{Step: step, Raw: raw, Err: err}
	}
	return out, nil
}

// StripFence trims whitespace and one enclosing ``` block, with or without a
// language tag.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{}[]\"") {
			s = s[nl+1:]
		}
	}
	return strings.TrimSpace(s)
}
