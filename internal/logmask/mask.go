// Package logmask enforces secret redaction at the log sink. The masker is
// installed once, wrapping the base zap core; call sites have no masking
// responsibility. The event recorder reuses the same masker so persisted
// payloads and streamed events go through an identical scrub.
package logmask

import (
	"regexp"
	"strings"
)

// Marker replaces every masked value.
const Marker = "***REDACTED***"

// defaultPatterns is the built-in denylist of field-name fragments,
// matched case-insensitively as substrings.
var defaultPatterns = []string{
	"password",
	"passwd",
	"token",
	"api_key",
	"apikey",
	"secret",
	"credential",
	"private_key",
	"access_key",
	"auth",
	"bearer",
	"session",
}

// Masker redacts denylisted keys in structured payloads and key=value
// shapes inside plain strings.
type Masker struct {
	patterns []string
	scrub    *regexp.Regexp
}

// New builds a masker from the default denylist plus installer extras.
func New(extra ...string) *Masker {
	patterns := make([]string, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			patterns = append(patterns, p)
		}
	}

	quoted := make([]string, len(patterns))
	for i, p := range patterns {
		quoted[i] = regexp.QuoteMeta(p)
	}
	// Matches password=..., token: ..., "api_key": "..." with the key name
	// containing any denylisted fragment.
	expr := `(?i)([A-Za-z0-9_.-]*(?:` + strings.Join(quoted, "|") + `)[A-Za-z0-9_.-]*)("?\s*[:=]\s*)("?)([^"\s,;&]+)`
	return &Masker{
		patterns: patterns,
		scrub:    regexp.MustCompile(expr),
	}
}

// SensitiveKey reports whether a field name matches the denylist.
func (m *Masker) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ScrubString masks secret values embedded in free text.
func (m *Masker) ScrubString(s string) string {
	return m.scrub.ReplaceAllString(s, `${1}${2}${3}`+Marker)
}

// MaskValue recursively masks a decoded JSON structure. Containers keep
// their shape and are masked field by field; a denylisted key with a scalar
// value is replaced outright, and strings elsewhere are scrubbed.
func (m *Masker) MaskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			switch val.(type) {
			case map[string]any, []any:
				out[k] = m.MaskValue(val)
			default:
				if m.SensitiveKey(k) {
					out[k] = Marker
				} else {
					out[k] = m.MaskValue(val)
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.MaskValue(e)
		}
		return out
	case string:
		return m.ScrubString(t)
	default:
		return v
	}
}
