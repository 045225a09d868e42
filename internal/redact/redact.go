// Package redact scrubs credentials out of headers and bodies before a
// flow is handed to a subscriber or a durable store. This is a Flow
// Store concern, not a core invariant: scripts still see unredacted
// data during interception.
package redact

import (
	"regexp"
	"strings"

	"github.com/fergdev/roxy/internal/config"
	"github.com/fergdev/roxy/internal/flow"
)

const (
	RedactedValue      = "[REDACTED]"
	RedactedImageValue = "[IMAGE base64 redacted]"

	// MaxRedactionInputSize bounds how large a body redaction will
	// attempt regex matching on, to avoid pathological regex cost on
	// huge bodies.
	MaxRedactionInputSize = 1024 * 1024
)

// Redactor scrubs headers and bodies per a RedactionConfig.
type Redactor struct {
	cfg            *config.RedactionConfig
	headerPatterns []*regexp.Regexp
	apiKeyPattern  *regexp.Regexp
	base64Pattern  *regexp.Regexp
	credPattern    *regexp.Regexp
}

// New compiles a Redactor from cfg.
func New(cfg *config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{cfg: cfg}

	for _, pattern := range cfg.PatternRedactHeaders {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		r.headerPatterns = append(r.headerPatterns, re)
	}

	r.apiKeyPattern = regexp.MustCompile(`(?i)(` +
		`sk-ant-[a-zA-Z0-9_-]{20,}|` +
		`sk-[a-zA-Z0-9_-]{20,}|` +
		`AKIA[0-9A-Z]{16}|` +
		`AIza[0-9A-Za-z_-]{35,}|` +
		`key-[a-zA-Z0-9_-]{20,}|` +
		`api[_-]?key[=:]\\?"?[a-zA-Z0-9_-]{20,}` +
		`)`)

	r.base64Pattern = regexp.MustCompile(`(?i)(data:image/[^;]+;base64,)[A-Za-z0-9+/=]{100,}`)

	r.credPattern = regexp.MustCompile(`(?i)"([^"]*(?:password|secret|credential)[^"]*)":\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)

	return r, nil
}

// RedactHeaders returns a redacted copy of h.
func (r *Redactor) RedactHeaders(h *flow.HeaderList) *flow.HeaderList {
	out := flow.NewHeaderList()
	h.Each(func(name, value string) {
		if r.shouldRedactHeader(name) {
			out.Add(name, RedactedValue)
		} else {
			out.Add(name, value)
		}
	})
	return out
}

func (r *Redactor) shouldRedactHeader(name string) bool {
	nameLower := strings.ToLower(name)

	for _, h := range r.cfg.AlwaysRedactHeaders {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}
	for _, pattern := range r.headerPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

// RedactBody returns a redacted copy of body.
func (r *Redactor) RedactBody(body []byte) []byte {
	if len(body) > MaxRedactionInputSize {
		return body
	}

	result := string(body)

	if r.cfg.RedactAPIKeys {
		result = r.apiKeyPattern.ReplaceAllStringFunc(result, func(match string) string {
			matchLower := strings.ToLower(match)
			switch {
			case strings.HasPrefix(matchLower, "sk-ant-"):
				return "sk-ant-" + RedactedValue
			case strings.HasPrefix(matchLower, "sk-"):
				return "sk-" + RedactedValue
			case strings.HasPrefix(match, "AKIA"):
				return "AKIA" + RedactedValue
			case strings.HasPrefix(match, "AIza"):
				return "AIza" + RedactedValue
			case strings.HasPrefix(matchLower, "key-"):
				return "key-" + RedactedValue
			}
			if parts := strings.SplitN(match, "=", 2); len(parts) == 2 {
				return parts[0] + "=" + RedactedValue
			}
			if parts := strings.SplitN(match, ":", 2); len(parts) == 2 {
				return parts[0] + ":" + RedactedValue
			}
			return RedactedValue
		})

		result = r.credPattern.ReplaceAllStringFunc(result, func(match string) string {
			if idx := strings.Index(match, ":"); idx > 0 {
				return match[:idx+1] + ` "` + RedactedValue + `"`
			}
			return match
		})
	}

	if r.cfg.RedactBase64Images {
		result = r.base64Pattern.ReplaceAllStringFunc(result, func(match string) string {
			if idx := strings.Index(match, ","); idx > 0 {
				return match[:idx+1] + RedactedImageValue
			}
			return RedactedImageValue
		})
	}

	return []byte(result)
}
