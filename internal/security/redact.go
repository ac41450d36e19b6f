// Package security keeps credentials out of logs and off disk in plain text,
// and records an audit trail of broker actions.
package security

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// sensitivePatterns match credentials that can leak through URLs and error
// strings, such as provider query strings and Telegram bot paths.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|password)([=:]\s*)["']?([^\s"'&\\]+)`),
	regexp.MustCompile(`(/bot)([0-9]+:[A-Za-z0-9_-]+)`),
}

// Redactor masks known secrets and credential-looking patterns.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a Redactor for the given secrets. Empty values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secrets. Longer secrets are replaced first so a key
// that contains another is masked whole.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Redact returns s with every secret masked.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	for _, secret := range r.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, MaskCredential(secret))
		}
	}
	r.mu.RUnlock()

	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			value := sub[len(sub)-1]
			if strings.Contains(value, "*") {
				return match
			}
			return strings.TrimSuffix(match, value) + MaskCredential(value)
		})
	}
	return s
}

// ContainsSensitiveData reports whether s holds a registered secret or a
// credential-looking pattern.
func (r *Redactor) ContainsSensitiveData(s string) bool {
	return r.Redact(s) != s
}

// Writer wraps w so everything written through it is redacted first.
func (r *Redactor) Writer(w io.Writer) io.Writer {
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

// Write reports len(p) on success even when redaction changed the length.
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
