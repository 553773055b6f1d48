// Package filter screens notification content before any delivery attempt.
//
// Evaluation is pure with respect to a config snapshot: same input, same
// verdict. A blocked verdict is terminal for the request and must be
// reached before the first channel attempt, so a blocked notification
// never touches the network.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

type Config struct {
	BlockedTerms []string
	MaxTitleLen  int
	MaxBodyLen   int
	RedactPII    bool
}

func (c Config) withDefaults() Config {
	if c.MaxTitleLen <= 0 {
		c.MaxTitleLen = 200
	}
	if c.MaxBodyLen <= 0 {
		c.MaxBodyLen = 4000
	}
	return c
}

// Verdict is the outcome of screening one request's content.
// When Allowed, Title, Body and Data carry the sanitized (redacted,
// truncated) replacements for the original content.
type Verdict struct {
	Allowed   bool
	Reason    string
	Title     string
	Body      string
	Data      map[string]string
	Redacted  bool
	Truncated bool
}

const redactedMark = "[redacted]"

// Patterns stay deliberately conservative: catching most real emails and
// phone numbers matters more than catching all of them, and false
// positives mangle legitimate content.
var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`\+?[0-9][0-9()\-\s.]{6,}[0-9]`)
)

type snapshot struct {
	terms       []string // lowercased
	maxTitleLen int
	maxBodyLen  int
	redactPII   bool
}

type Filter struct {
	mu   sync.RWMutex
	snap snapshot
}

func New(cfg Config) *Filter {
	f := &Filter{}
	f.Apply(cfg)
	return f
}

// Apply swaps the active rule set. In-flight Evaluate calls finish on the
// snapshot they started with.
func (f *Filter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	snap := snapshot{
		maxTitleLen: cfg.MaxTitleLen,
		maxBodyLen:  cfg.MaxBodyLen,
		redactPII:   cfg.RedactPII,
	}
	for _, t := range cfg.BlockedTerms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			snap.terms = append(snap.terms, t)
		}
	}
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

// Evaluate screens title, body and the data payload. Order matters:
// blocked terms are checked against the original content (so redaction
// can't mask a match), then PII is redacted, then lengths are capped.
// Data values are term-checked and redacted; keys pass through.
func (f *Filter) Evaluate(title, body string, data map[string]string) Verdict {
	f.mu.RLock()
	snap := f.snap
	f.mu.RUnlock()

	lowTitle := strings.ToLower(title)
	lowBody := strings.ToLower(body)
	for _, term := range snap.terms {
		if strings.Contains(lowTitle, term) || strings.Contains(lowBody, term) {
			return Verdict{Allowed: false, Reason: fmt.Sprintf("blocked term %q", term)}
		}
	}
	for k, val := range data {
		low := strings.ToLower(val)
		for _, term := range snap.terms {
			if strings.Contains(low, term) {
				return Verdict{Allowed: false, Reason: fmt.Sprintf("blocked term %q in data[%q]", term, k)}
			}
		}
	}

	v := Verdict{Allowed: true, Title: title, Body: body, Data: data}
	if snap.redactPII {
		v.Title, v.Body = redact(v.Title, &v.Redacted), redact(v.Body, &v.Redacted)
		v.Data = redactData(data, &v.Redacted)
	}
	v.Title = capRunes(v.Title, snap.maxTitleLen, &v.Truncated)
	v.Body = capRunes(v.Body, snap.maxBodyLen, &v.Truncated)
	return v
}

func redact(s string, flag *bool) string {
	out := reEmail.ReplaceAllString(s, redactedMark)
	out = rePhone.ReplaceAllString(out, redactedMark)
	if out != s {
		*flag = true
	}
	return out
}

// redactData copies the map only when a value actually changes, so the
// caller's map is never mutated and the clean case allocates nothing.
func redactData(data map[string]string, flag *bool) map[string]string {
	var out map[string]string
	for k, val := range data {
		var changed bool
		red := redact(val, &changed)
		if !changed {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(data))
			for k2, v2 := range data {
				out[k2] = v2
			}
		}
		out[k] = red
		*flag = true
	}
	if out == nil {
		return data
	}
	return out
}

func capRunes(s string, maxN int, flag *bool) string {
	if maxN <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	*flag = true
	if maxN == 1 {
		return string(r[:1])
	}
	return string(r[:maxN-1]) + "…"
}
