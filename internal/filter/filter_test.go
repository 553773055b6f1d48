package filter

import (
	"strings"
	"testing"
)

func TestEvaluateBlockedTerms(t *testing.T) {
	t.Parallel()

	f := New(Config{BlockedTerms: []string{"spamword", " CASINO "}})

	tests := []struct {
		name    string
		title   string
		body    string
		blocked bool
	}{
		{name: "clean", title: "New follower", body: "bob started following you", blocked: false},
		{name: "term in body", title: "hi", body: "visit our spamword site", blocked: true},
		{name: "term in title", title: "SPAMWORD deal", body: "x", blocked: true},
		{name: "case insensitive", title: "Best Casino Online", body: "", blocked: true},
		{name: "substring match", title: "", body: "ultraspamword9000", blocked: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := f.Evaluate(tt.title, tt.body, nil)
			if v.Allowed == tt.blocked {
				t.Fatalf("Evaluate(%q, %q).Allowed = %v, want %v", tt.title, tt.body, v.Allowed, !tt.blocked)
			}
			if tt.blocked && v.Reason == "" {
				t.Fatalf("blocked verdict missing reason")
			}
		})
	}
}

func TestEvaluateRedactsPII(t *testing.T) {
	t.Parallel()

	f := New(Config{RedactPII: true})

	v := f.Evaluate("Contact alice@example.com now", "or call +1 (555) 123-4567 today", nil)
	if !v.Allowed {
		t.Fatalf("verdict blocked, want allowed with redaction")
	}
	if !v.Redacted {
		t.Fatalf("Redacted = false, want true")
	}
	if strings.Contains(v.Title, "alice@example.com") {
		t.Fatalf("email survived redaction: %q", v.Title)
	}
	if strings.Contains(v.Body, "555") {
		t.Fatalf("phone survived redaction: %q", v.Body)
	}
	if !strings.Contains(v.Title, "[redacted]") || !strings.Contains(v.Body, "[redacted]") {
		t.Fatalf("redaction marker missing: %q / %q", v.Title, v.Body)
	}
}

func TestEvaluateRedactionDisabled(t *testing.T) {
	t.Parallel()

	f := New(Config{RedactPII: false})
	v := f.Evaluate("mail me: bob@example.org", "", nil)
	if !v.Allowed || v.Redacted {
		t.Fatalf("verdict = %+v, want allowed without redaction", v)
	}
	if !strings.Contains(v.Title, "bob@example.org") {
		t.Fatalf("content altered with redaction disabled: %q", v.Title)
	}
}

func TestEvaluateTruncatesLongContent(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxTitleLen: 10, MaxBodyLen: 20})
	v := f.Evaluate(strings.Repeat("t", 50), strings.Repeat("b", 50), nil)
	if !v.Allowed || !v.Truncated {
		t.Fatalf("verdict = %+v, want allowed and truncated", v)
	}
	if n := len([]rune(v.Title)); n != 10 {
		t.Fatalf("title length = %d runes, want 10", n)
	}
	if n := len([]rune(v.Body)); n != 20 {
		t.Fatalf("body length = %d runes, want 20", n)
	}

	short := f.Evaluate("ok", "fine", nil)
	if short.Truncated || short.Title != "ok" || short.Body != "fine" {
		t.Fatalf("short content altered: %+v", short)
	}
}

func TestEvaluateBlockedBeatsRedaction(t *testing.T) {
	t.Parallel()

	// A blocked term inside PII must still block; redaction runs after the
	// term check and must not mask it.
	f := New(Config{BlockedTerms: []string{"banned"}, RedactPII: true})
	v := f.Evaluate("", "reach banned@example.com", nil)
	if v.Allowed {
		t.Fatalf("verdict allowed, want blocked before redaction")
	}
}

func TestEvaluateScreensData(t *testing.T) {
	t.Parallel()

	f := New(Config{BlockedTerms: []string{"spamword"}, RedactPII: true})

	if v := f.Evaluate("hi", "", map[string]string{"url": "https://spamword.example"}); v.Allowed {
		t.Fatalf("blocked term in data value passed: %+v", v)
	}

	in := map[string]string{"contact": "alice@example.com", "post_id": "42"}
	v := f.Evaluate("hi", "", in)
	if !v.Allowed || !v.Redacted {
		t.Fatalf("verdict = %+v, want allowed with redaction", v)
	}
	if strings.Contains(v.Data["contact"], "alice@example.com") {
		t.Fatalf("email survived data redaction: %q", v.Data["contact"])
	}
	if v.Data["post_id"] != "42" {
		t.Fatalf("clean data value altered: %q", v.Data["post_id"])
	}
	if in["contact"] != "alice@example.com" {
		t.Fatalf("caller's map mutated: %q", in["contact"])
	}

	clean := map[string]string{"post_id": "42"}
	if v := f.Evaluate("hi", "", clean); v.Redacted {
		t.Fatalf("clean data flagged redacted: %+v", v)
	}
}

func TestApplySwapsRules(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	if v := f.Evaluate("casino night", "", nil); !v.Allowed {
		t.Fatalf("blocked before term configured")
	}
	f.Apply(Config{BlockedTerms: []string{"casino"}})
	if v := f.Evaluate("casino night", "", nil); v.Allowed {
		t.Fatalf("allowed after term configured")
	}
}
