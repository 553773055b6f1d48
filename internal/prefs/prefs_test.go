package prefs

import (
	"context"
	"testing"
	"time"

	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "22:00", want: 22 * 60},
		{in: "07:30", want: 7*60 + 30},
		{in: "23:59", want: 23*60 + 59},
		{in: " 09:15 ", want: 9*60 + 15},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "9:15", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClock(%q) = %d; want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClock(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseClock(%q) = %d; want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestQuietWindow(t *testing.T) {
	t.Parallel()

	at := func(hh, mm int) time.Time {
		return time.Date(2026, 4, 10, hh, mm, 0, 0, time.UTC)
	}

	tests := []struct {
		name    string
		now     time.Time
		start   int
		end     int
		wantIn  bool
		wantEnd time.Time
	}{
		{name: "inside simple window", now: at(10, 30), start: 9 * 60, end: 17 * 60, wantIn: true, wantEnd: at(17, 0)},
		{name: "before simple window", now: at(8, 59), start: 9 * 60, end: 17 * 60},
		{name: "at end boundary", now: at(17, 0), start: 9 * 60, end: 17 * 60},
		{name: "at start boundary", now: at(9, 0), start: 9 * 60, end: 17 * 60, wantIn: true, wantEnd: at(17, 0)},
		{name: "wrap evening side", now: at(23, 30), start: 22 * 60, end: 7 * 60, wantIn: true, wantEnd: at(7, 0).AddDate(0, 0, 1)},
		{name: "wrap morning side", now: at(6, 15), start: 22 * 60, end: 7 * 60, wantIn: true, wantEnd: at(7, 0)},
		{name: "wrap outside", now: at(12, 0), start: 22 * 60, end: 7 * 60},
		{name: "equal bounds disabled", now: at(12, 0), start: 8 * 60, end: 8 * 60},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in, end := quietWindow(tt.now, tt.start, tt.end, time.UTC)
			if in != tt.wantIn {
				t.Fatalf("in = %v; want %v", in, tt.wantIn)
			}
			if tt.wantIn && !end.Equal(tt.wantEnd) {
				t.Fatalf("end = %s; want %s", end, tt.wantEnd)
			}
			if !tt.wantIn && !end.IsZero() {
				t.Fatalf("end = %s; want zero", end)
			}
		})
	}
}

func TestResolveDefaultsForUnknownUser(t *testing.T) {
	t.Parallel()

	r := New(Config{}, storage.NewMemory(), logx.Nop())
	res, err := r.Resolve(context.Background(), "nobody", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Channels != nil || res.InQuietHours || res.DigestMode {
		t.Fatalf("Resolve = %+v; want permissive defaults", res)
	}
}

func TestResolveUsesStoredPreference(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	if err := st.PutPreference(ctx, storage.Preference{
		UserID:     "u1",
		Channels:   map[string]bool{"push": false},
		DigestMode: true,
	}); err != nil {
		t.Fatalf("PutPreference: %v", err)
	}

	r := New(Config{}, st, logx.Nop())
	res, err := r.Resolve(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.DigestMode {
		t.Fatalf("DigestMode = false; want true")
	}
	if on, ok := res.Channels["push"]; !ok || on {
		t.Fatalf("Channels = %v; want push disabled", res.Channels)
	}
}

func TestResolveUserQuietHoursOverrideDefaults(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	// Default window would be quiet at noon; the user's own window is not.
	if err := st.PutPreference(ctx, storage.Preference{
		UserID:          "u1",
		QuietHoursStart: "01:00",
		QuietHoursEnd:   "02:00",
	}); err != nil {
		t.Fatalf("PutPreference: %v", err)
	}

	r := New(Config{QuietHoursStart: "11:00", QuietHoursEnd: "13:00"}, st, logx.Nop())
	noon := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	res, err := r.Resolve(ctx, "u1", noon)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.InQuietHours {
		t.Fatalf("user override ignored; still in default window")
	}

	res, err = r.Resolve(ctx, "other", noon)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.InQuietHours {
		t.Fatalf("default window not applied to user without override")
	}
	if want := time.Date(2026, 4, 10, 13, 0, 0, 0, time.UTC); !res.QuietEndsAt.Equal(want) {
		t.Fatalf("QuietEndsAt = %s; want %s", res.QuietEndsAt, want)
	}
}

func TestResolveCachesUntilPut(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	r := New(Config{CacheTTL: time.Hour}, st, logx.Nop())

	res, err := r.Resolve(ctx, "u1", time.Now())
	if err != nil || res.DigestMode {
		t.Fatalf("Resolve = %+v, %v; want non-digest default", res, err)
	}

	// A write behind the resolver's back stays invisible while cached.
	if err := st.PutPreference(ctx, storage.Preference{UserID: "u1", DigestMode: true}); err != nil {
		t.Fatalf("PutPreference: %v", err)
	}
	res, err = r.Resolve(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.DigestMode {
		t.Fatalf("cache miss: stale entry expected")
	}

	// Writing through the resolver invalidates.
	if err := r.Put(ctx, storage.Preference{UserID: "u1", DigestMode: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err = r.Resolve(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.DigestMode {
		t.Fatalf("Put did not invalidate the cache")
	}
}

func TestResolveStoreErrorFailsOpen(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	_ = st.Close()
	r := New(Config{}, st, logx.Nop())

	res, err := r.Resolve(context.Background(), "u1", time.Now())
	if err == nil {
		t.Fatalf("Resolve on closed store succeeded")
	}
	if res.Channels != nil || res.InQuietHours || res.DigestMode {
		t.Fatalf("Resolve error result = %+v; want permissive zero value", res)
	}
}
