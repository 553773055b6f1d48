// Package dedup collapses bursts of identical notifications.
//
// Requests sharing a user, type, and target entity within the window
// merge into the first unresolved one seen (the canonical request):
// the merge count rises and the canonical adopts the newest body, so
// the delivery that eventually goes out carries the freshest content.
// Absorbed requests never dispatch and never reach a terminal state of
// their own. Resolve frees the key once the canonical settles; a later
// duplicate then starts a fresh run instead of merging into history.
package dedup

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"pigeon/internal/notify"
)

type entry struct {
	requestID string
	merged    int
	body      string
	data      map[string]string
}

// Merged is the content absorbed into a canonical request while it
// was pending.
type Merged struct {
	Body  string
	Data  map[string]string
	Count int
}

// Window tracks the canonical request per dedup key.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	hold   *cache.Cache
}

func New(window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		window: window,
		hold:   cache.New(window, 2*window),
	}
}

// Apply changes the window for keys registered from now on; keys
// already held keep their original expiry.
func (w *Window) Apply(window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window = window
}

// Register records req under its dedup key. The second return is true
// when req was absorbed into an earlier request, in which case the
// first return names that canonical request and the canonical adopts
// req's body and data. Requests without a target entity never merge.
func (w *Window) Register(req notify.Request) (string, bool) {
	key := req.DedupKey()
	if key == "" {
		return req.ID, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if held, ok := w.hold.Get(key); ok {
		e := held.(*entry)
		e.merged++
		e.body = req.Body
		e.data = cloneData(req.Data)
		return e.requestID, true
	}
	w.hold.Set(key, &entry{requestID: req.ID}, w.window)
	return req.ID, false
}

// Latest reports the content merged into the canonical holder of key
// so far. The dispatch path reads it just before serializing a message
// so absorbed duplicates still shape what the user sees.
func (w *Window) Latest(key string) (Merged, bool) {
	if key == "" {
		return Merged{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	held, ok := w.hold.Get(key)
	if !ok {
		return Merged{}, false
	}
	e := held.(*entry)
	return Merged{Body: e.body, Data: e.data, Count: e.merged}, true
}

// Resolve drops the canonical entry for key once that request reaches
// a terminal state. The next request under the key starts a fresh run.
func (w *Window) Resolve(key string) {
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hold.Delete(key)
}

// MergedCount reports how many requests were absorbed into the
// canonical holder of key so far.
func (w *Window) MergedCount(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if held, ok := w.hold.Get(key); ok {
		return held.(*entry).merged
	}
	return 0
}

// cloneData keeps merged content detached from caller maps. A merge
// replaces the stored map wholesale, so a map handed out by Latest is
// never written again.
func cloneData(data map[string]string) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
