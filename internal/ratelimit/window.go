// Package ratelimit provides a keyed rolling-window limiter: at most Limit
// admissions per key within any span of Window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit   = 5
	DefaultWindow  = time.Second
	DefaultMaxKeys = 1000
)

type Window struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxKeys     int
	now         func() time.Time
	entries     map[string]*entry
	lastCleanup time.Time
}

type entry struct {
	stamps   []time.Time
	lastSeen time.Time
}

type Option func(*Window)

func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

func WithMaxKeys(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxKeys = n
		}
	}
}

func New(limit int, window time.Duration, opts ...Option) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{
		limit:   limit,
		window:  window,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Limit() int { return w.limit }

func (w *Window) Span() time.Duration { return w.window }

// Allow admits one event for key at now if the window has room.
// A nil Window admits everything.
func (w *Window) Allow(key string, now time.Time) bool {
	if w == nil {
		return true
	}
	_, _, ok := w.reserve(key, now)
	return ok
}

// Wait blocks until key has room, then admits one event. The returned release
// gives the slot back, for callers whose admitted work turned out to be empty.
func (w *Window) Wait(ctx context.Context, key string) (func(), error) {
	if w == nil {
		return func() {}, nil
	}
	for {
		stamp, wait, ok := w.reserve(key, w.now())
		if ok {
			var once sync.Once
			return func() { once.Do(func() { w.release(key, stamp) }) }, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// reserve records an admission and returns its stamp, or reports how long
// until the oldest admission leaves the window.
func (w *Window) reserve(key string, now time.Time) (time.Time, time.Duration, bool) {
	if key == "" {
		key = "unknown"
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldCleanup(now) {
		w.cleanup(now)
	}

	e := w.entries[key]
	if e == nil {
		e = &entry{}
		w.entries[key] = e
	}
	e.lastSeen = now
	e.stamps = trim(e.stamps, now.Add(-w.window))
	if len(e.stamps) < w.limit {
		// Keep stamps ascending when callers race on the clock.
		if n := len(e.stamps); n > 0 && now.Before(e.stamps[n-1]) {
			now = e.stamps[n-1]
		}
		e.stamps = append(e.stamps, now)
		return now, 0, true
	}
	wait := e.stamps[0].Add(w.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return time.Time{}, wait, false
}

func (w *Window) release(key string, at time.Time) {
	if key == "" {
		key = "unknown"
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entries[key]
	if e == nil {
		return
	}
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if e.stamps[i].Equal(at) {
			e.stamps = append(e.stamps[:i], e.stamps[i+1:]...)
			return
		}
	}
}

// InUse reports the admissions for key still inside the window.
func (w *Window) InUse(key string) int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entries[key]
	if e == nil {
		return 0
	}
	e.stamps = trim(e.stamps, w.now().Add(-w.window))
	return len(e.stamps)
}

// trim drops stamps at or before cutoff. Stamps are ascending.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

func (w *Window) shouldCleanup(now time.Time) bool {
	if len(w.entries) > w.maxKeys {
		return true
	}
	if w.lastCleanup.IsZero() {
		return true
	}
	return now.Sub(w.lastCleanup) >= w.window
}

func (w *Window) cleanup(now time.Time) {
	staleCutoff := now.Add(-2 * w.window)
	for key, e := range w.entries {
		if e.lastSeen.Before(staleCutoff) {
			delete(w.entries, key)
		}
	}

	if len(w.entries) > w.maxKeys {
		excess := len(w.entries) - w.maxKeys
		for key := range w.entries {
			delete(w.entries, key)
			excess--
			if excess <= 0 {
				break
			}
		}
	}
	w.lastCleanup = now
}
