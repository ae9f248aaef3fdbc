// Package quota implements the Quota Ledger: fixed hour/day/month windows
// per (scope, dimension) with an atomic check-then-record step.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/redis"
)

// Window names a fixed counting window.
type Window string

const (
	Hour  Window = "hour"
	Day   Window = "day"
	Month Window = "month"
)

// Windows lists the windows in the order they are checked.
var Windows = []Window{Hour, Day, Month}

// Size returns the length of w. A month is 30 days.
func (w Window) Size() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Ceilings are per-window limits. Zero or negative means unlimited.
type Ceilings struct {
	Hour  int64
	Day   int64
	Month int64
}

func (c Ceilings) of(w Window) int64 {
	switch w {
	case Hour:
		return c.Hour
	case Day:
		return c.Day
	case Month:
		return c.Month
	}
	return 0
}

// Unlimited reports whether no window has a ceiling.
func (c Ceilings) Unlimited() bool {
	return c.Hour <= 0 && c.Day <= 0 && c.Month <= 0
}

// Decision is the outcome of CheckAndRecord. For a rejection, Window, Used
// and Limit describe the counter that refused the call. For an accepted
// call they describe the window with the least headroom left.
type Decision struct {
	Allowed   bool
	Window    Window
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Err converts a rejection into a QuotaExceeded error; nil when allowed.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Quota(string(d.Window), d.Used, d.Limit)
}

// Usage is the read-only state of one window.
type Usage struct {
	Window  Window    `json:"window"`
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

type counterStore interface {
	IncrWindows(ctx context.Context, now time.Time, amount int64, windows []redis.Window) (*redis.WindowOutcome, error)
	PeekWindows(ctx context.Context, now time.Time, windows []redis.Window) ([]redis.WindowCount, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Ledger counts events against rolling fixed windows.
type Ledger struct {
	store  counterStore
	prefix string
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPrefix changes the key namespace (default "quota").
func WithPrefix(prefix string) Option {
	return func(l *Ledger) { l.prefix = prefix }
}

// New creates a Redis-backed ledger.
func New(client *redis.Client, opts ...Option) *Ledger {
	l := &Ledger{store: client, prefix: "quota", now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(scope, dimension string, w Window) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, scope, w, dimension)
}

func (l *Ledger) windows(scope, dimension string, c Ceilings) []redis.Window {
	out := make([]redis.Window, len(Windows))
	for i, w := range Windows {
		out[i] = redis.Window{Key: l.key(scope, dimension, w), Size: w.Size(), Ceiling: c.of(w)}
	}
	return out
}

// CheckAndRecord counts one event for (scope, dimension).
func (l *Ledger) CheckAndRecord(ctx context.Context, scope, dimension string, c Ceilings) (*Decision, error) {
	return l.CheckAndRecordN(ctx, scope, dimension, c, 1)
}

// CheckAndRecordN counts an event of weight n. Either every window accepts
// the event and all of them are incremented, or none is.
func (l *Ledger) CheckAndRecordN(ctx context.Context, scope, dimension string, c Ceilings, n int64) (*Decision, error) {
	if n <= 0 {
		return nil, apperr.New(apperr.Invalid, "quota amount must be positive")
	}

	now := l.now()
	out, err := l.store.IncrWindows(ctx, now, n, l.windows(scope, dimension, c))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "quota ledger unavailable")
	}

	if !out.Allowed {
		w := Windows[out.Rejected]
		counter := out.Counts[0]
		return &Decision{
			Allowed:   false,
			Window:    w,
			Used:      counter.Count,
			Limit:     c.of(w),
			Remaining: 0,
			ResetAt:   counter.Start.Add(w.Size()),
		}, nil
	}

	d := &Decision{Allowed: true, Window: Hour, Remaining: -1}
	for i, w := range Windows {
		counter := out.Counts[i]
		limit := c.of(w)
		if i == 0 {
			d.Used, d.ResetAt = counter.Count, counter.Start.Add(w.Size())
		}
		if limit <= 0 {
			continue
		}
		remaining := limit - counter.Count
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Window = w
			d.Used = counter.Count
			d.Limit = limit
			d.Remaining = remaining
			d.ResetAt = counter.Start.Add(w.Size())
		}
	}
	return d, nil
}

// Peek reports current usage without recording anything.
func (l *Ledger) Peek(ctx context.Context, scope, dimension string, c Ceilings) ([]Usage, error) {
	now := l.now()
	counts, err := l.store.PeekWindows(ctx, now, l.windows(scope, dimension, c))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "quota ledger unavailable")
	}

	out := make([]Usage, len(Windows))
	for i, w := range Windows {
		out[i] = Usage{
			Window:  w,
			Used:    counts[i].Count,
			Limit:   c.of(w),
			ResetAt: counts[i].Start.Add(w.Size()),
		}
	}
	return out, nil
}

// Reset drops every counter of a scope.
func (l *Ledger) Reset(ctx context.Context, scope string) error {
	if _, err := l.store.DeletePrefix(ctx, fmt.Sprintf("%s:%s:", l.prefix, scope)); err != nil {
		return fmt.Errorf("reset quota for %s: %w", scope, err)
	}
	return nil
}
