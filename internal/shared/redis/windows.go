package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowScript checks every window first and only then increments all of
// them, so a call rejected by any window leaves no trace in the others.
// Each window is a hash {count, start}; a window whose start is at least
// size ms in the past is treated as empty.
//
// KEYS[i]  window hash
// ARGV[1]  now (ms)
// ARGV[2]  amount
// ARGV[1+2i], ARGV[2+2i]  size (ms), ceiling (<= 0 means unlimited)
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local counts, starts = {}, {}
for i = 1, #KEYS do
  local size = tonumber(ARGV[1 + 2 * i])
  local ceiling = tonumber(ARGV[2 + 2 * i])
  local vals = redis.call('HMGET', KEYS[i], 'count', 'start')
  local count, start = tonumber(vals[1]), tonumber(vals[2])
  if count == nil or start == nil or now - start >= size then
    count, start = 0, now
  end
  if ceiling > 0 and count + amount > ceiling then
    return {0, i, count, start}
  end
  counts[i], starts[i] = count, start
end
local out = {1, 0}
for i = 1, #KEYS do
  local size = tonumber(ARGV[1 + 2 * i])
  local count = counts[i] + amount
  redis.call('HSET', KEYS[i], 'count', count, 'start', starts[i])
  local ttl = starts[i] + size - now
  if ttl < 1 then ttl = 1 end
  redis.call('PEXPIRE', KEYS[i], ttl)
  out[#out + 1] = count
  out[#out + 1] = starts[i]
end
return out
`)

// Window describes one fixed counting window.
type Window struct {
	Key     string
	Size    time.Duration
	Ceiling int64
}

// WindowCount is the state of one window after a call.
type WindowCount struct {
	Count int64
	Start time.Time
}

// WindowOutcome is the result of IncrWindows. When Allowed is false,
// Rejected is the index of the window that refused the call and Counts
// holds only that window's current state.
type WindowOutcome struct {
	Allowed  bool
	Rejected int
	Counts   []WindowCount
}

// IncrWindows atomically adds amount to every window if, and only if, no
// window would exceed its ceiling.
func (c *Client) IncrWindows(ctx context.Context, now time.Time, amount int64, windows []Window) (*WindowOutcome, error) {
	keys := make([]string, len(windows))
	args := make([]interface{}, 0, 2+2*len(windows))
	args = append(args, now.UnixMilli(), amount)
	for i, w := range windows {
		keys[i] = w.Key
		args = append(args, w.Size.Milliseconds(), w.Ceiling)
	}

	raw, err := windowScript.Run(ctx, c.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quota script: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("quota script: unexpected reply %v", raw)
	}

	if raw[0] == 0 {
		if len(raw) != 4 {
			return nil, fmt.Errorf("quota script: unexpected reply %v", raw)
		}
		return &WindowOutcome{
			Allowed:  false,
			Rejected: int(raw[1]) - 1,
			Counts:   []WindowCount{{Count: raw[2], Start: time.UnixMilli(raw[3])}},
		}, nil
	}

	out := &WindowOutcome{Allowed: true, Rejected: -1}
	for i := 2; i+1 < len(raw); i += 2 {
		out.Counts = append(out.Counts, WindowCount{Count: raw[i], Start: time.UnixMilli(raw[i+1])})
	}
	return out, nil
}

// PeekWindows reads window counts without modifying them. Expired or
// missing windows read as zero.
func (c *Client) PeekWindows(ctx context.Context, now time.Time, windows []Window) ([]WindowCount, error) {
	out := make([]WindowCount, len(windows))
	for i, w := range windows {
		vals, err := c.client.HMGet(ctx, w.Key, "count", "start").Result()
		if err != nil {
			return nil, fmt.Errorf("peek %s: %w", w.Key, err)
		}

		count, okCount := parseInt(vals[0])
		start, okStart := parseInt(vals[1])
		if !okCount || !okStart || now.UnixMilli()-start >= w.Size.Milliseconds() {
			out[i] = WindowCount{Count: 0, Start: now}
			continue
		}
		out[i] = WindowCount{Count: count, Start: time.UnixMilli(start)}
	}
	return out, nil
}

func parseInt(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0, false
	}
	return n, true
}
