// Package quota bounds paid-provider usage with a shared daily counter.
//
// The counter lives in Redis so every process and worker draws from the same
// budget. Reservations are fail-closed: if the store can't be reached the
// paid call must not happen. Slight over-counting is acceptable, under-
// counting is not.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bookforge/bookforge/internal/logging"
)

// Default limits for the paid metadata provider.
const (
	DefaultHardLimit = 15000
	DefaultBuffer    = 2000
)

// Operation names with specialised admission rules.
const (
	OpCron        = "cron"
	OpBulkAuthor  = "bulk_author"
	OpBatchDirect = "batch_direct"
	OpNewReleases = "new_releases"
)

// _bulkAuthorMax is the largest single bulk_author reservation we accept.
const _bulkAuthorMax = 100

// _reserve atomically resets the counter on day rollover and, when requested,
// consumes n units if they fit under the safety limit. Returns {used, allowed}.
var _reserve = redis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]
local n = tonumber(ARGV[2])
local take = tonumber(ARGV[3])
local safety = tonumber(ARGV[4])

local last = redis.call('HGET', key, 'last_reset')
if last ~= today then
	redis.call('HSET', key, 'used', 0, 'last_reset', today)
end

local used = tonumber(redis.call('HGET', key, 'used') or '0')
local allowed = 0
if used + n <= safety then
	allowed = 1
	if take == 1 and n > 0 then
		used = used + n
		redis.call('HSET', key, 'used', used)
	end
end
return {used, allowed}
`)

// _record increments unconditionally, still honoring the day rollover.
var _record = redis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]
local n = tonumber(ARGV[2])

local last = redis.call('HGET', key, 'last_reset')
if last ~= today then
	redis.call('HSET', key, 'used', 0, 'last_reset', today)
end
return redis.call('HINCRBY', key, 'used', n)
`)

// Status is a point-in-time snapshot of the counter.
type Status struct {
	Used            int64     `json:"used"`
	Remaining       int64     `json:"remaining"`
	SafetyRemaining int64     `json:"safetyRemaining"`
	CanCall         bool      `json:"canCall"`
	ResetAt         time.Time `json:"resetAt"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Coordinator implements the shared counter for one paid provider.
type Coordinator struct {
	rdb       redis.UniversalClient
	provider  string
	hardLimit int64
	buffer    int64
	now       func() time.Time // Injected for tests.
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLimits overrides the default hard limit and buffer.
func WithLimits(hard, buffer int64) Option {
	return func(c *Coordinator) {
		c.hardLimit = hard
		c.buffer = buffer
	}
}

// WithClock overrides the clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator for the named paid provider.
func NewCoordinator(rdb redis.UniversalClient, provider string, opts ...Option) *Coordinator {
	c := &Coordinator{
		rdb:       rdb,
		provider:  provider,
		hardLimit: DefaultHardLimit,
		buffer:    DefaultBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// _default is the process-wide coordinator. It must be constructed explicitly
// at startup; there is no ambient fallback.
var _default *Coordinator

// SetDefault installs the process-wide coordinator.
func SetDefault(c *Coordinator) { _default = c }

// Default returns the process-wide coordinator, or nil before SetDefault.
func Default() *Coordinator { return _default }

// SafetyLimit is the usable daily budget (hard limit minus buffer).
func (c *Coordinator) SafetyLimit() int64 { return c.hardLimit - c.buffer }

func (c *Coordinator) key() string {
	return fmt.Sprintf("quota:%s", c.provider)
}

func (c *Coordinator) today() string {
	return c.now().UTC().Format(time.DateOnly)
}

func (c *Coordinator) resetAt() time.Time {
	t := c.now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// run evaluates the reserve script once.
func (c *Coordinator) run(ctx context.Context, n int64, take bool) (used int64, allowed bool, err error) {
	takeArg := 0
	if take {
		takeArg = 1
	}
	res, err := _reserve.Run(ctx, c.rdb, []string{c.key()}, c.today(), n, takeArg, c.SafetyLimit()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("quota script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("quota script: unexpected reply %v", res)
	}
	used, _ = res[0].(int64)
	allowedInt, _ := res[1].(int64)
	return used, allowedInt == 1, nil
}

// Status returns the current counter state. On store failure it degrades to
// a zero-usage snapshot; this path is display-only and never authorizes a
// paid call by itself.
func (c *Coordinator) Status(ctx context.Context) Status {
	used, _, err := c.run(ctx, 0, false)
	if err != nil {
		logging.Log(ctx).Warn("quota status unavailable, reporting zero usage", "err", err)
		used = 0
	}
	return Status{
		Used:            used,
		Remaining:       max(0, c.hardLimit-used),
		SafetyRemaining: max(0, c.SafetyLimit()-used),
		CanCall:         used < c.SafetyLimit(),
		ResetAt:         c.resetAt(),
	}
}

// Check reports whether n more units are admissible. With reserve=true the
// units are consumed atomically when allowed. Fail-closed: any store error
// denies.
func (c *Coordinator) Check(ctx context.Context, n int64, reserve bool) Decision {
	if n < 0 {
		return Decision{Allowed: false, Reason: "negative amount"}
	}
	if n == 0 {
		return Decision{Allowed: true}
	}
	used, allowed, err := c.run(ctx, n, reserve)
	if err != nil {
		logging.Log(ctx).Warn("quota check failed closed", "err", err, "n", n)
		return Decision{Allowed: false, Reason: "quota store unavailable"}
	}
	if !allowed {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("quota exhausted: %d used, %d requested, %d safety limit", used, n, c.SafetyLimit()),
		}
	}
	return Decision{Allowed: true}
}

// Reserve is shorthand for Check(n, true).
func (c *Coordinator) Reserve(ctx context.Context, n int64) bool {
	return c.Check(ctx, n, true).Allowed
}

// Record increments usage post-hoc for calls that bypassed the reservation
// path. Best effort: failures are logged and swallowed so an analytics
// hiccup never fails a request that already succeeded upstream.
func (c *Coordinator) Record(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	if err := _record.Run(ctx, c.rdb, []string{c.key()}, c.today(), n).Err(); err != nil {
		logging.Log(ctx).Warn("problem recording quota usage", "err", err, "n", n)
	}
}

// ShouldAllowOperation applies per-operation admission rules on top of the
// general bound. It never reserves; callers that proceed should Reserve or
// Record separately.
func (c *Coordinator) ShouldAllowOperation(ctx context.Context, op string, n int64) Decision {
	switch op {
	case OpCron:
		// Cron work keeps headroom for user-initiated calls: it needs twice
		// its own cost to remain available.
		d := c.Check(ctx, 2*n, false)
		if !d.Allowed && d.Reason != "" {
			d.Reason = fmt.Sprintf("cron requires 2x headroom: %s", d.Reason)
		}
		return d
	case OpBulkAuthor:
		if n > _bulkAuthorMax {
			return Decision{Allowed: false, Reason: fmt.Sprintf("bulk_author limited to %d calls per run", _bulkAuthorMax)}
		}
		return c.Check(ctx, n, false)
	default:
		// batch_direct, new_releases and anything else: general bound only.
		return c.Check(ctx, n, false)
	}
}
