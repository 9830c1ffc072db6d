// Package ratelimit implements an atomic, per-subject fixed-window counter
// over the shared key-value store. Atomicity across concurrent callers from
// multiple gateway instances is provided by a single server-evaluated Lua
// script, the same idiom the teacher lineage uses for its token-bucket
// limiter, adapted here to the fixed-window counter this domain calls for.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the tri-state result of a rate-limit check.
type Outcome int

const (
	// Allowed means the counter was below limit and has now been
	// incremented.
	Allowed Outcome = iota
	// Exceeded means the counter was already at or above limit; no
	// increment was applied.
	Exceeded
	// Unavailable means the store could not be reached within budget.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Exceeded:
		return "exceeded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// DefaultTimeout is the per-call budget used when New is given no timeout;
// the caller's context may impose a tighter deadline but Limiter never
// waits longer than its configured timeout on its own.
const DefaultTimeout = 200 * time.Millisecond

// checkAndConsumeScript atomically increments the window counter for KEYS[1]
// while it is below the limit, and sets its expiry on the first increment
// within a fresh window. ARGV[1] = window_seconds, ARGV[2] = limit.
var checkAndConsumeScript = redis.NewScript(`
local existing = tonumber(redis.call('GET', KEYS[1]) or '0')
if existing >= tonumber(ARGV[2]) then
	return 0
end
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// Limiter evaluates check_and_consume over a Redis-compatible client.
type Limiter struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// New constructs a Limiter. timeout <= 0 uses DefaultTimeout.
func New(client redis.UniversalClient, timeout time.Duration) *Limiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Limiter{client: client, timeout: timeout}
}

// CheckAndConsume atomically evaluates and, if under limit, consumes one
// unit of the counter identified by key within windowSeconds.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, windowSeconds, limit int64) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	result, err := checkAndConsumeScript.Run(ctx, l.client, []string{key}, windowSeconds, limit).Result()
	if err != nil {
		// Any failure to reach or evaluate against the store — timeout,
		// connection refused, script error — is an availability failure,
		// not a caller-visible Go error; the orchestrator's fail-closed
		// handling is driven entirely off the returned Outcome.
		return Unavailable, nil
	}

	allowed, ok := result.(int64)
	if !ok {
		return Unavailable, nil
	}
	if allowed == 1 {
		return Allowed, nil
	}
	return Exceeded, nil
}

// SmsBurstKey builds the v1 rate-limit key for send_sms, keyed by
// patient_id per policy.
func SmsBurstKey(patientID string) string {
	return "casf:ratelimit:send_sms:" + patientID
}

// SmsBurstWindowSeconds and SmsBurstLimit are the v1 policy constants: only
// send_sms is rate-limited, one message per hour per patient.
const (
	SmsBurstWindowSeconds = 3600
	SmsBurstLimit         = 1
)
