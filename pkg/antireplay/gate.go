// Package antireplay implements the claim/read/mismatch protocol that lets
// the gateway treat a repeated request_id as an idempotent retry while
// strictly rejecting a repeated request_id carrying a different payload.
// Both the claim and the cache-write are single atomic Lua scripts, the
// same server-side-script idiom the rate limiter uses, so two gateway
// instances racing on the same request_id can never both believe they won.
package antireplay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casf-io/verigate/pkg/canonicalize"
)

// State is the outcome of a claim attempt.
type State int

const (
	// Fresh means no record existed; this call wrote the pending claim
	// and owns the pipeline run.
	Fresh State = iota
	// Concurrent means a pending claim for the same fingerprint already
	// exists; another in-flight call owns this request_id.
	Concurrent
	// Hit means a completed record exists with a matching fingerprint;
	// CachedDecision carries the terminal decision to return verbatim.
	Hit
	// Mismatch means a record exists (pending or done) with a different
	// fingerprint: the same request_id is being reused with a different
	// payload.
	Mismatch
	// Unavailable means the store could not be reached within budget.
	Unavailable
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Concurrent:
		return "concurrent"
	case Hit:
		return "hit"
	case Mismatch:
		return "mismatch"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ClaimResult is the result of Claim.
type ClaimResult struct {
	State          State
	CachedDecision string // only meaningful when State == Hit
}

// DefaultTimeout is the per-call budget for both Claim and CacheWrite.
const DefaultTimeout = 200 * time.Millisecond

// claimScript atomically inspects or creates the anti-replay record.
// KEYS[1] = record key, ARGV[1] = fingerprint, ARGV[2] = ttl seconds.
var claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
	local payload = cjson.encode({fingerprint=ARGV[1], status='pending'})
	redis.call('SET', KEYS[1], payload, 'EX', ARGV[2])
	return {'fresh', ''}
end
local decoded = cjson.decode(existing)
if decoded['fingerprint'] ~= ARGV[1] then
	return {'mismatch', ''}
end
if decoded['status'] == 'pending' then
	return {'concurrent', ''}
end
return {'hit', decoded['decision']}
`)

// cacheWriteScript compare-and-sets the terminal decision into the record,
// refusing to clobber a record now holding a different fingerprint.
// KEYS[1] = record key, ARGV[1] = fingerprint, ARGV[2] = decision,
// ARGV[3] = ttl seconds.
var cacheWriteScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	local decoded = cjson.decode(existing)
	if decoded['fingerprint'] ~= ARGV[1] then
		return 0
	end
end
local payload = cjson.encode({fingerprint=ARGV[1], status='done', decision=ARGV[2]})
redis.call('SET', KEYS[1], payload, 'EX', ARGV[3])
return 1
`)

// Gate evaluates the anti-replay protocol over a Redis-compatible client.
type Gate struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	enabled bool
}

// Config controls Gate construction.
type Config struct {
	TTL     time.Duration
	Timeout time.Duration
	Enabled bool
}

// New constructs a Gate. A zero Timeout defaults to DefaultTimeout; a zero
// TTL defaults to 86400s per the documented default.
func New(client redis.UniversalClient, cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 86400 * time.Second
	}
	return &Gate{client: client, ttl: cfg.TTL, timeout: cfg.Timeout, enabled: cfg.Enabled}
}

// Enabled reports whether the gate is active; when false the orchestrator
// must skip this stage entirely.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Fingerprint computes the SHA-256 hex digest of the canonicalized request
// body with the request_id field removed, so the same logical payload
// fingerprints identically regardless of which request_id carries it.
func Fingerprint(body map[string]interface{}) (string, error) {
	stripped := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "request_id" {
			continue
		}
		stripped[k] = v
	}
	digest, err := canonicalize.Hash(stripped)
	if err != nil {
		return "", fmt.Errorf("antireplay: fingerprint: %w", err)
	}
	return digest, nil
}

func recordKey(requestID string) string {
	return "casf:req:" + requestID
}

// Claim evaluates the three-state protocol for requestID against
// fingerprint, atomically writing a pending claim on Fresh.
func (g *Gate) Claim(ctx context.Context, requestID, fingerprint string) (ClaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := claimScript.Run(ctx, g.client, []string{recordKey(requestID)}, fingerprint, int64(g.ttl.Seconds())).Result()
	if err != nil {
		return ClaimResult{State: Unavailable}, nil
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) != 2 {
		return ClaimResult{State: Unavailable}, nil
	}
	stateStr, _ := fields[0].(string)
	decision, _ := fields[1].(string)

	switch stateStr {
	case "fresh":
		return ClaimResult{State: Fresh}, nil
	case "concurrent":
		return ClaimResult{State: Concurrent}, nil
	case "mismatch":
		return ClaimResult{State: Mismatch}, nil
	case "hit":
		return ClaimResult{State: Hit, CachedDecision: decision}, nil
	default:
		return ClaimResult{State: Unavailable}, nil
	}
}

// CacheWrite compare-and-sets the terminal decision into the record for
// requestID. Errors are intentionally swallowed into a returned error for
// the caller to log only; per the orchestrator's ReplayCacheWrite stage
// they must never alter the already-decided response.
func (g *Gate) CacheWrite(ctx context.Context, requestID, fingerprint, decision string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := cacheWriteScript.Run(ctx, g.client, []string{recordKey(requestID)}, fingerprint, decision, int64(g.ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("antireplay: cache write failed: %w", err)
	}
	wrote, ok := result.(int64)
	if !ok || wrote != 1 {
		return fmt.Errorf("antireplay: cache write refused: fingerprint no longer matches")
	}
	return nil
}
