// Package hashchain computes and verifies the tamper-evident linkage between
// audit events. Each event's hash commits to its own fields plus the hash of
// the event before it, so a single mutation anywhere in the persisted
// sequence is detectable by recomputing forward from genesis.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/casf-io/verigate/pkg/canonicalize"
)

// Event is the subset of an audit record that participates in the hash
// chain. Callers in pkg/audit populate this from their own richer type.
type Event struct {
	RequestID string
	EventID   string
	Timestamp time.Time
	Actor     string
	Action    string
	Decision  string
	Payload   interface{}
	PrevHash  string
}

// Genesis is the prev_hash value for the first event in a chain.
const Genesis = ""

// ComputeHash returns the lowercase-hex SHA-256 digest of the pipe-delimited
// concatenation of event fields, terminated by prevHash. The event's own
// PrevHash field is ignored in favor of the prevHash argument so callers
// can compute a hash before deciding to thread it onto the event.
func ComputeHash(prevHash string, event Event) (string, error) {
	canonicalPayload, err := canonicalize.CanonicalString(event.Payload)
	if err != nil {
		return "", fmt.Errorf("hashchain: canonicalize payload: %w", err)
	}

	parts := []string{
		event.RequestID,
		event.EventID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Actor,
		event.Action,
		event.Decision,
		canonicalPayload,
		prevHash,
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyResult is the outcome of verifying a chain of events.
type VerifyResult struct {
	// OK is true when every event's hash recomputes correctly and every
	// prev_hash matches its predecessor's hash.
	OK bool
	// MismatchIndex is the index (0-based, within the supplied slice) of
	// the first event that fails verification. Meaningless when OK.
	MismatchIndex int
	// Reason describes what failed at MismatchIndex.
	Reason string
}

// VerifyChain recomputes the hash of each event in order and checks prev_hash
// linkage, returning the index of the first mismatch or a success result.
// events must already be in insertion order.
func VerifyChain(events []Event) (VerifyResult, error) {
	prevHash := Genesis
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return VerifyResult{
				OK:            false,
				MismatchIndex: i,
				Reason:        fmt.Sprintf("event %d: prev_hash %q does not match predecessor hash %q", i, ev.PrevHash, prevHash),
			}, nil
		}

		// Event does not carry its own persisted hash, so VerifyChain only
		// checks prev_hash linkage against the recomputed hashes;
		// VerifyChainAgainstStored also compares each recomputed hash with
		// the stored one.
		recomputed, err := ComputeHash(prevHash, ev)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("hashchain: verify event %d: %w", i, err)
		}
		prevHash = recomputed
	}
	return VerifyResult{OK: true}, nil
}

// VerifyChainAgainstStored is the form actually used against persisted
// audit rows: storedHashes[i] is the hash the writer originally recorded
// for events[i]. It fails at the first index where the recomputed hash
// diverges from what was stored, which is what a tampered byte in any
// persisted payload triggers.
func VerifyChainAgainstStored(events []Event, storedHashes []string) (VerifyResult, error) {
	if len(events) != len(storedHashes) {
		return VerifyResult{}, fmt.Errorf("hashchain: events and storedHashes length mismatch (%d vs %d)", len(events), len(storedHashes))
	}

	prevHash := Genesis
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return VerifyResult{
				OK:            false,
				MismatchIndex: i,
				Reason:        fmt.Sprintf("event %d: prev_hash %q does not match predecessor hash %q", i, ev.PrevHash, prevHash),
			}, nil
		}

		recomputed, err := ComputeHash(prevHash, ev)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("hashchain: verify event %d: %w", i, err)
		}
		if recomputed != storedHashes[i] {
			return VerifyResult{
				OK:            false,
				MismatchIndex: i,
				Reason:        fmt.Sprintf("event %d: recomputed hash %q does not match stored hash %q", i, recomputed, storedHashes[i]),
			}, nil
		}
		prevHash = recomputed
	}
	return VerifyResult{OK: true}, nil
}
