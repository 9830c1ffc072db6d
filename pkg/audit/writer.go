// Package audit persists append-only, hash-chained records of every
// terminal decision. Serialization across all gateway instances sharing the
// same database is provided by a Postgres advisory lock scoped to the
// append transaction, never by an in-process mutex — multiple processes
// appending concurrently must still observe a single strictly-increasing
// chain.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casf-io/verigate/pkg/canonicalize"
	"github.com/casf-io/verigate/pkg/hashchain"
)

// advisoryLockKey is the fixed constant every gateway instance locks on
// before reading the chain tail and inserting the next event. Any value is
// fine as long as every process agrees on it.
const advisoryLockKey = int64(0x76657269676174) // "verigat" in hex, arbitrary

// ErrUnavailable wraps every database-side failure encountered while
// appending an event: connection loss, constraint violation, or timeout.
// A payload that cannot be canonicalized or hashed is returned as a plain
// error instead. Callers translate this uniformly into the
// Audit_Unavailable violation tag.
var ErrUnavailable = errors.New("audit: unavailable")

// Writer appends audit events under single-writer serialization.
type Writer interface {
	Append(ctx context.Context, draft Draft) (*Event, error)
}

// PostgresWriter is the only Writer implementation; the append-only audit
// trail is required to live in Postgres (see config DSN requirement).
type PostgresWriter struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWriter constructs a writer over an existing connection pool.
// The pool must support at least one additional connection beyond whatever
// the caller already holds, since Append checks out a dedicated *sql.Conn
// for the duration of its transaction.
func NewPostgresWriter(db *sql.DB, logger *slog.Logger) *PostgresWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWriter{db: db, logger: logger}
}

// Append computes the next event's hash from the current chain tail and
// inserts it within a single transaction, guarded by a transaction-scoped
// advisory lock so no two processes can read the same tail twice.
func (w *PostgresWriter) Append(ctx context.Context, draft Draft) (*Event, error) {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return nil, w.unavailable("acquire connection", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, w.unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	// pg_advisory_xact_lock is held until the transaction ends (commit or
	// rollback), which is exactly the "held for the duration of each
	// append transaction" requirement without a separate unlock call.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, w.unavailable("acquire advisory lock", err)
	}

	var prevHash string
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1
	`).Scan(&prevHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, w.unavailable("read chain tail", err)
		}
		prevHash = hashchain.Genesis
	}

	eventID := draft.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	// Postgres timestamps hold microseconds; hashing the same precision
	// that is persisted lets verify-chain recompute the stored hash.
	ts := time.Now().UTC().Truncate(time.Microsecond)

	hash, err := hashchain.ComputeHash(prevHash, hashchain.Event{
		RequestID: draft.RequestID,
		EventID:   eventID,
		Timestamp: ts,
		Actor:     draft.Actor,
		Action:    draft.Action,
		Decision:  draft.Decision,
		Payload:   draft.Payload,
		PrevHash:  prevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: compute hash: %w", err)
	}

	event := &Event{
		EventID:   eventID,
		RequestID: draft.RequestID,
		Timestamp: ts,
		Actor:     draft.Actor,
		Action:    draft.Action,
		Decision:  draft.Decision,
		Payload:   draft.Payload,
		PrevHash:  prevHash,
		Hash:      hash,
	}

	canonicalPayload, err := canonicalize.Canonical(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events (event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, event.EventID, event.RequestID, event.Timestamp, event.Actor, event.Action, event.Decision,
		canonicalPayload, event.PrevHash, event.Hash).Scan(&event.ID)
	if err != nil {
		return nil, w.unavailable("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, w.unavailable("commit", err)
	}

	return event, nil
}

func (w *PostgresWriter) unavailable(step string, cause error) error {
	w.logger.Error("audit append failed", "step", step, "error", cause)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, step, cause)
}
