package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
)

// Event types use a dotted taxonomy, e.g. auth.login, tool.denied.
const (
	EventToolDenied  = "tool.denied"
	EventToolExecute = "tool.execute"
	EventAuthLogin   = "auth.login"
)

// genesisHMAC anchors the chain before row 1.
const genesisHMAC = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one immutable security-relevant record. RowHMAC binds it to every
// prior row: keyed hash over the previous row's RowHMAC and this row's
// canonical serialization.
type Entry struct {
	ID        int64
	Timestamp time.Time
	ActorType ActorType
	ActorID   string
	EventType string
	Resource  string
	Detail    map[string]string
	RowHMAC   string
}

// VerifyResult reports a chain walk. Tampered lists every row whose stored
// hash disagrees with its recomputation; one bad row does not stop the walk.
type VerifyResult struct {
	Valid    bool
	Checked  int
	Tampered []int64
}

// Log is the append-only hash-chained audit ledger. Append is a single-writer
// critical section so no two rows are ever computed from the same previous
// hash; reads may run concurrently with appends.
type Log struct {
	db     *sql.DB
	key    []byte
	logger *zap.Logger

	mu       sync.Mutex
	lastID   int64
	lastHMAC string
	loaded   bool
}

func NewLog(db *sql.DB, signingKey []byte, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: db, key: signingKey, logger: logger}
}

// Append computes the row HMAC and inserts the entry. The entry's ID and
// RowHMAC fields are filled in on success.
func (l *Log) Append(ctx context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadChainHead(ctx); err != nil {
		return err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = l.lastID + 1

	detailJSON, err := marshalDetail(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to serialize detail: %w", err)
	}

	entry.RowHMAC = l.computeRowHMAC(l.lastHMAC, entry, detailJSON)

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_type, actor_id, event_type, resource, detail, row_hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(entry.ActorType),
		entry.ActorID, entry.EventType, entry.Resource, detailJSON, entry.RowHMAC)
	if err != nil {
		// Next Append re-reads the chain head rather than trusting the cache.
		l.loaded = false
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	l.lastID = entry.ID
	l.lastHMAC = entry.RowHMAC
	return nil
}

// Record appends and swallows any failure. Audit is a side effect, never a
// gate: a denial response must still reach the client when the ledger is
// unavailable.
func (l *Log) Record(ctx context.Context, entry Entry) {
	if err := l.Append(ctx, &entry); err != nil {
		l.logger.Warn("failed to write audit entry",
			zap.String("event_type", entry.EventType),
			zap.String("actor_id", entry.ActorID),
			zap.Error(err),
		)
	}
}

// Verify re-walks entries in ascending id order, recomputing each row's HMAC
// from the stored previous hash. fromID/toID bound the walk inclusively;
// zero means unbounded.
func (l *Log) Verify(ctx context.Context, fromID, toID int64) (*VerifyResult, error) {
	query := "SELECT id, timestamp, actor_type, actor_id, event_type, resource, detail, row_hmac FROM audit_log"
	var conds []string
	var args []interface{}
	if fromID > 0 {
		conds = append(conds, "id >= ?")
		args = append(args, fromID)
	}
	if toID > 0 {
		conds = append(conds, "id <= ?")
		args = append(args, toID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	result := &VerifyResult{Valid: true, Tampered: []int64{}}
	prevHMAC := ""

	for rows.Next() {
		entry, detailJSON, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		if prevHMAC == "" {
			prevHMAC, err = l.hmacBefore(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
		}

		expected := l.computeRowHMAC(prevHMAC, entry, detailJSON)
		if !hmac.Equal([]byte(expected), []byte(entry.RowHMAC)) {
			result.Valid = false
			result.Tampered = append(result.Tampered, entry.ID)
		}
		result.Checked++

		// Chain over the stored hash so one tampered row is reported once
		// instead of cascading through every successor.
		prevHMAC = entry.RowHMAC
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to walk audit entries: %w", err)
	}
	return result, nil
}

// Entries returns the raw rows in a range, ascending.
func (l *Log) Entries(ctx context.Context, fromID, toID int64) ([]Entry, error) {
	verifyQuery := "SELECT id, timestamp, actor_type, actor_id, event_type, resource, detail, row_hmac FROM audit_log WHERE id >= ? AND (? <= 0 OR id <= ?) ORDER BY id ASC"
	rows, err := l.db.QueryContext(ctx, verifyQuery, fromID, toID, toID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (l *Log) loadChainHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	var id int64
	var rowHMAC string
	err := l.db.QueryRowContext(ctx,
		"SELECT id, row_hmac FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&id, &rowHMAC)
	if err == sql.ErrNoRows {
		l.lastID = 0
		l.lastHMAC = genesisHMAC
		l.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load audit chain head: %w", err)
	}
	l.lastID = id
	l.lastHMAC = rowHMAC
	l.loaded = true
	return nil
}

// hmacBefore returns the stored hash of the row immediately preceding id,
// or the genesis constant when no such row exists.
func (l *Log) hmacBefore(ctx context.Context, id int64) (string, error) {
	var prev string
	err := l.db.QueryRowContext(ctx,
		"SELECT row_hmac FROM audit_log WHERE id < ? ORDER BY id DESC LIMIT 1", id,
	).Scan(&prev)
	if err == sql.ErrNoRows {
		return genesisHMAC, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load predecessor hash: %w", err)
	}
	return prev, nil
}

func (l *Log) computeRowHMAC(prevHMAC string, entry *Entry, detailJSON string) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(prevHMAC))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(canonicalRow(entry, detailJSON)))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalRow is the serialization the HMAC covers: fixed field order,
// newline separated. Detail is JSON with sorted keys (encoding/json sorts
// map keys), so equal maps always serialize identically.
func canonicalRow(entry *Entry, detailJSON string) string {
	return strings.Join([]string{
		strconv.FormatInt(entry.ID, 10),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.ActorType),
		entry.ActorID,
		entry.EventType,
		entry.Resource,
		detailJSON,
	}, "\n")
}

func marshalDetail(detail map[string]string) (string, error) {
	if detail == nil {
		detail = map[string]string{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func scanEntry(rows *sql.Rows) (*Entry, string, error) {
	var entry Entry
	var ts, actorType, detailJSON string
	if err := rows.Scan(&entry.ID, &ts, &actorType, &entry.ActorID,
		&entry.EventType, &entry.Resource, &detailJSON, &entry.RowHMAC); err != nil {
		return nil, "", fmt.Errorf("failed to scan audit entry: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		entry.Timestamp = parsed
	}
	entry.ActorType = ActorType(actorType)
	if detailJSON != "" {
		if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
			return nil, "", fmt.Errorf("failed to decode audit detail: %w", err)
		}
	}
	return &entry, detailJSON, nil
}
