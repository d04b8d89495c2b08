package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	return logDecision(context.Background(), db, entry)
}

func logDecision(ctx context.Context, db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO provenance_log (version_id, policy_name, query_label, query_id, rewards_json, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.VersionID,
		entry.Policy,
		entry.Label,
		entry.QueryID,
		nullIfEmpty(entry.RewardsJSON),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region sink
// SQLSink records provenance entries into a provenance_log table.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink creates a sink over db, usually state.Store.DB().
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// Record writes one entry.
func (s *SQLSink) Record(ctx context.Context, entry ProvenanceEntry) error {
	return logDecision(ctx, s.db, entry)
}

// #endregion sink

// #region recent
// RecentDecisions returns up to limit entries for (policy, label), newest first.
func RecentDecisions(ctx context.Context, db *sql.DB, policy, label string, limit int) ([]ProvenanceEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT version_id, policy_name, query_label, COALESCE(query_id, 0), COALESCE(rewards_json, ''), decision, COALESCE(reason, ''), created_at
		 FROM provenance_log WHERE policy_name = ? AND query_label = ?
		 ORDER BY id DESC LIMIT ?`,
		policy, label, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var created string
		if err := rows.Scan(&e.VersionID, &e.Policy, &e.Label, &e.QueryID, &e.RewardsJSON, &e.Decision, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion recent

// #region helpers
// EncodeRecord marshals a FeedbackRecord for the rewards_json column.
func EncodeRecord(rec FeedbackRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode feedback record: %w", err)
	}
	return string(b), nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
