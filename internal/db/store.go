package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/calltelemetry/openclaw/agents"
)

// Store exposes the audit log and config tables. It implements
// agents.AuditStore and agents.ProfileSource.
type Store struct {
	db *DB
}

// NewStore creates a store over an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// AddAuditEntry appends one agent-interaction record.
func (s *Store) AddAuditEntry(entry *agents.AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, run_id, dispatch_id, agent, event_type, event_data, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.DispatchID, entry.Agent,
		entry.EventType, entry.EventData, entry.DurationMs, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditEntries returns the audit trail for a dispatch, oldest first.
func (s *Store) GetAuditEntries(dispatchID string) ([]agents.AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, dispatch_id, agent, event_type, event_data, duration_ms, created_at
		FROM audit_log WHERE dispatch_id = ? ORDER BY created_at ASC`, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []agents.AuditEntry
	for rows.Next() {
		var e agents.AuditEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.DispatchID, &e.Agent, &e.EventType, &e.EventData, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneAuditEntries deletes audit records older than the given age and
// returns the number removed.
func (s *Store) PruneAuditEntries(maxAge time.Duration) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE created_at < ?`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetConfigValue returns a config value, or "" when the key is absent.
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config value: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

// WatchdogProfile reads the per-agent watchdog override keys
// (watchdog_inactivity_sec:<agent>, watchdog_max_total_sec:<agent>,
// watchdog_tool_timeout_sec:<agent>). The lookup never fails the run: any
// error or absent key reports ok=false or a partial profile.
func (s *Store) WatchdogProfile(agentID string) (agents.WatchdogConfig, bool) {
	var cfg agents.WatchdogConfig
	found := false

	if secs, ok := s.configSeconds("watchdog_inactivity_sec:" + agentID); ok {
		cfg.Inactivity = secs
		found = true
	}
	if secs, ok := s.configSeconds("watchdog_max_total_sec:" + agentID); ok {
		cfg.MaxTotal = secs
		found = true
	}
	if secs, ok := s.configSeconds("watchdog_tool_timeout_sec:" + agentID); ok {
		cfg.ToolTimeout = secs
		found = true
	}
	return cfg, found
}

func (s *Store) configSeconds(key string) (time.Duration, bool) {
	v, err := s.GetConfigValue(key)
	if err != nil || v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
