package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SettleLedger/internal/state"
)

// insertProviderEvent is the durable dedup tier. Both unique constraints on
// provider_events, (provider, event_type, external_id) and
// (provider, payload_hash), turn a replay into a no-op insert.
func insertProviderEvent(ctx context.Context, q queryer, ev state.ProviderEvent) (bool, error) {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO provider_events (provider, event_type, external_id, payload_hash, detail, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT DO NOTHING`,
		ev.Provider, ev.EventType, ev.ExternalID, ev.PayloadHash, ev.Detail, received)
	if err != nil {
		return false, fmt.Errorf("insert provider event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanProviderEvents(rows *sql.Rows) ([]state.ProviderEvent, error) {
	defer rows.Close()
	var out []state.ProviderEvent
	for rows.Next() {
		var (
			ev   state.ProviderEvent
			hash sql.NullString
		)
		if err := rows.Scan(&ev.Provider, &ev.EventType, &ev.ExternalID, &hash, &ev.Detail, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.PayloadHash = hash.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListProviderEvents(ctx context.Context, eventType string) ([]state.ProviderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, event_type, external_id, payload_hash, detail, received_at
		FROM provider_events WHERE ($1 = '' OR event_type = $1) ORDER BY id`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list provider events: %w", err)
	}
	return scanProviderEvents(rows)
}

// RecentProviderEvents loads the newest keys for warming the LRU tier.
func (s *PostgresStore) RecentProviderEvents(ctx context.Context, limit int) ([]state.ProviderEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, event_type, external_id, payload_hash, detail, received_at
		FROM provider_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent provider events: %w", err)
	}
	return scanProviderEvents(rows)
}
