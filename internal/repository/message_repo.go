package repository

import (
	"context"
	"database/sql"
)

// MessageRepository stores raw OCPP traffic for audit.
type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Ensure creates the audit table when it does not exist yet.
func (r *MessageRepository) Ensure(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS ocpp_messages (
			id BIGSERIAL PRIMARY KEY,
			station_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			protocol TEXT NOT NULL,
			action TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Save stores one message. Direction is "in" or "out".
func (r *MessageRepository) Save(ctx context.Context, stationID, direction, protocol, action string, payload []byte) error {
	const query = `
		INSERT INTO ocpp_messages (station_id, direction, protocol, action, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := r.db.ExecContext(ctx, query, stationID, direction, protocol, action, payload)
	return err
}
