package repository

import (
	"context"
	"database/sql"
	"time"
)

// Station is the persisted view of a charging station.
type Station struct {
	ID              string    `json:"id"`
	Vendor          string    `json:"vendor"`
	Model           string    `json:"model"`
	SerialNumber    string    `json:"serialNumber"`
	FirmwareVersion string    `json:"firmwareVersion"`
	Protocol        string    `json:"protocol"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
}

// StationRepository manages charging station persistence.
type StationRepository struct {
	db *sql.DB
}

func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// Ensure creates the stations table when it does not exist yet.
func (r *StationRepository) Ensure(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS charging_stations (
			id TEXT PRIMARY KEY,
			vendor TEXT,
			model TEXT,
			serial_number TEXT,
			firmware_version TEXT,
			protocol TEXT,
			last_heartbeat TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Upsert stores or updates station metadata on boot.
func (r *StationRepository) Upsert(ctx context.Context, station *Station) error {
	const query = `
		INSERT INTO charging_stations (id, vendor, model, serial_number, firmware_version, protocol, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			serial_number = EXCLUDED.serial_number,
			firmware_version = EXCLUDED.firmware_version,
			protocol = EXCLUDED.protocol,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = NOW()
	`
	if station.LastHeartbeat.IsZero() {
		station.LastHeartbeat = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		station.ID,
		station.Vendor,
		station.Model,
		station.SerialNumber,
		station.FirmwareVersion,
		station.Protocol,
		station.LastHeartbeat,
	)
	return err
}

// Heartbeat refreshes the station's last heartbeat timestamp.
func (r *StationRepository) Heartbeat(ctx context.Context, stationID string) error {
	const query = `
		UPDATE charging_stations
		SET last_heartbeat = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, stationID)
	return err
}

// List returns all known stations ordered by id.
func (r *StationRepository) List(ctx context.Context) ([]Station, error) {
	const query = `
		SELECT id, vendor, model, serial_number, firmware_version, protocol, COALESCE(last_heartbeat, 'epoch')
		FROM charging_stations
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []Station
	for rows.Next() {
		var s Station
		if err := rows.Scan(&s.ID, &s.Vendor, &s.Model, &s.SerialNumber, &s.FirmwareVersion, &s.Protocol, &s.LastHeartbeat); err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, rows.Err()
}
