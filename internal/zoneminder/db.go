package zoneminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lookup errors
var (
	ErrMonitorNotFound = errors.New("monitor not found")
	ErrEventNotFound   = errors.New("event not found")
	ErrStorageNotFound = errors.New("storage not found")
)

// Monitor is the subset of a Monitors row the daemon uses
type Monitor struct {
	ID               int
	Name             string
	StorageID        int
	Enabled          bool
	Width            int
	Height           int
	Colours          int // Bytes per pixel
	ImageBufferCount int
	AnalysisFPSLimit float64 // 0 = unlimited
}

// Zone is one row of the Zones table
type Zone struct {
	ID        int
	MonitorID int
	Name      string
	Type      string
	Coords    string
}

// DB wraps the host database connection
type DB struct {
	db *sql.DB
}

// Open connects with the given database/sql driver and verifies the connection
func Open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: db}, nil
}

// OpenConf connects to the MySQL database named in the host config
func OpenConf(c *Conf) (*DB, error) {
	return Open("mysql", c.DSN())
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Health checks database connectivity
func (d *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.db.PingContext(ctx)
}

// Monitor loads a monitor row
func (d *DB) Monitor(ctx context.Context, id int) (*Monitor, error) {
	var (
		m        Monitor
		enabled  int
		fpsLimit sql.NullFloat64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT Id, Name, StorageId, Enabled, Width, Height, Colours, ImageBufferCount, AnalysisFPSLimit
		 FROM Monitors WHERE Id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.StorageID, &enabled, &m.Width, &m.Height, &m.Colours, &m.ImageBufferCount, &fpsLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %d: %w", id, ErrMonitorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query monitor %d: %w", id, err)
	}
	m.Enabled = enabled != 0
	if fpsLimit.Valid {
		m.AnalysisFPSLimit = fpsLimit.Float64
	}
	return &m, nil
}

// Zones returns the monitor's aidect zones ordered by id
func (d *DB) Zones(ctx context.Context, monitorID int) ([]Zone, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT Id, MonitorId, Name, Type, Coords FROM Zones
		 WHERE MonitorId = ? AND Name LIKE 'aidect%' ORDER BY Id`, monitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.MonitorID, &z.Name, &z.Type, &z.Coords); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// UpdateEventNotes replaces an event's Notes column
func (d *DB) UpdateEventNotes(ctx context.Context, eventID uint64, notes string) error {
	if _, err := d.db.ExecContext(ctx, `UPDATE Events SET Notes = ? WHERE Id = ?`, notes, eventID); err != nil {
		return fmt.Errorf("failed to update notes of event %d: %w", eventID, err)
	}
	return nil
}
