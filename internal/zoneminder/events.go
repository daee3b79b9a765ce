package zoneminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Event storage schemes
const (
	SchemeDeep    = "Deep"
	SchemeMedium  = "Medium"
	SchemeShallow = "Shallow"
)

// Event is the subset of an Events row needed to locate its frames
type Event struct {
	ID           uint64
	MonitorID    int
	StorageID    int
	Start        time.Time
	Frames       int
	DefaultVideo string
	Scheme       string
}

// Event loads an event row
func (d *DB) Event(ctx context.Context, id uint64) (*Event, error) {
	var (
		e      Event
		start  string
		video  sql.NullString
		scheme sql.NullString
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT Id, MonitorId, StorageId, StartDateTime, Frames, DefaultVideo, Scheme
		 FROM Events WHERE Id = ?`, id,
	).Scan(&e.ID, &e.MonitorID, &e.StorageID, &start, &e.Frames, &video, &scheme)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event %d: %w", id, err)
	}

	e.Start, err = parseDateTime(start)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", id, err)
	}
	e.DefaultVideo = video.String
	e.Scheme = scheme.String
	if e.Scheme == "" {
		e.Scheme = SchemeMedium
	}
	return &e, nil
}

// StoragePath returns the Path of a Storage row
func (d *DB) StoragePath(ctx context.Context, storageID int) (string, error) {
	var path string
	err := d.db.QueryRowContext(ctx, `SELECT Path FROM Storage WHERE Id = ?`, storageID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage %d: %w", storageID, ErrStorageNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query storage %d: %w", storageID, err)
	}
	return path, nil
}

// Dir returns the event's directory under the storage root
func (e *Event) Dir(storagePath string) string {
	monitor := strconv.Itoa(e.MonitorID)
	switch e.Scheme {
	case SchemeDeep:
		return filepath.Join(storagePath, monitor, e.Start.Format("06/01/02/15/04/05"))
	case SchemeShallow:
		return filepath.Join(storagePath, monitor, strconv.FormatUint(e.ID, 10))
	default:
		return filepath.Join(storagePath, monitor, e.Start.Format("2006-01-02"), strconv.FormatUint(e.ID, 10))
	}
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start time %q", s)
}
