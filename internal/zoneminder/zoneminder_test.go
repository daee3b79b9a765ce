package zoneminder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const sampleConf = `# ZoneMinder database hostname or ip address and optionally port or unix socket
# Acceptable formats include hostname[:port], ip_address[:port], or
# localhost:/path/to/unix_socket
ZM_DB_HOST=localhost

# ZoneMinder database name
ZM_DB_NAME=zm

# ZoneMinder database user
ZM_DB_USER=zmuser

# ZoneMinder database password
ZM_DB_PASS=zmpass

ZM_PATH_MAP=/dev/shm
`

func TestParseConf(t *testing.T) {
	var c Conf
	if err := c.ParseConf(strings.NewReader(sampleConf)); err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}
	if c.DBHost != "localhost" || c.DBName != "zm" || c.DBUser != "zmuser" || c.DBPass != "zmpass" {
		t.Errorf("Unexpected database settings: %+v", c)
	}
	if c.PathMap != "/dev/shm" {
		t.Errorf("Expected /dev/shm, got %q", c.PathMap)
	}
}

func TestLoadConfOverrides(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "zm.conf")
	confDir := filepath.Join(dir, "conf.d")
	os.Mkdir(confDir, 0755)
	os.WriteFile(confPath, []byte(sampleConf), 0644)
	os.WriteFile(filepath.Join(confDir, "01-system-paths.conf"), []byte("ZM_PATH_MAP=/run/zm\n"), 0644)
	os.WriteFile(filepath.Join(confDir, "02-db.conf"), []byte("ZM_DB_PASS=\"secret\"\n"), 0644)
	os.WriteFile(filepath.Join(confDir, "README"), []byte("ZM_DB_NAME=ignored\n"), 0644)

	c, err := LoadConf(confPath, confDir)
	if err != nil {
		t.Fatalf("LoadConf failed: %v", err)
	}
	if c.PathMap != "/run/zm" {
		t.Errorf("Expected conf.d override /run/zm, got %q", c.PathMap)
	}
	if c.DBPass != "secret" {
		t.Errorf("Expected quoted password to be unquoted, got %q", c.DBPass)
	}
	if c.DBName != "zm" {
		t.Errorf("Expected non-.conf files to be skipped, got %q", c.DBName)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"localhost", "zmuser:zmpass@tcp(localhost:3306)/zm"},
		{"db.lan:3307", "zmuser:zmpass@tcp(db.lan:3307)/zm"},
		{"localhost:/run/mysqld/mysqld.sock", "zmuser:zmpass@unix(/run/mysqld/mysqld.sock)/zm"},
	}
	for _, tt := range tests {
		c := Conf{DBHost: tt.host, DBName: "zm", DBUser: "zmuser", DBPass: "zmpass"}
		if got := c.DSN(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("DSN(%q): expected prefix %q, got %q", tt.host, tt.want, got)
		}
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "zm.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE Monitors (Id INTEGER PRIMARY KEY, Name TEXT, StorageId INTEGER, Enabled INTEGER,
			Width INTEGER, Height INTEGER, Colours INTEGER, ImageBufferCount INTEGER, AnalysisFPSLimit REAL)`,
		`CREATE TABLE Zones (Id INTEGER PRIMARY KEY, MonitorId INTEGER, Name TEXT, Type TEXT, Coords TEXT)`,
		`CREATE TABLE Events (Id INTEGER PRIMARY KEY, MonitorId INTEGER, StorageId INTEGER, StartDateTime TEXT,
			Frames INTEGER, DefaultVideo TEXT, Scheme TEXT, Notes TEXT)`,
		`CREATE TABLE Storage (Id INTEGER PRIMARY KEY, Path TEXT)`,
		`INSERT INTO Monitors VALUES (1, 'Front', 1, 1, 1280, 720, 4, 3, 5.0)`,
		`INSERT INTO Monitors VALUES (2, 'Back', 1, 0, 640, 480, 3, 50, NULL)`,
		`INSERT INTO Zones VALUES (10, 1, 'All', 'Active', '0,0 1279,0 1279,719 0,719')`,
		`INSERT INTO Zones VALUES (12, 1, 'aidect Size=256', 'Inactive', '10,10 100,10 100,100')`,
		`INSERT INTO Zones VALUES (11, 1, 'AIDECT Threshold=40', 'Inactive', '0,0 5,0 5,5')`,
		`INSERT INTO Events VALUES (100, 1, 1, '2024-03-05 14:07:09', 42, '100-video.mp4', 'Medium', '')`,
		`INSERT INTO Storage VALUES (1, '/var/cache/zoneminder/events')`,
	}
	for _, stmt := range schema {
		if _, err := db.db.Exec(stmt); err != nil {
			t.Fatalf("Failed to prepare schema: %v", err)
		}
	}
	return db
}

func TestMonitorQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m, err := db.Monitor(ctx, 1)
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if m.Name != "Front" || !m.Enabled || m.Width != 1280 || m.ImageBufferCount != 3 || m.AnalysisFPSLimit != 5 {
		t.Errorf("Unexpected monitor: %+v", m)
	}

	m2, err := db.Monitor(ctx, 2)
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if m2.Enabled || m2.AnalysisFPSLimit != 0 {
		t.Errorf("Expected disabled monitor without FPS limit, got %+v", m2)
	}

	if _, err := db.Monitor(ctx, 99); !errors.Is(err, ErrMonitorNotFound) {
		t.Errorf("Expected ErrMonitorNotFound, got %v", err)
	}
}

func TestZonesQuery(t *testing.T) {
	db := openTestDB(t)

	zones, err := db.Zones(context.Background(), 1)
	if err != nil {
		t.Fatalf("Zones failed: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("Expected 2 aidect zones, got %d", len(zones))
	}
	if zones[0].ID != 11 || zones[1].ID != 12 {
		t.Errorf("Expected zones ordered by id, got %d, %d", zones[0].ID, zones[1].ID)
	}
}

func TestEventQueryAndDir(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e, err := db.Event(ctx, 100)
	if err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if e.MonitorID != 1 || e.Frames != 42 || e.DefaultVideo != "100-video.mp4" {
		t.Errorf("Unexpected event: %+v", e)
	}

	storage, err := db.StoragePath(ctx, e.StorageID)
	if err != nil {
		t.Fatalf("StoragePath failed: %v", err)
	}

	want := "/var/cache/zoneminder/events/1/2024-03-05/100"
	if got := e.Dir(storage); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	deep := *e
	deep.Scheme = SchemeDeep
	if got := deep.Dir(storage); got != "/var/cache/zoneminder/events/1/24/03/05/14/07/09" {
		t.Errorf("Unexpected deep path %q", got)
	}

	shallow := *e
	shallow.Scheme = SchemeShallow
	if got := shallow.Dir(storage); got != "/var/cache/zoneminder/events/1/100" {
		t.Errorf("Unexpected shallow path %q", got)
	}

	if _, err := db.Event(ctx, 7); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}
	if _, err := db.StoragePath(ctx, 9); !errors.Is(err, ErrStorageNotFound) {
		t.Errorf("Expected ErrStorageNotFound, got %v", err)
	}
}

func TestUpdateEventNotes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpdateEventNotes(ctx, 100, "Human (51.1%) 90x177 (=15930) at 440x385"); err != nil {
		t.Fatalf("UpdateEventNotes failed: %v", err)
	}

	var notes string
	db.db.QueryRow(`SELECT Notes FROM Events WHERE Id = 100`).Scan(&notes)
	if !strings.HasPrefix(notes, "Human") {
		t.Errorf("Expected notes to be updated, got %q", notes)
	}

	if err := db.Health(ctx); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}
