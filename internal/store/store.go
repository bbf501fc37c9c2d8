// Package store is the SQLite-backed source of truth for per-emulator game
// state: building records, builder slots, evolution (research) records, the
// research slot, periodic refill timers, the freeze mirror and per-feature
// init flags.
//
// Locking discipline: a single mutex serialises all mutations. Exported
// mutating methods take the lock and delegate to unexported *Locked helpers
// so multi-step operations (free a builder, promote its building, re-index
// copies) compose without re-acquiring. Read methods used by the scheduler
// (NearestBuilderFinish, ResearchFinish, HasRecords, ...) deliberately skip
// the lock: they are scheduling hints, not correctness guards, and the
// worker revalidates under the lock before acting.
//
// Lazy completion: rows whose timer has passed are promoted to their
// finished state on the next locked read that touches them, never by a
// background sweep. Selection algorithms always run after completion so a
// stale status=upgrading row can not double-count a builder.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"emufleet/internal/config"
	"emufleet/internal/logging"
)

// sqliteTimeLayout is zero-padded so stored timestamps order correctly as
// strings. All times are stored in UTC.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// Store wraps the SQLite database plus the plans that seed it.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	dbPath    string
	buildPlan *config.BuildPlan
	techPlan  *config.TechPlan
	now       func() time.Time
}

// New opens (creating if needed) the state database at path and runs schema
// init plus additive migrations.
func New(path string, buildPlan *config.BuildPlan, techPlan *config.TechPlan) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Opening state store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	// WAL lets the scheduler's lockless hint reads proceed while a worker
	// holds a write transaction.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{
		db:        db,
		dbPath:    path,
		buildPlan: buildPlan,
		techPlan:  techPlan,
		now:       time.Now,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Store("State store ready")
	return s, nil
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) initialize() error {
	buildingsTable := `
	CREATE TABLE IF NOT EXISTS buildings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		emulator_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		building_index INTEGER NOT NULL DEFAULT 1,
		building_type TEXT NOT NULL DEFAULT 'unique',
		current_level INTEGER NOT NULL DEFAULT 0,
		upgrading_to_level INTEGER,
		target_level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle',
		action TEXT NOT NULL DEFAULT 'upgrade',
		timer_finish TEXT,
		last_updated TEXT NOT NULL,
		UNIQUE(emulator_id, name, building_index)
	);
	CREATE INDEX IF NOT EXISTS idx_buildings_emulator ON buildings(emulator_id);
	CREATE INDEX IF NOT EXISTS idx_buildings_status ON buildings(emulator_id, status);
	`

	buildersTable := `
	CREATE TABLE IF NOT EXISTS builders (
		emulator_id INTEGER NOT NULL,
		builder_slot INTEGER NOT NULL,
		is_busy INTEGER NOT NULL DEFAULT 0,
		building_id INTEGER,
		finish_time TEXT,
		PRIMARY KEY(emulator_id, builder_slot)
	);
	`

	evolutionsTable := `
	CREATE TABLE IF NOT EXISTS evolutions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		emulator_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		section TEXT NOT NULL,
		lord_level INTEGER NOT NULL DEFAULT 1,
		current_level INTEGER NOT NULL DEFAULT 0,
		target_level INTEGER NOT NULL DEFAULT 0,
		max_level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle',
		timer_finish TEXT,
		order_index INTEGER NOT NULL DEFAULT 0,
		swipe_group INTEGER NOT NULL DEFAULT 0,
		scanned INTEGER NOT NULL DEFAULT 0,
		UNIQUE(emulator_id, name, section)
	);
	CREATE INDEX IF NOT EXISTS idx_evolutions_emulator ON evolutions(emulator_id);
	CREATE INDEX IF NOT EXISTS idx_evolutions_order ON evolutions(emulator_id, order_index);
	`

	evolutionSlotTable := `
	CREATE TABLE IF NOT EXISTS evolution_slot (
		emulator_id INTEGER PRIMARY KEY,
		is_busy INTEGER NOT NULL DEFAULT 0,
		tech_id INTEGER,
		finish_time TEXT
	);
	`

	freezesTable := `
	CREATE TABLE IF NOT EXISTS function_freezes (
		emulator_id INTEGER NOT NULL,
		function_name TEXT NOT NULL,
		unfreeze_at TEXT NOT NULL,
		reason TEXT,
		PRIMARY KEY(emulator_id, function_name)
	);
	`

	refillsTable := `
	CREATE TABLE IF NOT EXISTS pond_refills (
		emulator_id INTEGER PRIMARY KEY,
		last_refill TEXT,
		resource_level INTEGER NOT NULL DEFAULT 0
	);
	`

	initStateTable := `
	CREATE TABLE IF NOT EXISTS init_state (
		emulator_id INTEGER NOT NULL,
		feature TEXT NOT NULL,
		records_created INTEGER NOT NULL DEFAULT 0,
		initial_scan_complete INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(emulator_id, feature)
	);
	`

	for _, table := range []string{
		buildingsTable,
		buildersTable,
		evolutionsTable,
		evolutionSlotTable,
		freezesTable,
		refillsTable,
		initStateTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing state store")
	return s.db.Close()
}

// DB returns the underlying connection. Used by tests and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{"buildings", "builders", "evolutions", "evolution_slot", "function_freezes", "pond_refills", "init_state"}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// --- time helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseStoreTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
	if err != nil {
		// Tolerate rows written without fractional seconds.
		t, err = time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	}
	return t, err
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseStoreTime(ns.String)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("unparseable timestamp %q: %v", ns.String, err)
		return nil
	}
	return &t
}

func timeParam(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
