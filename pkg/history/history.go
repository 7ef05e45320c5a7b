// Package history archives canonical position updates to SQLite so the
// API and CLI can answer "where has this been" after the in-RAM telemetry
// window has rolled over.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/posmux/posmux/pkg/logx"
)

// Config holds archive settings.
type Config struct {
	DatabasePath  string `json:"database_path"`
	MaxRecords    int    `json:"max_records"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns the archive defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:  "/var/lib/posmux/history.db",
		MaxRecords:    50000,
		RetentionDays: 30,
	}
}

// Record is one archived canonical position.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m"`
	Source    string    `json:"source"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
}

// Archive is the SQLite-backed position history.
type Archive struct {
	db      *sql.DB
	dbPath  string
	logger  *logx.Logger
	config  *Config
	appends atomic.Int64
}

// maintenanceEvery bounds how often an append triggers the cleanup pass.
const maintenanceEvery = 500

// NewArchive opens (creating if needed) the history database.
func NewArchive(config *Config, logger *logx.Logger) (*Archive, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &Archive{
		db:     db,
		dbPath: config.DatabasePath,
		logger: logger,
		config: config,
	}

	if err := a.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if logger != nil {
		logger.Info("history_archive_initialized",
			"database_path", config.DatabasePath,
			"max_records", config.MaxRecords,
			"retention_days", config.RetentionDays,
		)
	}

	return a, nil
}

// initializeDatabase creates the necessary tables.
func (a *Archive) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS position_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy_m REAL NOT NULL,
		source TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_position_history_timestamp ON position_history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_position_history_source ON position_history(source);
	`

	_, err := a.db.Exec(createTableSQL)
	return err
}

// Append archives one canonical position update.
func (a *Archive) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	insertSQL := `
	INSERT INTO position_history (
		timestamp, latitude, longitude, accuracy_m, source, mode, status
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := a.db.Exec(insertSQL,
		rec.Timestamp, rec.Latitude, rec.Longitude, rec.AccuracyM,
		rec.Source, rec.Mode, rec.Status,
	)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("failed to archive position", "error", err)
		}
		return err
	}

	if a.appends.Add(1)%maintenanceEvery == 0 {
		go a.performMaintenance()
	}

	return nil
}

// Recent returns the newest records, newest first.
func (a *Archive) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT id, timestamp, latitude, longitude, accuracy_m, source, mode, status
	FROM position_history
	ORDER BY timestamp DESC, id DESC
	LIMIT ?
	`
	return a.queryRecords(query, limit)
}

// Since returns records newer than the given time, newest first.
func (a *Archive) Since(since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT id, timestamp, latitude, longitude, accuracy_m, source, mode, status
	FROM position_history
	WHERE timestamp > ?
	ORDER BY timestamp DESC, id DESC
	LIMIT ?
	`
	return a.queryRecords(query, since, limit)
}

// BySource returns the newest records for one source, newest first.
func (a *Archive) BySource(source string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT id, timestamp, latitude, longitude, accuracy_m, source, mode, status
	FROM position_history
	WHERE source = ?
	ORDER BY timestamp DESC, id DESC
	LIMIT ?
	`
	return a.queryRecords(query, source, limit)
}

func (a *Archive) queryRecords(query string, args ...interface{}) ([]Record, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &rec.Latitude, &rec.Longitude,
			&rec.AccuracyM, &rec.Source, &rec.Mode, &rec.Status,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of archived records.
func (a *Archive) Count() (int, error) {
	var count int
	err := a.db.QueryRow("SELECT COUNT(*) FROM position_history").Scan(&count)
	return count, err
}

// performMaintenance trims the archive to its record and retention limits.
func (a *Archive) performMaintenance() {
	var count int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM position_history").Scan(&count); err != nil {
		if a.logger != nil {
			a.logger.Warn("failed to count records for maintenance", "error", err)
		}
		return
	}

	if count > a.config.MaxRecords {
		deleteCount := count - a.config.MaxRecords
		_, err := a.db.Exec(`
			DELETE FROM position_history
			WHERE id IN (
				SELECT id FROM position_history
				ORDER BY timestamp ASC
				LIMIT ?
			)
		`, deleteCount)

		if err == nil && a.logger != nil {
			a.logger.Info("history_maintenance_cleanup",
				"deleted_records", deleteCount,
				"remaining_records", a.config.MaxRecords,
			)
		}
	}

	cutoffDate := time.Now().AddDate(0, 0, -a.config.RetentionDays)
	result, err := a.db.Exec("DELETE FROM position_history WHERE timestamp < ?", cutoffDate)
	if err == nil {
		if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 && a.logger != nil {
			a.logger.Info("history_maintenance_retention",
				"deleted_old_records", rowsAffected,
				"cutoff_date", cutoffDate,
			)
		}
	}
}

// Maintain runs the cleanup pass synchronously. The daemon calls this on a
// timer; appends also trigger it opportunistically.
func (a *Archive) Maintain() {
	a.performMaintenance()
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
