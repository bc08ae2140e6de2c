// Package storage provides a SQLite-backed journal of fired and cleared alerts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/premiumwatch/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database holding the alert journal.
type Storage struct {
	db         *sql.DB
	maxRecords int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/premiumwatch/data.db.
func New(maxRecords int, dbPath string) (*Storage, error) {
	if maxRecords < 1 {
		return nil, fmt.Errorf("max records must be at least 1, got %d", maxRecords)
	}
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "premiumwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxRecords: maxRecords}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			source          TEXT NOT NULL,
			kind            TEXT NOT NULL,
			market_price    REAL NOT NULL,
			reference_rate  REAL NOT NULL,
			premium         REAL NOT NULL,
			threshold       REAL NOT NULL,
			detected_at     INTEGER NOT NULL,
			delivered       INTEGER NOT NULL DEFAULT 0,
			delivery_error  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_source ON alerts(source, detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddAlert journals a fired or cleared alert together with its delivery
// outcome, then trims the journal to maxRecords.
func (s *Storage) AddAlert(alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO alerts
			(id, source, kind, market_price, reference_rate, premium, threshold,
			 detected_at, delivered, delivery_error)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.Source, string(alert.Kind), alert.MarketPrice, alert.ReferenceRate,
		alert.Premium, alert.Threshold, alert.DetectedAt.UnixNano(),
		boolToInt(alert.Delivered), alert.DeliveryError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := rotate(tx, s.maxRecords); err != nil {
		return err
	}

	return tx.Commit()
}

// RecentAlerts returns up to k alerts, newest first.
func (s *Storage) RecentAlerts(k int) ([]models.Alert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM alerts
		ORDER BY detected_at DESC, rowid DESC LIMIT ?`, k)
}

// SourceAlerts returns up to k alerts for one source, newest first.
func (s *Storage) SourceAlerts(source string, k int) ([]models.Alert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM alerts WHERE source = ?
		ORDER BY detected_at DESC, rowid DESC LIMIT ?`, source, k)
}

// CountAlerts returns the number of journaled alerts.
func (s *Storage) CountAlerts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// Rotate keeps at most maxRecords newest alerts by detected_at.
func (s *Storage) Rotate() error {
	return rotate(s.db, s.maxRecords)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func rotate(db execer, maxRecords int) error {
	_, err := db.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY detected_at DESC, rowid DESC LIMIT ?
		)`, maxRecords)
	if err != nil {
		return fmt.Errorf("failed to rotate alerts: %w", err)
	}
	return nil
}

func (s *Storage) queryAlerts(query string, args ...any) ([]models.Alert, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

const alertCols = `id, source, kind, market_price, reference_rate, premium, threshold,
	detected_at, delivered, delivery_error`

func scanAlert(scan func(...any) error) (*models.Alert, error) {
	var a models.Alert
	var kind string
	var detectedAtNano int64
	var delivered int
	err := scan(
		&a.ID, &a.Source, &kind, &a.MarketPrice, &a.ReferenceRate, &a.Premium, &a.Threshold,
		&detectedAtNano, &delivered, &a.DeliveryError,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = models.AlertKind(kind)
	a.DetectedAt = time.Unix(0, detectedAtNano)
	a.Delivered = delivered != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
