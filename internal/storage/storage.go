package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"grid-scanner-go/internal/alert"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/shopspring/decimal"
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per fired APR alert. APR and threshold are stored as decimal
	// text so they read back exactly.
	createAlertsTableSQL := `
	CREATE TABLE IF NOT EXISTS apr_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		apr TEXT NOT NULL,
		threshold TEXT NOT NULL,
		alert_count INTEGER NOT NULL,
		fired_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createAlertsTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_apr_alerts_symbol ON apr_alerts (symbol, fired_at);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}

	return nil
}

// AlertRecord is one stored alert.
type AlertRecord struct {
	ID        int64
	Symbol    string
	APR       decimal.Decimal
	Threshold decimal.Decimal
	Count     int
	FiredAt   time.Time
}

// AlertJournal records fired alerts in SQLite. It implements alert.Notifier.
type AlertJournal struct {
	db *sql.DB
}

// NewAlertJournal opens (or creates) the journal at dataSourceName.
func NewAlertJournal(dataSourceName string) (*AlertJournal, error) {
	db, err := InitDB(dataSourceName)
	if err != nil {
		return nil, err
	}
	return &AlertJournal{db: db}, nil
}

// Notify inserts the alert.
func (j *AlertJournal) Notify(ctx context.Context, a alert.Alert) error {
	query := `
	INSERT INTO apr_alerts (symbol, apr, threshold, alert_count, fired_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query, a.Symbol, a.APR.String(), a.Threshold.String(), a.Count, a.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert alert for %s: %w", a.Symbol, err)
	}
	return nil
}

// ListAlerts returns the alerts of one symbol, oldest first. An empty
// symbol lists every alert.
func (j *AlertJournal) ListAlerts(ctx context.Context, symbol string) ([]AlertRecord, error) {
	query := `
	SELECT id, symbol, apr, threshold, alert_count, fired_at
	FROM apr_alerts
	WHERE (? = '' OR symbol = ?)
	ORDER BY fired_at, id`

	rows, err := j.db.QueryContext(ctx, query, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var records []AlertRecord
	for rows.Next() {
		var rec AlertRecord
		var aprText, thresholdText string
		var firedAt int64
		if err := rows.Scan(&rec.ID, &rec.Symbol, &aprText, &thresholdText, &rec.Count, &firedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		if rec.APR, err = decimal.NewFromString(aprText); err != nil {
			return nil, fmt.Errorf("alert %d: bad apr %q: %w", rec.ID, aprText, err)
		}
		if rec.Threshold, err = decimal.NewFromString(thresholdText); err != nil {
			return nil, fmt.Errorf("alert %d: bad threshold %q: %w", rec.ID, thresholdText, err)
		}
		rec.FiredAt = time.Unix(0, firedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAlerts returns the number of stored alerts.
func (j *AlertJournal) CountAlerts(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM apr_alerts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (j *AlertJournal) Close() error {
	return j.db.Close()
}
