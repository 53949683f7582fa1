// Package mysql persists finished run receipts for the run history API.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/receipt"

	_ "github.com/go-sql-driver/mysql"
)

// Config holds the connection settings for the receipt archive. The DSN must
// include parseTime=true so created_at scans into time.Time.
type Config struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// Archive stores run receipts in MySQL. Rows are append-only: receipts are
// immutable audit records.
type Archive struct {
	db *sql.DB
}

// ArchivedRun is one row of the run history.
type ArchivedRun struct {
	ID             int64              `json:"id"`
	IntentID       string             `json:"intent_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	DryRun         bool               `json:"dry_run"`
	RiskScore      int                `json:"risk_score"`
	Allowed        bool               `json:"allowed"`
	CreatedAt      time.Time          `json:"created_at"`
	Receipt        *receipt.RunReceipt `json:"receipt"`
}

// NewArchive opens the database, applies the schema and returns the archive.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &Archive{db: db}
	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "mysql DSN must not be empty")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql connection")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	return db, nil
}

func (a *Archive) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS run_receipts (
        id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
        intent_id VARCHAR(64) NOT NULL,
        idempotency_key VARCHAR(128) NOT NULL DEFAULT '',
        dry_run TINYINT(1) NOT NULL DEFAULT 0,
        risk_score INT NOT NULL DEFAULT 0,
        allowed TINYINT(1) NOT NULL DEFAULT 0,
        receipt_json JSON NOT NULL,
        created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (id),
        KEY idx_intent_id (intent_id),
        KEY idx_idempotency_key (idempotency_key)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create run_receipts table")
	}
	return nil
}

// Archive appends one receipt to the history.
func (a *Archive) Archive(ctx context.Context, rr *receipt.RunReceipt) error {
	payload, err := json.Marshal(rr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}
	const query = `INSERT INTO run_receipts
        (intent_id, idempotency_key, dry_run, risk_score, allowed, receipt_json)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := a.db.ExecContext(ctx, query,
		rr.Intent.ID, rr.IdempotencyKey, rr.DryRun, rr.Risk.Score, rr.Policy.Allowed, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert receipt")
	}
	return nil
}

// List returns the most recent runs, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]ArchivedRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, intent_id, idempotency_key, dry_run, risk_score, allowed, receipt_json, created_at
        FROM run_receipts ORDER BY id DESC LIMIT ?`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query run history")
	}
	defer rows.Close()

	var runs []ArchivedRun
	for rows.Next() {
		var run ArchivedRun
		var dryRun, allowed int
		var payload []byte
		if err := rows.Scan(&run.ID, &run.IntentID, &run.IdempotencyKey,
			&dryRun, &run.RiskScore, &allowed, &payload, &run.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan run history row")
		}
		run.DryRun = dryRun == 1
		run.Allowed = allowed == 1
		var rr receipt.RunReceipt
		if err := json.Unmarshal(payload, &rr); err == nil {
			run.Receipt = &rr
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate run history")
	}
	return runs, nil
}

// Close releases the connection pool.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
