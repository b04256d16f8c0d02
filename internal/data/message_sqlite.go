package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// sqliteArchive keeps one row per account; payload is the JSON of its conversations
type sqliteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the message archive database
func NewSQLiteArchive(dbPath string) (repo.MessageArchive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			account_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &sqliteArchive{db: db}, nil
}

// Load reads every account row. Rows whose payload does not decode are reported, not returned.
func (a *sqliteArchive) Load(ctx context.Context) (map[string]domain.AccountMessages, []error, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT account_id, payload FROM messages`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	records := make(map[string]domain.AccountMessages)
	var corrupted []error
	for rows.Next() {
		var accountID, payload string
		if err := rows.Scan(&accountID, &payload); err != nil {
			return nil, nil, fmt.Errorf("failed to scan messages: %w", err)
		}
		var msgs domain.AccountMessages
		if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
			corrupted = append(corrupted, &domain.StoreCorruption{AccountID: accountID, Err: err})
			continue
		}
		if msgs == nil {
			msgs = domain.AccountMessages{}
		}
		records[accountID] = msgs
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return records, corrupted, nil
}

// Save replaces the row of one account
func (a *sqliteArchive) Save(ctx context.Context, accountID string, messages domain.AccountMessages) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (account_id, payload, updated_at)
		VALUES (?, ?, ?)
	`, accountID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}
	return nil
}

// Close closes the database connection
func (a *sqliteArchive) Close() error {
	return a.db.Close()
}
