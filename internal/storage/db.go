package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB открывает (или создаёт) базу SQLite и создаёт таблицы.
// ":memory:" — база в памяти.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть БД: %w", err)
	}

	// SQLite допускает одного писателя; кроме того, у каждого соединения
	// своя база ":memory:".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("Не удалось выполнить %s: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("Не удалось создать таблицы: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deals (
			id TEXT PRIMARY KEY,
			contract_address TEXT UNIQUE,
			customer TEXT NOT NULL,
			buyer TEXT NOT NULL,
			service_wallet TEXT NOT NULL,
			arbiter TEXT NOT NULL,
			item_price TEXT NOT NULL,
			buyer_fee TEXT NOT NULL,
			service_fee TEXT NOT NULL,
			insurance TEXT NOT NULL,
			purchase_deadline INTEGER NOT NULL,
			ship_deadline INTEGER NOT NULL,
			confirm_deadline INTEGER NOT NULL,
			metadata_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			sync_cursor INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			funding_tx_id TEXT NOT NULL DEFAULT '',
			deploy_attempts INTEGER NOT NULL DEFAULT 0,
			pending_action TEXT NOT NULL DEFAULT '',
			pending_since TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
