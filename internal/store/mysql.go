// Package store owns the connection to the backing transactional store
// (MySQL) and the schema the rest of the core relies on.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// convertURIToDSN converts a mysql:// URI (as used by managed MySQL/TiDB
// offerings) into the driver's DSN format. A string that is already a DSN
// is passed through unchanged.
func convertURIToDSN(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if password != "" {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "exchange_core"
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	defaultParams := url.Values{
		"parseTime": []string{"true"},
		"charset":   []string{"utf8mb4"},
		"collation": []string{"utf8mb4_unicode_ci"},
	}
	existingParams := u.Query()
	for key, values := range defaultParams {
		if !existingParams.Has(key) {
			existingParams[key] = values
		}
	}
	if len(existingParams) > 0 {
		dsn += "?" + existingParams.Encode()
	}
	return dsn, nil
}

// Connect opens a connection pool to MySQL given a DSN or mysql:// URI,
// tunes the pool and verifies connectivity.
func Connect(connectionString string) (*sql.DB, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("database connection string is required")
	}

	dsn, err := convertURIToDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	return db, nil
}

// Migrate applies the core's schema. It is idempotent (CREATE TABLE IF NOT
// EXISTS) so it is safe to call on every startup, mirroring how small
// services without a dedicated migration runner bootstrap their schema.
func Migrate(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS traders (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(10) NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		api_key CHAR(36) NOT NULL UNIQUE,
		CHECK (balance >= 0)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS instruments (
		ticker VARCHAR(10) PRIMARY KEY,
		name VARCHAR(255) NOT NULL
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS positions (
		trader_id CHAR(36) NOT NULL,
		ticker VARCHAR(10) NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (trader_id, ticker),
		CONSTRAINT fk_positions_trader FOREIGN KEY (trader_id) REFERENCES traders(id) ON DELETE CASCADE,
		CONSTRAINT fk_positions_instrument FOREIGN KEY (ticker) REFERENCES instruments(ticker) ON DELETE CASCADE,
		CHECK (quantity >= 0)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS orders (
		id CHAR(36) PRIMARY KEY,
		trader_id CHAR(36) NOT NULL,
		ticker VARCHAR(10) NOT NULL,
		side VARCHAR(3) NOT NULL,
		price BIGINT NULL,
		amount BIGINT NOT NULL,
		filled BIGINT NOT NULL,
		status VARCHAR(20) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		CONSTRAINT fk_orders_trader FOREIGN KEY (trader_id) REFERENCES traders(id) ON DELETE CASCADE,
		CONSTRAINT fk_orders_instrument FOREIGN KEY (ticker) REFERENCES instruments(ticker) ON DELETE CASCADE,
		INDEX idx_orders_book (ticker, side, status, price, created_at),
		INDEX idx_orders_trader (trader_id)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS trades (
		id CHAR(36) PRIMARY KEY,
		from_trader_id CHAR(36) NOT NULL,
		to_trader_id CHAR(36) NOT NULL,
		ticker VARCHAR(10) NOT NULL,
		amount BIGINT NOT NULL,
		price BIGINT NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		INDEX idx_trades_recent (ticker, timestamp, id)
	) ENGINE=InnoDB`,
}
