package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore reads accounts from the provider_accounts table.
type PostgresStore struct {
	db *sql.DB
}

const listAccountsQuery = `
SELECT username, hostname, port, provider, secure, token, local_root,
       bucket, region, access_key, secret_key
FROM provider_accounts
WHERE enabled
ORDER BY username, hostname, port`

// NewPostgresStore opens a connection pool for databaseURL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ListAccounts implements Store.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, listAccountsQuery)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var list []Account
	for rows.Next() {
		var a Account
		var token, bucket, region, accessKey, secretKey sql.NullString
		if err := rows.Scan(&a.Username, &a.Hostname, &a.Port, &a.Provider, &a.Secure,
			&token, &a.LocalRoot, &bucket, &region, &accessKey, &secretKey); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Token = token.String
		a.Bucket = bucket.String
		a.Region = region.String
		a.AccessKey = accessKey.String
		a.SecretKey = secretKey.String
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return validateAll(list)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
