package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Store = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, fn)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// UpsertAccount stores or updates the platform connection of a user.
func (r *PostgresRepository) UpsertAccount(ctx context.Context, acc domain.Account) error {
	status := acc.Status
	if status == "" {
		status = domain.AccountStatusActive
	}
	const q = `
INSERT INTO accounts (user_id, platform_account_id, username, access_token, token_expires_at, status, status_reason, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    platform_account_id = EXCLUDED.platform_account_id,
    username = EXCLUDED.username,
    access_token = EXCLUDED.access_token,
    token_expires_at = EXCLUDED.token_expires_at,
    status = EXCLUDED.status,
    status_reason = EXCLUDED.status_reason,
    updated_at = NOW();
`
	_, err := r.pool.Exec(ctx, q,
		acc.UserID,
		acc.PlatformAccountID,
		acc.Username,
		acc.AccessToken,
		acc.TokenExpiresAt,
		status,
		acc.StatusReason,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount returns the platform connection of a user.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	const q = `
SELECT user_id, platform_account_id, username, access_token, token_expires_at, status, status_reason, updated_at
FROM accounts
WHERE user_id = $1
LIMIT 1;
`
	var acc domain.Account
	err := r.pool.QueryRow(ctx, q, userID).Scan(
		&acc.UserID,
		&acc.PlatformAccountID,
		&acc.Username,
		&acc.AccessToken,
		&acc.TokenExpiresAt,
		&acc.Status,
		&acc.StatusReason,
		&acc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// ListConnectedAccounts returns active accounts whose token has not expired at the given time.
func (r *PostgresRepository) ListConnectedAccounts(ctx context.Context, at time.Time) ([]domain.Account, error) {
	const q = `
SELECT user_id, platform_account_id, username, access_token, token_expires_at, status, status_reason, updated_at
FROM accounts
WHERE status = 'active'
  AND access_token <> ''
  AND platform_account_id <> ''
  AND (token_expires_at IS NULL OR token_expires_at > $1)
ORDER BY user_id ASC;
`
	rows, err := r.pool.Query(ctx, q, at)
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", err)
	}
	defer rows.Close()

	var res []domain.Account
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.UserID, &acc.PlatformAccountID, &acc.Username, &acc.AccessToken, &acc.TokenExpiresAt, &acc.Status, &acc.StatusReason, &acc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return res, nil
}

// MarkAccountFault flags the account credentials as unusable.
func (r *PostgresRepository) MarkAccountFault(ctx context.Context, userID, reason string) error {
	const q = `UPDATE accounts SET status = $2, status_reason = $3, updated_at = NOW() WHERE user_id = $1`
	ct, err := r.pool.Exec(ctx, q, userID, domain.AccountStatusCredentialInvalid, reason)
	if err != nil {
		return fmt.Errorf("mark account fault: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark account fault %s: %w", userID, ErrNotFound)
	}
	return nil
}

// InsertSystemLog stores an operational event.
func (r *PostgresRepository) InsertSystemLog(ctx context.Context, entry domain.SystemLog) error {
	meta, err := toJSON(entry.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO system_logs (id, level, category, message, user_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err = r.pool.Exec(ctx, q, uuid.NewString(), entry.Level, entry.Category, entry.Message, entry.UserID, jsonParam(meta))
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
