package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sms-confirmation/internal/confirmable/domain"
)

// DBTX is the subset of *pgxpool.Pool used by PostgresRepository. pgxmock pools satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// columnForKey maps FindByAttributes keys to columns. Only these are ever interpolated into SQL.
var columnForKey = map[string]string{
	KeyID:           "id",
	KeyPhone:        "phone",
	KeyPendingPhone: "pending_phone",
}

const identityColumns = `id, class, COALESCE(phone, ''), COALESCE(pending_phone, ''), COALESCE(token_digest, ''), ` +
	`COALESCE(consumed_token_digest, ''), token_issued_at, confirmed_at, lock_version, created_at, updated_at`

// PostgresRepository persists identities in the identities table.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository returns a repository backed by db (usually a *pgxpool.Pool).
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindByID returns the identity with id, or nil if not found.
func (r *PostgresRepository) FindByID(ctx context.Context, class, id string) (*domain.Identity, error) {
	return r.findOne(ctx, class, "id", id)
}

// FindByPhone returns the identity whose phone of record is phone, or nil if not found.
func (r *PostgresRepository) FindByPhone(ctx context.Context, class, phone string) (*domain.Identity, error) {
	return r.findOne(ctx, class, "phone", phone)
}

// FindByPendingPhone returns the identity waiting to confirm phone, or nil if not found.
func (r *PostgresRepository) FindByPendingPhone(ctx context.Context, class, phone string) (*domain.Identity, error) {
	return r.findOne(ctx, class, "pending_phone", phone)
}

// FindByTokenDigest returns the identity holding the outstanding token digest, or nil if not found.
func (r *PostgresRepository) FindByTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error) {
	return r.findOne(ctx, class, "token_digest", digest)
}

// FindByConsumedTokenDigest returns the identity that last consumed digest, or nil if not found.
func (r *PostgresRepository) FindByConsumedTokenDigest(ctx context.Context, class, digest string) (*domain.Identity, error) {
	return r.findOne(ctx, class, "consumed_token_digest", digest)
}

// FindByAttributes returns the identity matching every attribute, or nil if not found.
func (r *PostgresRepository) FindByAttributes(ctx context.Context, class string, attrs map[string]string) (*domain.Identity, error) {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if _, ok := columnForKey[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, k)
		}
		if v == "" {
			return nil, nil
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	where := []string{"class = $1"}
	args := []any{class}
	for _, k := range keys {
		args = append(args, attrs[k])
		where = append(where, fmt.Sprintf("%s = $%d", columnForKey[k], len(args)))
	}
	query := "SELECT " + identityColumns + " FROM identities WHERE " + strings.Join(where, " AND ") + " LIMIT 1"
	return r.scan(r.db.QueryRow(ctx, query, args...))
}

// Create inserts i with lock_version 0.
func (r *PostgresRepository) Create(ctx context.Context, i *domain.Identity) error {
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	query := `INSERT INTO identities (id, class, phone, pending_phone, token_digest, consumed_token_digest, ` +
		`token_issued_at, confirmed_at, lock_version, created_at, updated_at) ` +
		`VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, 0, $9, $10)`
	_, err := r.db.Exec(ctx, query,
		i.ID, i.Class, i.Phone, i.PendingPhone, i.TokenDigest, i.ConsumedTokenDigest,
		i.TokenIssuedAt, i.ConfirmedAt, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	i.LockVersion = 0
	i.MarkPersisted()
	return nil
}

// Save updates every confirmation field in one statement guarded by lock_version.
func (r *PostgresRepository) Save(ctx context.Context, i *domain.Identity) error {
	updatedAt := time.Now().UTC()
	query := `UPDATE identities SET phone = NULLIF($3, ''), pending_phone = NULLIF($4, ''), ` +
		`token_digest = NULLIF($5, ''), consumed_token_digest = NULLIF($6, ''), token_issued_at = $7, ` +
		`confirmed_at = $8, lock_version = lock_version + 1, updated_at = $9 ` +
		`WHERE id = $1 AND class = $2 AND lock_version = $10`
	tag, err := r.db.Exec(ctx, query,
		i.ID, i.Class, i.Phone, i.PendingPhone, i.TokenDigest, i.ConsumedTokenDigest,
		i.TokenIssuedAt, i.ConfirmedAt, updatedAt, i.LockVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	i.LockVersion++
	i.UpdatedAt = updatedAt
	i.MarkPersisted()
	return nil
}

func (r *PostgresRepository) findOne(ctx context.Context, class, column, value string) (*domain.Identity, error) {
	if value == "" {
		return nil, nil
	}
	query := "SELECT " + identityColumns + " FROM identities WHERE class = $1 AND " + column + " = $2 LIMIT 1"
	return r.scan(r.db.QueryRow(ctx, query, class, value))
}

func (r *PostgresRepository) scan(row pgx.Row) (*domain.Identity, error) {
	var i domain.Identity
	err := row.Scan(
		&i.ID,
		&i.Class,
		&i.Phone,
		&i.PendingPhone,
		&i.TokenDigest,
		&i.ConsumedTokenDigest,
		&i.TokenIssuedAt,
		&i.ConfirmedAt,
		&i.LockVersion,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	i.MarkPersisted()
	return &i, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
