package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/service"
)

// accountRepository 实现 service.AccountRepository 接口。
// 使用原生 SQL 操作 accounts 表。
type accountRepository struct {
	sql *sql.DB
}

// NewAccountRepository 创建账号仓储实例。
func NewAccountRepository(sqlDB *sql.DB) service.AccountRepository {
	return &accountRepository{sql: sqlDB}
}

const accountColumns = `
	id, email, access_token, refresh_token, enabled, error_count,
	cooldown_until, expires_at, sora2_supported, sora2_remaining,
	sora2_cooldown_until, image_limit, video_limit, last_used_at,
	use_count, created_at, updated_at`

func (r *accountRepository) Create(ctx context.Context, account *service.Account) error {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	res, err := r.sql.ExecContext(ctx, `
		INSERT INTO accounts (
			email, access_token, refresh_token, enabled, error_count,
			cooldown_until, expires_at, sora2_supported, sora2_remaining,
			sora2_cooldown_until, image_limit, video_limit, last_used_at,
			use_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		account.Email, account.AccessToken, account.RefreshToken, account.Enabled, account.ErrorCount,
		nullTime(account.CooldownUntil), nullTime(account.ExpiresAt), account.Sora2Supported, account.Sora2Remaining,
		nullTime(account.Sora2CooldownUntil), account.ImageLimit, account.VideoLimit, nullTime(account.LastUsedAt),
		account.UseCount, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return err
	}
	account.ID, err = res.LastInsertId()
	return err
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*service.Account, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrAccountNotFound
	}
	return account, err
}

func (r *accountRepository) List(ctx context.Context) ([]*service.Account, error) {
	rows, err := r.sql.QueryContext(ctx, `SELECT`+accountColumns+` FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*service.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *accountRepository) Update(ctx context.Context, account *service.Account) error {
	account.UpdatedAt = time.Now()
	res, err := r.sql.ExecContext(ctx, `
		UPDATE accounts SET
			email = ?, access_token = ?, refresh_token = ?, enabled = ?, error_count = ?,
			cooldown_until = ?, expires_at = ?, sora2_supported = ?, sora2_remaining = ?,
			sora2_cooldown_until = ?, image_limit = ?, video_limit = ?, last_used_at = ?,
			use_count = ?, updated_at = ?
		WHERE id = ?
	`,
		account.Email, account.AccessToken, account.RefreshToken, account.Enabled, account.ErrorCount,
		nullTime(account.CooldownUntil), nullTime(account.ExpiresAt), account.Sora2Supported, account.Sora2Remaining,
		nullTime(account.Sora2CooldownUntil), account.ImageLimit, account.VideoLimit, nullTime(account.LastUsedAt),
		account.UseCount, account.UpdatedAt, account.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.sql.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.ErrAccountNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*service.Account, error) {
	account := &service.Account{}
	var cooldownUntil, expiresAt, sora2CooldownUntil, lastUsedAt sql.NullTime

	err := row.Scan(
		&account.ID, &account.Email, &account.AccessToken, &account.RefreshToken,
		&account.Enabled, &account.ErrorCount,
		&cooldownUntil, &expiresAt, &account.Sora2Supported, &account.Sora2Remaining,
		&sora2CooldownUntil, &account.ImageLimit, &account.VideoLimit, &lastUsedAt,
		&account.UseCount, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.CooldownUntil = timePtr(cooldownUntil)
	account.ExpiresAt = timePtr(expiresAt)
	account.Sora2CooldownUntil = timePtr(sora2CooldownUntil)
	account.LastUsedAt = timePtr(lastUsedAt)
	return account, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
