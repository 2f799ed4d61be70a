package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/repository"
)

var _ repository.ChatJobRepository = (*chatJobRepo)(nil)

// uniqueViolation is the SQLSTATE for duplicate id/token inserts.
const uniqueViolation = "23505"

const chatJobColumns = `id, session_token, status, principal, query, model, result_summary,
       token_expires_at, token_used_at, created_at, updated_at`

type chatJobRepo struct {
	pool *pgxpool.Pool
}

func NewChatJobRepo(pool *pgxpool.Pool) *chatJobRepo {
	return &chatJobRepo{pool: pool}
}

func (r *chatJobRepo) Create(ctx context.Context, tx repository.Tx, job *model.ChatJob) error {
	const q = `
INSERT INTO chat_jobs (id, session_token, status, principal, query, model, result_summary,
                       token_expires_at, token_used_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.SessionToken, string(job.Status), job.Principal, job.Query, job.Model, job.ResultSummary,
		job.TokenExpiresAt, job.TokenUsedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create chat job: %w", domain.ErrInvalidArgument)
		}
		return storeErr("create chat job", err)
	}
	return nil
}

func (r *chatJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ChatJob, error) {
	q := `SELECT ` + chatJobColumns + ` FROM chat_jobs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	job, err := scanChatJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, storeErr("find chat job", err)
	}
	return job, nil
}

// Redeem is a single conditional UPDATE. Under READ COMMITTED a concurrent
// updater blocks on the row lock and then re-evaluates the WHERE clause against
// the committed version, so only the first caller matches.
func (r *chatJobRepo) Redeem(ctx context.Context, token string, now time.Time) (*model.ChatJob, error) {
	if token == "" {
		return nil, domain.ErrTokenNotFound
	}
	q := `
UPDATE chat_jobs
   SET token_used_at = $2, status = 'processing', updated_at = $2
 WHERE session_token = $1
   AND token_used_at IS NULL
   AND status = 'pending'
   AND token_expires_at > $2
RETURNING ` + chatJobColumns + `;`

	job, err := scanChatJob(r.pool.QueryRow(ctx, q, token, now))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeErr("redeem token", err)
	}

	const classify = `SELECT token_expires_at, token_used_at FROM chat_jobs WHERE session_token = $1;`
	var (
		expiresAt time.Time
		usedAt    *time.Time
	)
	if err := r.pool.QueryRow(ctx, classify, token).Scan(&expiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, storeErr("classify token", err)
	}
	return nil, model.ClassifyRedeemMiss(expiresAt, usedAt, now)
}

func (r *chatJobRepo) Finish(ctx context.Context, id string, status model.ChatJobStatus, summary string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	const q = `
UPDATE chat_jobs
   SET status = $2, result_summary = $3, updated_at = $4
 WHERE id = $1 AND status = 'processing';`

	tag, err := r.pool.Exec(ctx, q, id, string(status), summary, now)
	if err != nil {
		return storeErr("finish chat job", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM chat_jobs WHERE id = $1;`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return storeErr("finish chat job", err)
	}
	return model.ValidateTransition(model.ChatJobStatus(current), status)
}

func (r *chatJobRepo) DeleteExpiredUnredeemed(ctx context.Context, now time.Time, limit int) (int, error) {
	const q = `
DELETE FROM chat_jobs
 WHERE status = 'pending'
   AND token_used_at IS NULL
   AND id IN (
       SELECT id FROM chat_jobs
        WHERE status = 'pending'
          AND token_used_at IS NULL
          AND token_expires_at < $1
        ORDER BY token_expires_at
        LIMIT $2
          FOR UPDATE SKIP LOCKED);`

	tag, err := r.pool.Exec(ctx, q, now, limit)
	if err != nil {
		return 0, storeErr("delete expired chat jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *chatJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const q = `
DELETE FROM chat_jobs
 WHERE status IN ('completed', 'failed')
   AND id IN (
       SELECT id FROM chat_jobs
        WHERE status IN ('completed', 'failed')
          AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2
          FOR UPDATE SKIP LOCKED);`

	tag, err := r.pool.Exec(ctx, q, cutoff, limit)
	if err != nil {
		return 0, storeErr("delete terminal chat jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanChatJob(row pgx.Row) (*model.ChatJob, error) {
	var (
		j      model.ChatJob
		status string
	)
	if err := row.Scan(
		&j.ID, &j.SessionToken, &status, &j.Principal, &j.Query, &j.Model, &j.ResultSummary,
		&j.TokenExpiresAt, &j.TokenUsedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = model.ChatJobStatus(status)
	if !j.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrReadDatabaseRow, status)
	}
	return &j, nil
}

// storeErr maps driver failures to domain.ErrStoreUnavailable, leaving
// caller cancellations untouched.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}
