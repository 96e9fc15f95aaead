package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, identity_key, owner_id, phone, app_id, app_hash, credentials, active, created_at, last_used_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.IdentityKey, &sess.OwnerID, &sess.Phone, &sess.AppID, &sess.AppHash,
		&sess.Credentials, &sess.Active, &sess.CreatedAt, &sess.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, identityKey string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identity_key = $1`, identityKey))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, err
}

// GetSessionByOwner returns the owner's most recently used session.
func (s *PostgresStore) GetSessionByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = $1 AND active
		 ORDER BY last_used_at DESC LIMIT 1`, ownerID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get session by owner: %w", err)
	}
	return sess, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (identity_key) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id,
		   phone = EXCLUDED.phone,
		   app_id = EXCLUDED.app_id,
		   app_hash = EXCLUDED.app_hash,
		   credentials = EXCLUDED.credentials,
		   active = EXCLUDED.active,
		   last_used_at = EXCLUDED.last_used_at`,
		sess.ID, sess.IdentityKey, sess.OwnerID, sess.Phone, sess.AppID, sess.AppHash,
		sess.Credentials, sess.Active, sess.CreatedAt, sess.LastUsedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSessionLastUsed(ctx context.Context, identityKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_used_at = NOW() WHERE identity_key = $1`, identityKey)
	if err != nil {
		return fmt.Errorf("update session last used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, identityKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE identity_key = $1`, identityKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, owner_id, source_ref, target_ref, mode, copy_media, status, copied_count, failed_count, total_count,
	progress_percentage, status_message, error_message, created_at, started_at, completed_at, stopped_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.SourceRef, &j.TargetRef, &j.Mode, &j.CopyMedia, &j.Status,
		&j.CopiedCount, &j.FailedCount, &j.TotalCount, &j.ProgressPercentage, &j.StatusMessage,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.StoppedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO copy_jobs (id, owner_id, source_ref, target_ref, mode, copy_media, status, copied_count,
		   failed_count, total_count, progress_percentage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.OwnerID, job.SourceRef, job.TargetRef, job.Mode, job.CopyMedia, job.Status, job.CopiedCount,
		job.FailedCount, job.TotalCount, job.ProgressPercentage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM copy_jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM copy_jobs WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListActiveJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM copy_jobs WHERE owner_id = $1 AND status IN ('pending', 'running')
		 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs by owner: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListRunningRealTimeJobs(ctx context.Context) ([]*models.Job, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM copy_jobs WHERE mode = $1 AND status = $2 ORDER BY created_at`,
		models.JobModeRealTime, models.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running real-time jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJobStatus moves a job to status. The current status is locked for the
// duration of the update so concurrent transitions cannot skip validation.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var currentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM copy_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !CanTransition(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE copy_jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	switch status {
	case models.JobStatusRunning:
		query += fmt.Sprintf(", started_at = COALESCE(started_at, $%d)", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted:
		query += fmt.Sprintf(", completed_at = $%d, progress_percentage = 100, status_message = NULL", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusFailed:
		query += fmt.Sprintf(", completed_at = $%d, status_message = NULL", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusStopped:
		query += fmt.Sprintf(", stopped_at = $%d, status_message = NULL", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.StatusMessage != nil {
		query += fmt.Sprintf(", status_message = $%d", argIdx)
		args = append(args, *params.StatusMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job status: %w", err)
	}
	return nil
}

// UpdateJobProgress writes the counters. Progress percentage is derived from
// the new counters and the (possibly updated) total.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, copied int, opts ...ProgressOption) error {
	p := ApplyProgressOptions(opts...)

	query := `UPDATE copy_jobs SET
		copied_count = $2,
		failed_count = COALESCE($3, failed_count),
		total_count = COALESCE($4, total_count),
		progress_percentage = CASE
			WHEN status = 'completed' THEN 100
			WHEN COALESCE($4, total_count) > 0
				THEN LEAST(100, ($2 + COALESCE($3, failed_count)) * 100.0 / COALESCE($4, total_count))
			ELSE progress_percentage
		END,
		updated_at = NOW()`
	args := []any{id, copied, p.Failed, p.Total}

	switch {
	case p.StatusMessage != nil:
		query += `, status_message = $5`
		args = append(args, *p.StatusMessage)
	case p.ClearStatus:
		query += `, status_message = NULL`
	}
	query += ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM copy_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
