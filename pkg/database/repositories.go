package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// TaskRepository persists TaskRecord rows: submission, scheduling
// transitions, and terminal outcomes for every task_id the cluster
// has seen.
type TaskRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewTaskRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, redis: redis, logger: logger}
}

func (r *TaskRepository) Create(ctx context.Context, rec *TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("task validation failed: %w", err)
	}

	query := `
		INSERT INTO tasks (task_id, driver_id, parent_task_id, function_id, actor_id,
			num_args, num_returns, state, required_resources, metadata)
		VALUES (:task_id, :driver_id, :parent_task_id, :function_id, :actor_id,
			:num_args, :num_returns, :state, :required_resources, :metadata)
		RETURNING id, submitted_at`

	rows, err := r.db.NamedQueryContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&rec.ID, &rec.SubmittedAt); err != nil {
			return fmt.Errorf("failed to read created task record: %w", err)
		}
	}
	return nil
}

func (r *TaskRepository) GetByTaskID(ctx context.Context, taskID string) (*TaskRecord, error) {
	if r.redis != nil {
		key := fmt.Sprintf("task:%s", taskID)
		var rec TaskRecord
		if data, err := r.redis.Get(ctx, key).Result(); err == nil {
			if err := json.Unmarshal([]byte(data), &rec); err == nil {
				return &rec, nil
			}
		}
	}

	var rec TaskRecord
	query := `SELECT * FROM tasks WHERE task_id = $1`
	if err := r.db.GetContext(ctx, &rec, query, taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if r.redis != nil {
		if data, err := json.Marshal(rec); err == nil {
			r.redis.Set(ctx, fmt.Sprintf("task:%s", taskID), data, 5*time.Minute)
		}
	}
	return &rec, nil
}

func (r *TaskRepository) UpdateState(ctx context.Context, taskID, state string, worker *string, errMsg *string) error {
	query := `
		UPDATE tasks
		SET state = $1, assigned_worker = COALESCE($2, assigned_worker), error_message = $3,
			scheduled_at = CASE WHEN $1 = 'scheduled' AND scheduled_at IS NULL THEN CURRENT_TIMESTAMP ELSE scheduled_at END,
			completed_at = CASE WHEN $1 IN ('done', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE task_id = $4`

	_, err := r.db.ExecContext(ctx, query, state, worker, errMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	if r.redis != nil {
		r.redis.Del(ctx, fmt.Sprintf("task:%s", taskID))
	}
	return nil
}

func (r *TaskRepository) List(ctx context.Context, filters *TaskFilters) ([]*TaskRecord, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	args := make(map[string]interface{})

	if filters != nil {
		if filters.DriverID != nil {
			query += ` AND driver_id = :driver_id`
			args["driver_id"] = *filters.DriverID
		}
		if filters.State != nil {
			query += ` AND state = :state`
			args["state"] = *filters.State
		}
		if filters.Worker != nil {
			query += ` AND assigned_worker = :worker`
			args["worker"] = *filters.Worker
		}
		query += ` ORDER BY submitted_at DESC`
		if filters.Limit > 0 {
			query += ` LIMIT :limit`
			args["limit"] = filters.Limit
		}
		if filters.Offset > 0 {
			query += ` OFFSET :offset`
			args["offset"] = filters.Offset
		}
	} else {
		query += ` ORDER BY submitted_at DESC LIMIT 100`
	}

	rows, err := r.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var recs []*TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// WorkerRepository persists cluster membership: every worker that has
// announced itself, its advertised capacity, and its last heartbeat.
type WorkerRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewWorkerRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *WorkerRepository {
	return &WorkerRepository{db: db, redis: redis, logger: logger}
}

func (r *WorkerRepository) Upsert(ctx context.Context, w *WorkerNode) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}

	query := `
		INSERT INTO workers (peer_id, name, region, zone, address, port, capabilities,
			resources, status, last_heartbeat, version, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (peer_id) DO UPDATE SET
			name = EXCLUDED.name,
			region = EXCLUDED.region,
			zone = EXCLUDED.zone,
			address = EXCLUDED.address,
			port = EXCLUDED.port,
			capabilities = EXCLUDED.capabilities,
			resources = EXCLUDED.resources,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		w.PeerID, w.Name, w.Region, w.Zone, w.Address, w.Port,
		w.Capabilities, w.Resources, w.Status, w.LastHeartbeat, w.Version, w.Metadata).
		Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	return err
}

func (r *WorkerRepository) GetByPeerID(ctx context.Context, peerID string) (*WorkerNode, error) {
	var w WorkerNode
	query := `SELECT * FROM workers WHERE peer_id = $1`
	if err := r.db.GetContext(ctx, &w, query, peerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not found: %s", peerID)
		}
		return nil, err
	}
	return &w, nil
}

func (r *WorkerRepository) List(ctx context.Context, filters *WorkerFilters) ([]*WorkerNode, error) {
	if filters == nil {
		filters = &WorkerFilters{Limit: 100}
	}

	query := `SELECT w.*,
			CASE
				WHEN w.last_heartbeat > NOW() - INTERVAL '5 minutes' THEN 'healthy'
				WHEN w.last_heartbeat > NOW() - INTERVAL '15 minutes' THEN 'degraded'
				ELSE 'unhealthy'
			END as health_status,
			COUNT(t.id) FILTER (WHERE t.state NOT IN ('done', 'failed')) as assigned_tasks
		FROM workers w
		LEFT JOIN tasks t ON t.assigned_worker = w.peer_id
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filters.Region != nil {
		query += fmt.Sprintf(" AND w.region = $%d", argIndex)
		args = append(args, *filters.Region)
		argIndex++
	}
	if filters.Status != nil {
		query += fmt.Sprintf(" AND w.status = $%d", argIndex)
		args = append(args, *filters.Status)
		argIndex++
	}
	if filters.HealthyOnly {
		query += " AND w.last_heartbeat > NOW() - INTERVAL '5 minutes'"
	}

	query += ` GROUP BY w.id, w.peer_id, w.name, w.region, w.zone, w.address, w.port,
		w.capabilities, w.resources, w.status, w.last_heartbeat, w.version, w.metadata,
		w.created_at, w.updated_at`
	query += " ORDER BY w.last_heartbeat DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filters.Limit, filters.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*WorkerNode
	for rows.Next() {
		var w WorkerNode
		if err := rows.Scan(
			&w.ID, &w.PeerID, &w.Name, &w.Region, &w.Zone, &w.Address, &w.Port,
			&w.Capabilities, &w.Resources, &w.Status, &w.LastHeartbeat, &w.Version,
			&w.Metadata, &w.CreatedAt, &w.UpdatedAt, &w.HealthStatus, &w.AssignedTasks,
		); err != nil {
			return nil, err
		}
		workers = append(workers, &w)
	}
	return workers, nil
}

func (r *WorkerRepository) UpdateHeartbeat(ctx context.Context, peerID string) error {
	query := `UPDATE workers SET last_heartbeat = CURRENT_TIMESTAMP WHERE peer_id = $1`
	_, err := r.db.ExecContext(ctx, query, peerID)
	return err
}

// DriverRepository handles driver (submitting-client) accounts.
type DriverRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewDriverRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *DriverRepository {
	return &DriverRepository{db: db, redis: redis, logger: logger}
}

func (r *DriverRepository) Create(ctx context.Context, d *Driver, password string) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("driver validation failed: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	d.PasswordHash = string(hashed)

	query := `
		INSERT INTO drivers (username, email, password_hash, roles, permissions, active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		d.Username, d.Email, d.PasswordHash, d.Roles, d.Permissions, d.Active, d.Metadata).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	r.logger.Info("driver created", "driver_id", d.ID, "username", d.Username)
	return nil
}

func (r *DriverRepository) GetByUsername(ctx context.Context, username string) (*Driver, error) {
	var d Driver
	query := `SELECT * FROM drivers WHERE username = $1 AND active = true`
	if err := r.db.GetContext(ctx, &d, query, username); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("driver not found: %s", username)
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return &d, nil
}

func (r *DriverRepository) GetByID(ctx context.Context, id uuid.UUID) (*Driver, error) {
	var d Driver
	query := `SELECT * FROM drivers WHERE id = $1 AND active = true`
	if err := r.db.GetContext(ctx, &d, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("driver not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return &d, nil
}

func (r *DriverRepository) Authenticate(ctx context.Context, username, password string) (*Driver, error) {
	d, err := r.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(password)); err != nil {
		r.IncrementFailedAttempts(ctx, d.ID)
		return nil, fmt.Errorf("invalid credentials")
	}
	r.UpdateLastLogin(ctx, d.ID, "")
	return d, nil
}

func (r *DriverRepository) UpdateLastLogin(ctx context.Context, driverID uuid.UUID, ipAddress string) error {
	query := `
		UPDATE drivers
		SET last_login_at = CURRENT_TIMESTAMP, last_login_ip = $1, failed_login_attempts = 0
		WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, ipAddress, driverID)
	return err
}

func (r *DriverRepository) IncrementFailedAttempts(ctx context.Context, driverID uuid.UUID) error {
	query := `
		UPDATE drivers
		SET failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= 5 THEN CURRENT_TIMESTAMP + INTERVAL '30 minutes'
				ELSE locked_until
			END
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, driverID)
	return err
}

// SessionRepository tracks issued refresh-token sessions per driver.
type SessionRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewSessionRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, redis: redis, logger: logger}
}

func (r *SessionRepository) Create(ctx context.Context, s *DriverSession) error {
	query := `
		INSERT INTO driver_sessions (driver_id, token_id, refresh_token_hash, expires_at,
			refresh_expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, last_used_at`

	return r.db.QueryRowxContext(ctx, query,
		s.DriverID, s.TokenID, s.RefreshTokenHash, s.ExpiresAt,
		s.RefreshExpiresAt, s.IPAddress, s.UserAgent).
		Scan(&s.ID, &s.CreatedAt, &s.LastUsedAt)
}

func (r *SessionRepository) GetByTokenID(ctx context.Context, tokenID string) (*DriverSession, error) {
	var s DriverSession
	query := `SELECT * FROM driver_sessions WHERE token_id = $1 AND revoked = false AND expires_at > CURRENT_TIMESTAMP`
	if err := r.db.GetContext(ctx, &s, query, tokenID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found or expired")
		}
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) Revoke(ctx context.Context, tokenID string) error {
	query := `UPDATE driver_sessions SET revoked = true WHERE token_id = $1`
	_, err := r.db.ExecContext(ctx, query, tokenID)
	return err
}

func (r *SessionRepository) CleanupExpired(ctx context.Context) (int, error) {
	var deleted int
	query := `SELECT cleanup_expired_sessions()`
	err := r.db.QueryRowContext(ctx, query).Scan(&deleted)
	return deleted, err
}

// ConfigRepository reads and writes cluster-wide configuration values,
// cached in Redis to keep hot paths (e.g. scheduler policy lookups)
// off the primary database.
type ConfigRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewConfigRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *ConfigRepository {
	return &ConfigRepository{db: db, redis: redis, logger: logger}
}

func (r *ConfigRepository) Get(ctx context.Context, key string) (*SystemConfig, error) {
	if r.redis != nil {
		if cached, err := r.redis.Get(ctx, fmt.Sprintf("config:%s", key)).Result(); err == nil {
			var cfg SystemConfig
			if err := json.Unmarshal([]byte(cached), &cfg); err == nil {
				return &cfg, nil
			}
		}
	}

	var cfg SystemConfig
	query := `SELECT * FROM system_config WHERE key = $1`
	if err := r.db.GetContext(ctx, &cfg, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("config not found: %s", key)
		}
		return nil, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(cfg); err == nil {
			r.redis.Set(ctx, fmt.Sprintf("config:%s", key), data, 5*time.Minute)
		}
	}
	return &cfg, nil
}

func (r *ConfigRepository) Set(ctx context.Context, key string, value interface{}, description *string, updatedBy *uuid.UUID) error {
	query := `
		INSERT INTO system_config (key, value, description, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = COALESCE(EXCLUDED.description, system_config.description),
			updated_by = EXCLUDED.updated_by,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at`

	var cfg SystemConfig
	err := r.db.QueryRowxContext(ctx, query, key, value, description, updatedBy).
		Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return err
	}
	if r.redis != nil {
		r.redis.Del(ctx, fmt.Sprintf("config:%s", key))
	}
	return nil
}

// AuditRepository records and retrieves audit log entries.
type AuditRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

func (r *AuditRepository) Log(ctx context.Context, entry *AuditLogEntry) error {
	query := `
		INSERT INTO audit_log (table_name, operation, row_id, old_values, new_values,
			driver_id, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, timestamp`

	return r.db.QueryRowxContext(ctx, query,
		entry.TableName, entry.Operation, entry.RowID, entry.OldValues,
		entry.NewValues, entry.DriverID, entry.IPAddress, entry.UserAgent).
		Scan(&entry.ID, &entry.Timestamp)
}

func (r *AuditRepository) List(ctx context.Context, limit, offset int) ([]*AuditLogEntry, error) {
	query := `SELECT * FROM audit_log ORDER BY timestamp DESC LIMIT $1 OFFSET $2`
	var entries []*AuditLogEntry
	err := r.db.SelectContext(ctx, &entries, query, limit, offset)
	return entries, err
}

func (r *AuditRepository) Cleanup(ctx context.Context, daysToKeep int) (int, error) {
	var deleted int
	query := `SELECT cleanup_old_audit_logs($1)`
	err := r.db.QueryRowContext(ctx, query, daysToKeep).Scan(&deleted)
	return deleted, err
}
