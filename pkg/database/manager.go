package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	// PostgreSQL configuration
	Host     string `yaml:"host" env:"TASKMESH_DB_HOST"`
	Port     int    `yaml:"port" env:"TASKMESH_DB_PORT"`
	Name     string `yaml:"name" env:"TASKMESH_DB_NAME"`
	User     string `yaml:"user" env:"TASKMESH_DB_USER"`
	Password string `yaml:"password" env:"TASKMESH_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"TASKMESH_DB_SSL_MODE"`
	
	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns" env:"TASKMESH_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"TASKMESH_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"TASKMESH_DB_CONN_MAX_LIFETIME"`
	
	// Redis configuration
	RedisHost     string `yaml:"redis_host" env:"TASKMESH_REDIS_HOST"`
	RedisPort     int    `yaml:"redis_port" env:"TASKMESH_REDIS_PORT"`
	RedisPassword string `yaml:"redis_password" env:"TASKMESH_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"TASKMESH_REDIS_DB"`
	
	// Redis connection settings
	RedisPoolSize     int           `yaml:"redis_pool_size" env:"TASKMESH_REDIS_POOL_SIZE"`
	RedisMinIdleConns int           `yaml:"redis_min_idle_conns" env:"TASKMESH_REDIS_MIN_IDLE_CONNS"`
	RedisDialTimeout  time.Duration `yaml:"redis_dial_timeout" env:"TASKMESH_REDIS_DIAL_TIMEOUT"`
	RedisReadTimeout  time.Duration `yaml:"redis_read_timeout" env:"TASKMESH_REDIS_READ_TIMEOUT"`
	RedisWriteTimeout time.Duration `yaml:"redis_write_timeout" env:"TASKMESH_REDIS_WRITE_TIMEOUT"`
}

// DatabaseManager manages database connections and provides access to repositories
type DatabaseManager struct {
	DB     *sqlx.DB
	Redis  *redis.Client
	config *DatabaseConfig
	logger *slog.Logger

	// Repositories
	Tasks    *TaskRepository
	Workers  *WorkerRepository
	Drivers  *DriverRepository
	Sessions *SessionRepository
	Audit    *AuditRepository
	Config   *ConfigRepository
}

// NewDatabaseManager creates a new database manager with all repositories
func NewDatabaseManager(config *DatabaseConfig, logger *slog.Logger) (*DatabaseManager, error) {
	// Set defaults
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "prefer"
	}
	if config.RedisPoolSize == 0 {
		config.RedisPoolSize = 10
	}
	if config.RedisMinIdleConns == 0 {
		config.RedisMinIdleConns = 5
	}
	if config.RedisDialTimeout == 0 {
		config.RedisDialTimeout = 5 * time.Second
	}
	if config.RedisReadTimeout == 0 {
		config.RedisReadTimeout = 3 * time.Second
	}
	if config.RedisWriteTimeout == 0 {
		config.RedisWriteTimeout = 3 * time.Second
	}

	dm := &DatabaseManager{
		config: config,
		logger: logger,
	}

	// Initialize PostgreSQL connection
	if err := dm.initializePostgreSQL(); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	// Initialize Redis connection
	if err := dm.initializeRedis(); err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	// Initialize repositories
	dm.initializeRepositories()

	logger.Info("Database manager initialized successfully",
		"postgres_host", config.Host,
		"postgres_port", config.Port,
		"postgres_db", config.Name,
		"redis_host", config.RedisHost,
		"redis_port", config.RedisPort)

	return dm, nil
}

// initializePostgreSQL sets up PostgreSQL connection with connection pooling
func (dm *DatabaseManager) initializePostgreSQL() error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dm.config.Host, dm.config.Port, dm.config.User, dm.config.Password, dm.config.Name, dm.config.SSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(dm.config.MaxOpenConns)
	db.SetMaxIdleConns(dm.config.MaxIdleConns)
	db.SetConnMaxLifetime(dm.config.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	dm.DB = db
	return nil
}

// initializeRedis sets up Redis connection with proper configuration
func (dm *DatabaseManager) initializeRedis() error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", dm.config.RedisHost, dm.config.RedisPort),
		Password:     dm.config.RedisPassword,
		DB:           dm.config.RedisDB,
		PoolSize:     dm.config.RedisPoolSize,
		MinIdleConns: dm.config.RedisMinIdleConns,
		DialTimeout:  dm.config.RedisDialTimeout,
		ReadTimeout:  dm.config.RedisReadTimeout,
		WriteTimeout: dm.config.RedisWriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	dm.Redis = rdb
	return nil
}

// migrations is the ordered schema DDL applied by Migrate. Statements
// are idempotent (IF NOT EXISTS / CREATE OR REPLACE) so re-running on
// startup is safe.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		task_id TEXT NOT NULL UNIQUE,
		driver_id TEXT NOT NULL,
		parent_task_id TEXT,
		function_id TEXT NOT NULL,
		actor_id TEXT,
		num_args INTEGER NOT NULL DEFAULT 0,
		num_returns INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'waiting',
		assigned_worker TEXT,
		required_resources JSONB NOT NULL DEFAULT '{}',
		error_message TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		scheduled_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_driver ON tasks (driver_id, submitted_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		peer_id TEXT NOT NULL UNIQUE,
		name TEXT,
		region TEXT,
		zone TEXT,
		address TEXT,
		port INTEGER,
		capabilities JSONB NOT NULL DEFAULT '[]',
		resources JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'online',
		last_heartbeat TIMESTAMPTZ,
		version TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS drivers (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		username TEXT NOT NULL UNIQUE,
		email TEXT UNIQUE,
		password_hash TEXT NOT NULL,
		roles TEXT[] NOT NULL DEFAULT '{}',
		permissions TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT true,
		metadata JSONB NOT NULL DEFAULT '{}',
		last_login_at TIMESTAMPTZ,
		last_login_ip TEXT,
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS driver_sessions (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		driver_id UUID NOT NULL REFERENCES drivers(id) ON DELETE CASCADE,
		token_id TEXT NOT NULL UNIQUE,
		refresh_token_hash TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		refresh_expires_at TIMESTAMPTZ,
		ip_address TEXT,
		user_agent TEXT,
		revoked BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS system_config (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		key TEXT NOT NULL UNIQUE,
		value JSONB,
		description TEXT,
		category TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_by UUID
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		row_id UUID,
		old_values JSONB,
		new_values JSONB,
		driver_id UUID,
		ip_address TEXT,
		user_agent TEXT,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log (timestamp DESC)`,
	`CREATE OR REPLACE FUNCTION cleanup_expired_sessions() RETURNS INTEGER AS $$
	DECLARE deleted INTEGER;
	BEGIN
		DELETE FROM driver_sessions WHERE expires_at < CURRENT_TIMESTAMP OR revoked = true;
		GET DIAGNOSTICS deleted = ROW_COUNT;
		RETURN deleted;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION cleanup_old_audit_logs(days_to_keep INTEGER) RETURNS INTEGER AS $$
	DECLARE deleted INTEGER;
	BEGIN
		DELETE FROM audit_log WHERE timestamp < CURRENT_TIMESTAMP - (days_to_keep || ' days')::INTERVAL;
		GET DIAGNOSTICS deleted = ROW_COUNT;
		RETURN deleted;
	END;
	$$ LANGUAGE plpgsql`,
}

// Migrate applies the schema to the connected database. Called once on
// startup by the serve command, before any repository is used.
func (dm *DatabaseManager) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := dm.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	dm.logger.Info("database schema up to date", "migrations", len(migrations))
	return nil
}

// initializeRepositories creates all repository instances
func (dm *DatabaseManager) initializeRepositories() {
	dm.Tasks = NewTaskRepository(dm.DB, dm.Redis, dm.logger)
	dm.Workers = NewWorkerRepository(dm.DB, dm.Redis, dm.logger)
	dm.Drivers = NewDriverRepository(dm.DB, dm.Redis, dm.logger)
	dm.Sessions = NewSessionRepository(dm.DB, dm.Redis, dm.logger)
	dm.Audit = NewAuditRepository(dm.DB, dm.logger)
	dm.Config = NewConfigRepository(dm.DB, dm.Redis, dm.logger)
}

// Health returns the health status of database connections
func (dm *DatabaseManager) Health(ctx context.Context) (*HealthStatus, error) {
	health := &HealthStatus{
		PostgreSQL: &ComponentHealth{Status: "healthy"},
		Redis:      &ComponentHealth{Status: "healthy"},
	}

	// Check PostgreSQL
	pgStart := time.Now()
	if err := dm.DB.PingContext(ctx); err != nil {
		health.PostgreSQL.Status = "unhealthy"
		health.PostgreSQL.Error = err.Error()
	}
	health.PostgreSQL.ResponseTime = time.Since(pgStart)

	// Check Redis
	redisStart := time.Now()
	if err := dm.Redis.Ping(ctx).Err(); err != nil {
		health.Redis.Status = "unhealthy"
		health.Redis.Error = err.Error()
	}
	health.Redis.ResponseTime = time.Since(redisStart)

	// Overall status
	if health.PostgreSQL.Status == "healthy" && health.Redis.Status == "healthy" {
		health.Overall = "healthy"
	} else {
		health.Overall = "degraded"
	}

	return health, nil
}

// Stats returns database connection statistics
func (dm *DatabaseManager) Stats() *DatabaseStats {
	dbStats := dm.DB.Stats()
	
	return &DatabaseStats{
		PostgreSQL: &PostgreSQLStats{
			OpenConnections:     dbStats.OpenConnections,
			InUse:              dbStats.InUse,
			Idle:               dbStats.Idle,
			WaitCount:          dbStats.WaitCount,
			WaitDuration:       dbStats.WaitDuration,
			MaxIdleClosed:      dbStats.MaxIdleClosed,
			MaxLifetimeClosed:  dbStats.MaxLifetimeClosed,
			MaxOpenConnections: dm.config.MaxOpenConns,
			MaxIdleConnections: dm.config.MaxIdleConns,
		},
		Redis: &RedisStats{
			PoolSize:     dm.config.RedisPoolSize,
			MinIdleConns: dm.config.RedisMinIdleConns,
		},
	}
}

// Close gracefully closes all database connections
func (dm *DatabaseManager) Close() error {
	var errors []error

	// Close PostgreSQL connection
	if dm.DB != nil {
		if err := dm.DB.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close PostgreSQL: %w", err))
		}
	}

	// Close Redis connection
	if dm.Redis != nil {
		if err := dm.Redis.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("errors closing database connections: %v", errors)
	}

	dm.logger.Info("Database connections closed successfully")
	return nil
}

// WithTransaction executes a function within a database transaction
func (dm *DatabaseManager) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := dm.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// SetUserContext sets the current user ID for audit logging
func (dm *DatabaseManager) SetUserContext(ctx context.Context, userID string) context.Context {
	_, err := dm.DB.ExecContext(ctx, "SELECT set_config('app.current_user_id', $1, false)", userID)
	if err != nil {
		dm.logger.Warn("Failed to set user context for audit logging", "error", err)
	}
	return ctx
}

// Health and stats types
type HealthStatus struct {
	Overall    string           `json:"overall"`
	PostgreSQL *ComponentHealth `json:"postgresql"`
	Redis      *ComponentHealth `json:"redis"`
}

type ComponentHealth struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

type DatabaseStats struct {
	PostgreSQL *PostgreSQLStats `json:"postgresql"`
	Redis      *RedisStats      `json:"redis"`
}

type PostgreSQLStats struct {
	OpenConnections     int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
}

type RedisStats struct {
	PoolSize     int `json:"pool_size"`
	MinIdleConns int `json:"min_idle_conns"`
}