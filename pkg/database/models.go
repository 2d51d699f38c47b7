package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskRecord is the durable record of a submitted task, keyed by the
// content-addressed task_id computed by pkg/taskspec. It tracks the
// task through submission, scheduling, and completion independently
// of the in-memory scheduler queue, so a restarted scheduler can
// recover outstanding work and a client can poll status after losing
// its original connection.
type TaskRecord struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TaskID         string     `db:"task_id" json:"task_id"`
	DriverID       string     `db:"driver_id" json:"driver_id"`
	ParentTaskID   *string    `db:"parent_task_id" json:"parent_task_id,omitempty"`
	FunctionID     string     `db:"function_id" json:"function_id"`
	ActorID        *string    `db:"actor_id" json:"actor_id,omitempty"`
	NumArgs        int        `db:"num_args" json:"num_args"`
	NumReturns     int        `db:"num_returns" json:"num_returns"`
	State          string     `db:"state" json:"state"`
	AssignedWorker *string    `db:"assigned_worker" json:"assigned_worker,omitempty"`
	RequiredRes    JSONMap    `db:"required_resources" json:"required_resources"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	Metadata       JSONMap    `db:"metadata" json:"metadata"`
	SubmittedAt    time.Time  `db:"submitted_at" json:"submitted_at"`
	ScheduledAt    *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// WorkerNode is a cluster member capable of executing tasks.
type WorkerNode struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PeerID        string     `db:"peer_id" json:"peer_id"`
	Name          *string    `db:"name" json:"name,omitempty"`
	Region        *string    `db:"region" json:"region,omitempty"`
	Zone          *string    `db:"zone" json:"zone,omitempty"`
	Address       *string    `db:"address" json:"address,omitempty"`
	Port          *int       `db:"port" json:"port,omitempty"`
	Capabilities  JSONArray  `db:"capabilities" json:"capabilities"`
	Resources     JSONMap    `db:"resources" json:"resources"`
	Status        string     `db:"status" json:"status"`
	LastHeartbeat *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	Version       *string    `db:"version" json:"version,omitempty"`
	Metadata      JSONMap    `db:"metadata" json:"metadata"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	// Computed fields, not stored directly.
	HealthStatus  string `json:"health_status,omitempty"`
	AssignedTasks int    `json:"assigned_tasks,omitempty"`
}

// Driver represents a client identity that submits tasks to the
// cluster (the "driver" side of the task model, distinct from the
// workers that execute tasks).
type Driver struct {
	ID                  uuid.UUID   `db:"id" json:"id"`
	Username            string      `db:"username" json:"username"`
	Email               *string     `db:"email" json:"email,omitempty"`
	PasswordHash        string      `db:"password_hash" json:"-"`
	Roles               StringArray `db:"roles" json:"roles"`
	Permissions         StringArray `db:"permissions" json:"permissions"`
	Active              bool        `db:"active" json:"active"`
	Metadata            JSONMap     `db:"metadata" json:"metadata"`
	LastLoginAt         *time.Time  `db:"last_login_at" json:"last_login_at,omitempty"`
	LastLoginIP         *string     `db:"last_login_ip" json:"last_login_ip,omitempty"`
	FailedLoginAttempts int         `db:"failed_login_attempts" json:"failed_login_attempts"`
	LockedUntil         *time.Time  `db:"locked_until" json:"locked_until,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// DriverSession is an issued refresh-token session for a Driver.
type DriverSession struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	DriverID         uuid.UUID  `db:"driver_id" json:"driver_id"`
	TokenID          string     `db:"token_id" json:"token_id"`
	RefreshTokenHash *string    `db:"refresh_token_hash" json:"-"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
	RefreshExpiresAt *time.Time `db:"refresh_expires_at" json:"refresh_expires_at,omitempty"`
	IPAddress        *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent        *string    `db:"user_agent" json:"user_agent,omitempty"`
	Revoked          bool       `db:"revoked" json:"revoked"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt        time.Time `db:"last_used_at" json:"last_used_at"`
}

// SystemConfig is a single key/value entry in cluster-wide configuration.
type SystemConfig struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Key         string    `db:"key" json:"key"`
	Value       JSONValue `db:"value" json:"value"`
	Description *string   `db:"description" json:"description,omitempty"`
	Category    *string   `db:"category" json:"category,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
	UpdatedBy   *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
}

// AuditLogEntry records a mutation to a tracked table for compliance
// and debugging.
type AuditLogEntry struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	TableName string     `db:"table_name" json:"table_name"`
	Operation string     `db:"operation" json:"operation"`
	RowID     *uuid.UUID `db:"row_id" json:"row_id,omitempty"`
	OldValues *JSONMap   `db:"old_values" json:"old_values,omitempty"`
	NewValues *JSONMap   `db:"new_values" json:"new_values,omitempty"`
	DriverID  *uuid.UUID `db:"driver_id" json:"driver_id,omitempty"`
	IPAddress *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent *string    `db:"user_agent" json:"user_agent,omitempty"`
	Timestamp time.Time  `db:"timestamp" json:"timestamp"`
}

// Custom types for handling JSON and array fields in PostgreSQL.

// JSONMap represents a JSON object stored as JSONB.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONMap)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
	return json.Unmarshal(bytes, j)
}

// JSONArray represents a JSON array stored as JSONB.
type JSONArray []interface{}

func (j JSONArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONArray) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONArray, 0)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONArray", value)
	}
	return json.Unmarshal(bytes, j)
}

// JSONValue represents any JSON value stored as JSONB.
type JSONValue map[string]interface{}

func (j JSONValue) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONValue) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONValue", value)
	}
	return json.Unmarshal(bytes, j)
}

// StringArray represents a TEXT[] column.
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	result := "{"
	for i, item := range s {
		if i > 0 {
			result += ","
		}
		result += fmt.Sprintf("%q", item)
	}
	result += "}"
	return result, nil
}

func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = make(StringArray, 0)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into StringArray", value)
		}
		bytes = []byte(str)
	}

	str := string(bytes)
	if len(str) < 2 || str[0] != '{' || str[len(str)-1] != '}' {
		return fmt.Errorf("invalid PostgreSQL array format: %s", str)
	}
	if str == "{}" {
		*s = make(StringArray, 0)
		return nil
	}

	content := str[1 : len(str)-1]
	var result []string
	var current string
	inQuotes := false

	for i, r := range content {
		switch r {
		case '"':
			if i == 0 || content[i-1] != '\\' {
				inQuotes = !inQuotes
			} else {
				current += string(r)
			}
		case ',':
			if !inQuotes {
				result = append(result, current)
				current = ""
			} else {
				current += string(r)
			}
		default:
			current += string(r)
		}
	}
	if current != "" {
		result = append(result, current)
	}

	*s = StringArray(result)
	return nil
}

// Filter types for list queries.

type TaskFilters struct {
	DriverID *string
	State    *string
	Worker   *string
	Limit    int
	Offset   int
}

type WorkerFilters struct {
	Region      *string
	Zone        *string
	Status      *string
	HealthyOnly bool
	Limit       int
	Offset      int
}

// Validation methods.

func (t *TaskRecord) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.FunctionID == "" {
		return fmt.Errorf("function_id is required")
	}
	return nil
}

func (w *WorkerNode) Validate() error {
	if w.PeerID == "" {
		return fmt.Errorf("worker peer ID is required")
	}
	return nil
}

func (d *Driver) Validate() error {
	if d.Username == "" {
		return fmt.Errorf("username is required")
	}
	if len(d.Roles) == 0 {
		return fmt.Errorf("driver must have at least one role")
	}
	return nil
}
