// Package store persists gateway configuration and request logs.
package store

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/internal/router"
)

// APIKeyRecord is a stored gateway credential. The raw key is never
// persisted; only a bcrypt hash and a short display prefix survive.
type APIKeyRecord struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// RequestLog is one append-only record per proxied request, including
// requests that failed before reaching any upstream. Header and body
// fields are stored sanitized.
type RequestLog struct {
	ID             int64     `json:"id"`
	TraceID        string    `json:"trace_id"`
	APIKeyID       *int64    `json:"api_key_id,omitempty"`
	APIKeyName     string    `json:"api_key_name,omitempty"`
	RequestedModel string    `json:"requested_model"`
	TargetModel    string    `json:"target_model,omitempty"`
	ProviderID     *int64    `json:"provider_id,omitempty"`
	ProviderName   string    `json:"provider_name,omitempty"`
	Protocol       string    `json:"protocol"`
	StatusCode     int       `json:"status_code"`
	RetryCount     int       `json:"retry_count"`
	FirstByteMs    *int64    `json:"first_byte_ms,omitempty"`
	TotalMs        *int64    `json:"total_ms,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Stream         bool      `json:"stream"`
	RequestHeaders string    `json:"request_headers,omitempty"`
	RequestBody    string    `json:"request_body,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LogFilter narrows ListLogs results. Zero values mean no constraint.
type LogFilter struct {
	TraceID        string
	RequestedModel string
	ProviderName   string
	Since          time.Time
	Limit          int
	Offset         int
}

// ProviderRepo is the configuration surface the router reads from and
// the admin API writes to. Getters return (nil, nil) when absent.
type ProviderRepo interface {
	ListProviders(ctx context.Context) ([]router.Provider, error)
	GetProvider(ctx context.Context, id int64) (*router.Provider, error)
	CreateProvider(ctx context.Context, p *router.Provider) error
	UpdateProvider(ctx context.Context, p *router.Provider) error
	DeleteProvider(ctx context.Context, id int64) error

	ListMappings(ctx context.Context) ([]router.ModelMapping, error)
	GetMappingByModel(ctx context.Context, model string) (*router.ModelMapping, error)
	CreateMapping(ctx context.Context, m *router.ModelMapping) error
	UpdateMapping(ctx context.Context, m *router.ModelMapping) error
	DeleteMapping(ctx context.Context, id int64) error

	ListBindings(ctx context.Context, mappingID int64) ([]router.Binding, error)
	CreateBinding(ctx context.Context, b *router.Binding) error
	UpdateBinding(ctx context.Context, b *router.Binding) error
	DeleteBinding(ctx context.Context, id int64) error
}

// APIKeyRepo manages gateway credentials.
type APIKeyRepo interface {
	CreateAPIKey(ctx context.Context, rec *APIKeyRecord) error
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	SetAPIKeyActive(ctx context.Context, id int64, active bool) error
	TouchAPIKey(ctx context.Context, id int64, at time.Time) error
	DeleteAPIKey(ctx context.Context, id int64) error
}

// UsageStat aggregates request log rows for one (model, provider) pair.
type UsageStat struct {
	RequestedModel string  `json:"requested_model"`
	ProviderName   string  `json:"provider_name"`
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	AvgTotalMs     float64 `json:"avg_total_ms"`
}

// LogSink is the append-only request log. Records are never updated.
type LogSink interface {
	AppendLog(ctx context.Context, rec *RequestLog) error
	ListLogs(ctx context.Context, filter LogFilter) ([]RequestLog, error)
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	UsageStats(ctx context.Context, since time.Time) ([]UsageStat, error)
}

// Store is the full persistence surface backing the gateway.
type Store interface {
	ProviderRepo
	APIKeyRepo
	LogSink

	Migrate(ctx context.Context) error
	Close() error
}
