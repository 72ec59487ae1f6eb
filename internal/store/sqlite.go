package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/router"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file (or :memory:).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database and configures the connection pool.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. Safe to call on every startup.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			base_url TEXT NOT NULL,
			protocol TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS model_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			requested_model TEXT NOT NULL UNIQUE,
			strategy TEXT NOT NULL DEFAULT 'round_robin',
			matching_rules TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS provider_bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mapping_id INTEGER NOT NULL REFERENCES model_mappings(id) ON DELETE CASCADE,
			provider_id INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			target_model TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			weight INTEGER NOT NULL DEFAULT 1,
			matching_rules TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_mapping ON provider_bindings(mapping_id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_used_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			api_key_id INTEGER,
			api_key_name TEXT NOT NULL DEFAULT '',
			requested_model TEXT NOT NULL DEFAULT '',
			target_model TEXT NOT NULL DEFAULT '',
			provider_id INTEGER,
			provider_name TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			first_byte_ms INTEGER,
			total_ms INTEGER,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			stream INTEGER NOT NULL DEFAULT 0,
			request_headers TEXT NOT NULL DEFAULT '',
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_trace ON request_logs(trace_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- providers ---

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]router.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, protocol, api_key, active FROM providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []router.Provider
	for rows.Next() {
		var p router.Provider
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Protocol, &p.APIKey, &active); err != nil {
			return nil, err
		}
		p.Active = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id int64) (*router.Provider, error) {
	var p router.Provider
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, protocol, api_key, active FROM providers WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.BaseURL, &p.Protocol, &p.APIKey, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}

func (s *SQLiteStore) CreateProvider(ctx context.Context, p *router.Provider) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (name, base_url, protocol, api_key, active) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.BaseURL, p.Protocol, p.APIKey, boolInt(p.Active))
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateProvider(ctx context.Context, p *router.Provider) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET name = ?, base_url = ?, protocol = ?, api_key = ?, active = ? WHERE id = ?`,
		p.Name, p.BaseURL, p.Protocol, p.APIKey, boolInt(p.Active), p.ID)
	return err
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// --- model mappings ---

func (s *SQLiteStore) ListMappings(ctx context.Context) ([]router.ModelMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requested_model, strategy, matching_rules, active FROM model_mappings ORDER BY requested_model`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []router.ModelMapping
	for rows.Next() {
		var m router.ModelMapping
		var active int
		if err := rows.Scan(&m.ID, &m.RequestedModel, &m.Strategy, &m.MatchingRules, &active); err != nil {
			return nil, err
		}
		m.Active = active != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetMappingByModel(ctx context.Context, model string) (*router.ModelMapping, error) {
	var m router.ModelMapping
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, requested_model, strategy, matching_rules, active FROM model_mappings WHERE requested_model = ?`, model).
		Scan(&m.ID, &m.RequestedModel, &m.Strategy, &m.MatchingRules, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Active = active != 0
	return &m, nil
}

func (s *SQLiteStore) CreateMapping(ctx context.Context, m *router.ModelMapping) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO model_mappings (requested_model, strategy, matching_rules, active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(requested_model) DO UPDATE SET
			strategy = excluded.strategy,
			matching_rules = excluded.matching_rules,
			active = excluded.active`,
		m.RequestedModel, m.Strategy, m.MatchingRules, boolInt(m.Active))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		m.ID = id
	}
	return nil
}

func (s *SQLiteStore) UpdateMapping(ctx context.Context, m *router.ModelMapping) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE model_mappings SET requested_model = ?, strategy = ?, matching_rules = ?, active = ? WHERE id = ?`,
		m.RequestedModel, m.Strategy, m.MatchingRules, boolInt(m.Active), m.ID)
	return err
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model_mappings WHERE id = ?`, id)
	return err
}

// --- provider bindings ---

func (s *SQLiteStore) ListBindings(ctx context.Context, mappingID int64) ([]router.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mapping_id, provider_id, target_model, priority, weight, matching_rules, active
		 FROM provider_bindings WHERE mapping_id = ? ORDER BY priority, id`, mappingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []router.Binding
	for rows.Next() {
		var b router.Binding
		var active int
		if err := rows.Scan(&b.ID, &b.MappingID, &b.ProviderID, &b.TargetModel,
			&b.Priority, &b.Weight, &b.MatchingRules, &active); err != nil {
			return nil, err
		}
		b.Active = active != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateBinding(ctx context.Context, b *router.Binding) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_bindings (mapping_id, provider_id, target_model, priority, weight, matching_rules, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.MappingID, b.ProviderID, b.TargetModel, b.Priority, b.Weight, b.MatchingRules, boolInt(b.Active))
	if err != nil {
		return err
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateBinding(ctx context.Context, b *router.Binding) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_bindings SET mapping_id = ?, provider_id = ?, target_model = ?,
			priority = ?, weight = ?, matching_rules = ?, active = ? WHERE id = ?`,
		b.MappingID, b.ProviderID, b.TargetModel, b.Priority, b.Weight, b.MatchingRules,
		boolInt(b.Active), b.ID)
	return err
}

func (s *SQLiteStore) DeleteBinding(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_bindings WHERE id = ?`, id)
	return err
}

// --- api keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, rec *APIKeyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, key_prefix, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Name, rec.KeyHash, rec.KeyPrefix, boolInt(rec.Active), rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, name, key_hash, key_prefix, active, created_at, last_used_at FROM api_keys ORDER BY id`)
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, name, key_hash, key_prefix, active, created_at, last_used_at FROM api_keys WHERE key_prefix = ?`,
		prefix)
}

func (s *SQLiteStore) queryAPIKeys(ctx context.Context, query string, args ...any) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []APIKeyRecord
	for rows.Next() {
		var rec APIKeyRecord
		var active int
		var createdAt string
		var lastUsed sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.KeyHash, &rec.KeyPrefix, &active, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		rec.Active = active != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastUsed.Valid {
			if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
				rec.LastUsedAt = &t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetAPIKeyActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = ? WHERE id = ?`, boolInt(active), id)
	return err
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// --- request logs ---

func (s *SQLiteStore) AppendLog(ctx context.Context, rec *RequestLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (
			trace_id, api_key_id, api_key_name, requested_model, target_model,
			provider_id, provider_name, protocol, status_code, retry_count,
			first_byte_ms, total_ms, input_tokens, output_tokens, stream,
			request_headers, request_body, response_body, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, nullInt64(rec.APIKeyID), rec.APIKeyName, rec.RequestedModel, rec.TargetModel,
		nullInt64(rec.ProviderID), rec.ProviderName, rec.Protocol, rec.StatusCode, rec.RetryCount,
		nullInt64(rec.FirstByteMs), nullInt64(rec.TotalMs), rec.InputTokens, rec.OutputTokens,
		boolInt(rec.Stream), rec.RequestHeaders, rec.RequestBody, rec.ResponseBody, rec.Error,
		rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, filter LogFilter) ([]RequestLog, error) {
	query := `SELECT id, trace_id, api_key_id, api_key_name, requested_model, target_model,
		provider_id, provider_name, protocol, status_code, retry_count,
		first_byte_ms, total_ms, input_tokens, output_tokens, stream,
		request_headers, request_body, response_body, error, created_at
		FROM request_logs`

	var conds []string
	var args []any
	if filter.TraceID != "" {
		conds = append(conds, "trace_id = ?")
		args = append(args, filter.TraceID)
	}
	if filter.RequestedModel != "" {
		conds = append(conds, "requested_model = ?")
		args = append(args, filter.RequestedModel)
	}
	if filter.ProviderName != "" {
		conds = append(conds, "provider_name = ?")
		args = append(args, filter.ProviderName)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RequestLog
	for rows.Next() {
		var rec RequestLog
		var apiKeyID, providerID, firstByte, total sql.NullInt64
		var stream int
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.TraceID, &apiKeyID, &rec.APIKeyName,
			&rec.RequestedModel, &rec.TargetModel, &providerID, &rec.ProviderName,
			&rec.Protocol, &rec.StatusCode, &rec.RetryCount, &firstByte, &total,
			&rec.InputTokens, &rec.OutputTokens, &stream, &rec.RequestHeaders,
			&rec.RequestBody, &rec.ResponseBody, &rec.Error, &createdAt); err != nil {
			return nil, err
		}
		rec.APIKeyID = int64Ptr(apiKeyID)
		rec.ProviderID = int64Ptr(providerID)
		rec.FirstByteMs = int64Ptr(firstByte)
		rec.TotalMs = int64Ptr(total)
		rec.Stream = stream != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UsageStats aggregates request logs per (model, provider) since the given
// time. A zero since spans the whole log.
func (s *SQLiteStore) UsageStats(ctx context.Context, since time.Time) ([]UsageStat, error) {
	query := `SELECT requested_model, provider_name, COUNT(*),
		SUM(CASE WHEN status_code < 200 OR status_code >= 400 THEN 1 ELSE 0 END),
		SUM(input_tokens), SUM(output_tokens), AVG(COALESCE(total_ms, 0))
		FROM request_logs`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	query += ` GROUP BY requested_model, provider_name ORDER BY COUNT(*) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []UsageStat
	for rows.Next() {
		var st UsageStat
		if err := rows.Scan(&st.RequestedModel, &st.ProviderName, &st.Requests,
			&st.Errors, &st.InputTokens, &st.OutputTokens, &st.AvgTotalMs); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

var _ Store = (*SQLiteStore)(nil)
