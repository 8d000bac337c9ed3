package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig mirrors the teacher's PostgreSQLConfig shape (pkg/database/postgres.go).
type PostgresConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// postgresStore implements Store over a shared *pgxpool.Pool. Every logical
// collection named in spec.md §6.3 (resource_elements, resource_templates,
// resource_indices, table_records, metadata_records) is multiplexed inside
// one physical table, scoped by a `collection` column, since all five share
// the same `{id, value, revision, rev_timestamp}` record shape.
type postgresStore struct {
	pool  *pgxpool.Pool
	rules *postgresRuleStore
	creds *postgresCredentialStore
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: parse config: %w", err)
	}
	// Set user/password separately so special characters in either never
	// need escaping into the connection string itself (teacher's pattern
	// in pkg/database/postgres.go).
	poolCfg.ConnConfig.User = cfg.User
	poolCfg.ConnConfig.Password = cfg.Password
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.ConnectionTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &postgresStore{pool: pool}
	s.rules = &postgresRuleStore{pool: pool}
	s.creds = &postgresCredentialStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS collection_records (
	collection    TEXT NOT NULL,
	id            TEXT NOT NULL,
	value         JSONB,
	revision      BIGINT NOT NULL,
	rev_timestamp TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS collection_records_revision_idx
	ON collection_records (collection, revision);

CREATE TABLE IF NOT EXISTS auth_rules (
	owner    TEXT NOT NULL,
	res_type TEXT NOT NULL,
	name     TEXT NOT NULL,
	accessor TEXT NOT NULL,
	allow    BOOLEAN NOT NULL,
	PRIMARY KEY (owner, res_type, name, accessor)
);

CREATE TABLE IF NOT EXISTS credentials (
	username   TEXT PRIMARY KEY,
	algorithm  TEXT NOT NULL,
	iterations INT NOT NULL,
	salt       BYTEA NOT NULL,
	digest     BYTEA NOT NULL,
	email      TEXT NOT NULL DEFAULT ''
);
`

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

func (s *postgresStore) Collection(name string) Collection {
	return &postgresCollection{pool: s.pool, name: name}
}

func (s *postgresStore) RuleStore() RuleStore                    { return s.rules }
func (s *postgresStore) CredentialRecords() CredentialRecordStore { return s.creds }

func (s *postgresStore) Close() { s.pool.Close() }

type postgresCollection struct {
	pool *pgxpool.Pool
	name string
}

func (c *postgresCollection) Get(ctx context.Context, id string) (*Record, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT id, value, revision, rev_timestamp FROM collection_records WHERE collection = $1 AND id = $2`,
		c.name, id)

	var rec Record
	var ts time.Time
	if err := row.Scan(&rec.ID, &rec.Value, &rec.Revision, &ts); err != nil {
		if err.Error() == "no rows in result set" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get %s/%s: %w", c.name, id, err)
	}
	rec.RevTimeStamp = ts.UTC().Format(time.RFC3339Nano)
	return &rec, nil
}

func (c *postgresCollection) Put(ctx context.Context, rec Record) error {
	ts, err := parseOrNow(rec.RevTimeStamp)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO collection_records (collection, id, value, revision, rev_timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, id) DO UPDATE
			SET value = EXCLUDED.value, revision = EXCLUDED.revision, rev_timestamp = EXCLUDED.rev_timestamp
	`, c.name, rec.ID, rec.Value, rec.Revision, ts)
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", c.name, rec.ID, err)
	}
	return nil
}

func (c *postgresCollection) Delete(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx,
		`DELETE FROM collection_records WHERE collection = $1 AND id = $2`, c.name, id); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *postgresCollection) List(ctx context.Context) ([]Record, error) {
	return c.query(ctx, `SELECT id, value, revision, rev_timestamp FROM collection_records WHERE collection = $1 ORDER BY id`, c.name)
}

func (c *postgresCollection) ListFrom(ctx context.Context, fromRevision int64) ([]Record, error) {
	return c.query(ctx,
		`SELECT id, value, revision, rev_timestamp FROM collection_records WHERE collection = $1 AND revision > $2 ORDER BY revision`,
		c.name, fromRevision)
}

func (c *postgresCollection) query(ctx context.Context, sql string, args ...interface{}) ([]Record, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts time.Time
		if err := rows.Scan(&rec.ID, &rec.Value, &rec.Revision, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", c.name, err)
		}
		rec.RevTimeStamp = ts.UTC().Format(time.RFC3339Nano)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *postgresCollection) Clear(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM collection_records WHERE collection = $1`, c.name); err != nil {
		return fmt.Errorf("storage: clear %s: %w", c.name, err)
	}
	return nil
}

func parseOrNow(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse rev timestamp: %w", err)
	}
	return t, nil
}

type postgresRuleStore struct {
	pool *pgxpool.Pool
}

func (s *postgresRuleStore) Get(ctx context.Context, owner, resType, name string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT accessor, allow FROM auth_rules WHERE owner = $1 AND res_type = $2 AND name = $3`,
		owner, resType, name)
	if err != nil {
		return nil, fmt.Errorf("storage: rule lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var accessor string
		var allow bool
		if err := rows.Scan(&accessor, &allow); err != nil {
			return nil, fmt.Errorf("storage: rule scan: %w", err)
		}
		out[accessor] = allow
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, rows.Err()
}

func (s *postgresRuleStore) Set(ctx context.Context, owner, resType, name, accessor string, allow bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_rules (owner, res_type, name, accessor, allow)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, res_type, name, accessor) DO UPDATE SET allow = EXCLUDED.allow
	`, owner, resType, name, accessor, allow)
	if err != nil {
		return fmt.Errorf("storage: rule set: %w", err)
	}
	return nil
}

type postgresCredentialStore struct {
	pool *pgxpool.Pool
}

func (s *postgresCredentialStore) Get(ctx context.Context, user string) (*CredentialRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT username, algorithm, iterations, salt, digest, email FROM credentials WHERE username = $1`, user)
	var rec CredentialRecord
	if err := row.Scan(&rec.User, &rec.Algorithm, &rec.Iterations, &rec.Salt, &rec.Digest, &rec.Email); err != nil {
		if err.Error() == "no rows in result set" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: credential get %s: %w", user, err)
	}
	return &rec, nil
}

func (s *postgresCredentialStore) Put(ctx context.Context, rec CredentialRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (username, algorithm, iterations, salt, digest, email)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE
			SET algorithm = EXCLUDED.algorithm, iterations = EXCLUDED.iterations,
			    salt = EXCLUDED.salt, digest = EXCLUDED.digest, email = EXCLUDED.email
	`, rec.User, rec.Algorithm, rec.Iterations, rec.Salt, rec.Digest, rec.Email)
	if err != nil {
		return fmt.Errorf("storage: credential put %s: %w", rec.User, err)
	}
	return nil
}
