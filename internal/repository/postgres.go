package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"apiforge/internal/automation"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func postgresClientKey(cfg *automation.DatabaseConfig) string {
	return "postgres:" + postgresConnString(cfg)
}

func postgresConnString(cfg *automation.DatabaseConfig) string {
	if s := cfg.String("connection_string", ""); s != "" {
		return s
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.String("username", "postgres"),
		cfg.String("password", ""),
		cfg.String("host", "localhost"),
		cfg.String("port", "5432"),
		cfg.String("database", "apiforge"),
	)
}

func newPostgresClient(ctx context.Context, cfg *automation.DatabaseConfig) (*client, error) {
	pool, err := pgxpool.New(ctx, postgresConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", ErrConfiguration, err)
	}
	return &client{
		value: pool,
		close: func(context.Context) error {
			pool.Close()
			return nil
		},
		ping: pool.Ping,
	}, nil
}

// postgresRepository stores each entity as one JSONB document row. Equality
// filters translate to JSONB containment; pagination is native LIMIT/OFFSET.
type postgresRepository struct {
	pool  *pgxpool.Pool
	table string

	mu    sync.Mutex
	ready bool
}

func newPostgresRepository(c *client, table string) (Repository, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrConfiguration, table)
	}
	return &postgresRepository{pool: c.value.(*pgxpool.Pool), table: table}, nil
}

// ensureTable creates the document table on first use.
func (r *postgresRepository) ensureTable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	_, err := r.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`, r.table))
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", r.table, err)
	}
	r.ready = true
	return nil
}

func (r *postgresRepository) Create(ctx context.Context, entity Entity) (Entity, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	id := ensureID(entity)
	doc, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	_, err = r.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, r.table), id, doc)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", r.table, err)
	}
	return entity, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	var doc []byte
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, r.table), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", r.table, err)
	}
	return decodeDoc(doc)
}

func (r *postgresRepository) GetAll(ctx context.Context, limit, offset int) ([]Entity, error) {
	return r.Find(ctx, nil, limit, offset)
}

func (r *postgresRepository) Update(ctx context.Context, entity Entity) (Entity, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	doc, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE id = $1`, r.table), id, doc)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", r.table, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return entity, nil
}

func (r *postgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	if err := r.ensureTable(ctx); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", r.table, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := r.ensureTable(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, r.table), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists in %s: %w", r.table, err)
	}
	return exists, nil
}

func (r *postgresRepository) Count(ctx context.Context, filters map[string]any) (int64, error) {
	if err := r.ensureTable(ctx); err != nil {
		return 0, err
	}
	match, err := filterDoc(filters)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE doc @> $1`, r.table), match).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.table, err)
	}
	return count, nil
}

func (r *postgresRepository) Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	match, err := filterDoc(filters)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT doc FROM %s WHERE doc @> $1 ORDER BY id LIMIT $2 OFFSET $3`, r.table), match, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", r.table, err)
	}
	defer rows.Close()

	entities := []Entity{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		entity, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", r.table, err)
	}
	return entities, nil
}

// filterDoc renders equality filters as a JSONB containment document.
// An empty filter set becomes {} which matches every row.
func filterDoc(filters map[string]any) ([]byte, error) {
	if filters == nil {
		filters = map[string]any{}
	}
	doc, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("marshal filters: %w", err)
	}
	return doc, nil
}

func decodeDoc(doc []byte) (Entity, error) {
	var entity Entity
	if err := json.Unmarshal(doc, &entity); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	return entity, nil
}
