package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"videoAnalyzer/core"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PgVectorStore 基于 PostgreSQL + pgvector 的向量库
type PgVectorStore struct {
	pool     *pgxpool.Pool
	table    string
	distance Distance
	dim      dimensionGuard

	schemaMu sync.Mutex
	indexed  bool
}

// NewPgVectorStore 连接数据库并确保扩展和表存在
func NewPgVectorStore(ctx context.Context, dbURL, table string, distance Distance, dimension int) (*PgVectorStore, error) {
	if dbURL == "" {
		return nil, errors.New("postgres url is required")
	}
	if table == "" {
		table = "video_insights"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := &PgVectorStore{pool: pool, table: table, distance: distance}
	if err := s.ensureTable(ctx, dimension); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("pgvector store ready", "table", table, "dimension", s.dim.get(), "distance", distance)
	return s, nil
}

func (s *PgVectorStore) ensureTable(ctx context.Context, dimension int) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return errors.Wrap(err, "create vector extension")
	}

	column := "vector"
	if dimension > 0 {
		column = fmt.Sprintf("vector(%d)", dimension)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding %s NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, column)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return errors.Wrapf(err, "create table %s", s.table)
	}

	// 已有数据时以库中维度为准
	var stored *int
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT vector_dims(embedding) FROM %s LIMIT 1", s.table)).Scan(&stored)
	if err == nil && stored != nil {
		if dimension > 0 && dimension != *stored {
			return errors.Wrapf(ErrDimensionMismatch, "table has %d, configured %d", *stored, dimension)
		}
		dimension = *stored
	}
	s.dim.dim = dimension
	if dimension > 0 {
		s.ensureIndex(ctx)
	}
	return nil
}

// ensureIndex 创建 HNSW 索引；列没有固定维度时 pgvector 无法建索引，只记录警告
func (s *PgVectorStore) ensureIndex(ctx context.Context) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.indexed {
		return
	}
	ops := "vector_cosine_ops"
	if s.distance == DistanceL2 {
		ops = "vector_l2_ops"
	}
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding %s)",
		s.table, s.table, ops)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		slog.Warn("failed to create vector index, falling back to sequential scan", "table", s.table, "error", err)
		return
	}
	s.indexed = true
}

func (s *PgVectorStore) operator() string {
	if s.distance == DistanceL2 {
		return "<->"
	}
	return "<=>"
}

func (s *PgVectorStore) Upsert(ctx context.Context, rec core.EmbeddingRecord) error {
	first := s.dim.get() == 0
	if err := s.dim.check(len(rec.Vector)); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, document, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`, s.table)
	_, err := s.pool.Exec(ctx, query, rec.ID, rec.Document, copyMetadata(rec.Metadata), pgvector.NewVector(rec.Vector))
	if err != nil {
		return errors.Wrapf(err, "upsert %s", rec.ID)
	}
	if first {
		s.ensureIndex(ctx)
	}
	return nil
}

func (s *PgVectorStore) Query(ctx context.Context, vector []float32, k int) (core.QueryResult, error) {
	if err := s.dim.matches(len(vector)); err != nil {
		return core.QueryResult{}, err
	}
	if k <= 0 {
		return core.NewQueryResult(nil), nil
	}

	distExpr := fmt.Sprintf("embedding %s $1", s.operator())
	if s.distance == DistanceL2 {
		// <-> 是欧氏距离，与其他后端统一为平方
		distExpr = fmt.Sprintf("power(%s, 2)", distExpr)
	}
	query := fmt.Sprintf(`
		SELECT id, document, metadata, (%s)::real AS distance
		FROM %s
		ORDER BY embedding %s $1, id
		LIMIT $2`, distExpr, s.table, s.operator())

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return core.QueryResult{}, errors.Wrap(err, "query vectors")
	}
	defer rows.Close()

	hits := make([]core.Hit, 0, k)
	for rows.Next() {
		var h core.Hit
		if err := rows.Scan(&h.ID, &h.Document, &h.Metadata, &h.Distance); err != nil {
			return core.QueryResult{}, errors.Wrap(err, "scan row")
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return core.QueryResult{}, errors.Wrap(err, "iterate rows")
	}
	return core.NewQueryResult(hits), nil
}

func (s *PgVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n)
	return n, errors.Wrap(err, "count vectors")
}

func (s *PgVectorStore) Close() error {
	s.pool.Close()
	return nil
}
