package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/pkg/errors"

	"videoAnalyzer/core"
)

const (
	milvusFieldID       = "id"
	milvusFieldDocument = "document"
	milvusFieldMetadata = "metadata"
	milvusFieldVector   = "vector"
	milvusMaxText       = 65535
)

// MilvusVectorStore 基于 Milvus 的向量库。
// 元数据以 JSON 字符串存放在 VarChar 字段中。
type MilvusVectorStore struct {
	mc       client.Client
	coll     string
	distance Distance
	dim      dimensionGuard

	schemaMu sync.Mutex
	ready    bool
}

// NewMilvusVectorStore 连接 Milvus；维度未知时集合在第一次写入时创建
func NewMilvusVectorStore(ctx context.Context, addr, coll string, distance Distance, dimension int) (*MilvusVectorStore, error) {
	if addr == "" {
		addr = "localhost:19530"
	}
	if coll == "" {
		coll = "video_insights"
	}
	mc, err := client.NewClient(ctx, client.Config{
		Address:  addr,
		Username: os.Getenv("MILVUS_USERNAME"),
		Password: os.Getenv("MILVUS_PASSWORD"),
		APIKey:   os.Getenv("MILVUS_API_KEY"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect milvus")
	}

	s := &MilvusVectorStore{mc: mc, coll: coll, distance: distance}
	has, err := mc.HasCollection(ctx, coll)
	if err != nil {
		mc.Close()
		return nil, errors.Wrap(err, "has collection")
	}
	if has {
		stored, err := s.storedDimension(ctx)
		if err != nil {
			mc.Close()
			return nil, err
		}
		if dimension > 0 && dimension != stored {
			mc.Close()
			return nil, errors.Wrapf(ErrDimensionMismatch, "collection has %d, configured %d", stored, dimension)
		}
		dimension = stored
	}
	s.dim.dim = dimension

	if dimension > 0 {
		if err := s.ensureSchemaAndIndex(ctx, dimension); err != nil {
			mc.Close()
			return nil, err
		}
	}
	slog.Info("milvus vector store ready", "addr", addr, "collection", coll, "dimension", dimension)
	return s, nil
}

func (s *MilvusVectorStore) storedDimension(ctx context.Context) (int, error) {
	coll, err := s.mc.DescribeCollection(ctx, s.coll)
	if err != nil {
		return 0, errors.Wrap(err, "describe collection")
	}
	for _, f := range coll.Schema.Fields {
		if f.Name != milvusFieldVector {
			continue
		}
		dim, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
		if err != nil {
			return 0, errors.Wrap(err, "parse vector dim")
		}
		return dim, nil
	}
	return 0, errors.Errorf("collection %s has no %s field", s.coll, milvusFieldVector)
}

func (s *MilvusVectorStore) metric() entity.MetricType {
	if s.distance == DistanceL2 {
		return entity.L2
	}
	return entity.COSINE
}

// ensureSchemaAndIndex 创建集合、HNSW 索引并加载
func (s *MilvusVectorStore) ensureSchemaAndIndex(ctx context.Context, dim int) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.ready {
		return nil
	}

	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return errors.Wrap(err, "has collection")
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll).WithDescription("video analyzer embeddings")
		schema.WithField(entity.NewField().WithName(milvusFieldID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(512))
		schema.WithField(entity.NewField().WithName(milvusFieldDocument).WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusMaxText))
		schema.WithField(entity.NewField().WithName(milvusFieldMetadata).WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusMaxText))
		schema.WithField(entity.NewField().WithName(milvusFieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2), client.WithConsistencyLevel(entity.ClStrong)); err != nil {
			return errors.Wrap(err, "create collection")
		}
	}

	idx, err := entity.NewIndexHNSW(s.metric(), 8, 200)
	if err != nil {
		return errors.Wrap(err, "new hnsw index")
	}
	if err := s.mc.CreateIndex(ctx, s.coll, milvusFieldVector, idx, false, client.WithIndexName("idx_vector")); err != nil {
		return errors.Wrap(err, "create index")
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return errors.Wrap(err, "load collection")
	}
	s.ready = true
	return nil
}

func (s *MilvusVectorStore) isReady() bool {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	return s.ready
}

func (s *MilvusVectorStore) Upsert(ctx context.Context, rec core.EmbeddingRecord) error {
	if err := s.dim.check(len(rec.Vector)); err != nil {
		return err
	}
	if err := s.ensureSchemaAndIndex(ctx, len(rec.Vector)); err != nil {
		return err
	}
	meta, err := json.Marshal(copyMetadata(rec.Metadata))
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}

	_, err = s.mc.Upsert(ctx, s.coll, "",
		entity.NewColumnVarChar(milvusFieldID, []string{rec.ID}),
		entity.NewColumnVarChar(milvusFieldDocument, []string{rec.Document}),
		entity.NewColumnVarChar(milvusFieldMetadata, []string{string(meta)}),
		entity.NewColumnFloatVector(milvusFieldVector, len(rec.Vector), [][]float32{rec.Vector}),
	)
	return errors.Wrapf(err, "upsert %s", rec.ID)
}

func (s *MilvusVectorStore) Query(ctx context.Context, vector []float32, k int) (core.QueryResult, error) {
	if err := s.dim.matches(len(vector)); err != nil {
		return core.QueryResult{}, err
	}
	if k <= 0 || !s.isReady() {
		return core.NewQueryResult(nil), nil
	}

	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return core.QueryResult{}, errors.Wrap(err, "search param")
	}
	res, err := s.mc.Search(ctx, s.coll, []string{}, "",
		[]string{milvusFieldDocument, milvusFieldMetadata},
		[]entity.Vector{entity.FloatVector(vector)},
		milvusFieldVector, s.metric(), k, sp)
	if err != nil {
		return core.QueryResult{}, errors.Wrap(err, "search")
	}

	hits := make([]core.Hit, 0, k)
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		ids, _ := r.IDs.(*entity.ColumnVarChar)
		for i := 0; i < r.ResultCount; i++ {
			h := core.Hit{Metadata: map[string]any{}}
			if ids != nil && i < ids.Len() {
				h.ID = ids.Data()[i]
			}
			if c, ok := cols[milvusFieldDocument].(*entity.ColumnVarChar); ok && i < c.Len() {
				h.Document = c.Data()[i]
			}
			if c, ok := cols[milvusFieldMetadata].(*entity.ColumnVarChar); ok && i < c.Len() {
				if err := json.Unmarshal([]byte(c.Data()[i]), &h.Metadata); err != nil {
					slog.Warn("bad metadata in milvus record", "id", h.ID, "error", err)
				}
			}
			score := r.Scores[i]
			if s.distance == DistanceL2 {
				h.Distance = score
			} else {
				// COSINE 返回的是相似度
				h.Distance = 1 - score
			}
			hits = append(hits, h)
		}
	}
	return core.NewQueryResult(hits), nil
}

func (s *MilvusVectorStore) Count(ctx context.Context) (int, error) {
	if !s.isReady() {
		return 0, nil
	}
	stats, err := s.mc.GetCollectionStatistics(ctx, s.coll)
	if err != nil {
		return 0, errors.Wrap(err, "collection statistics")
	}
	n, err := strconv.Atoi(stats["row_count"])
	return n, errors.Wrap(err, "parse row_count")
}

func (s *MilvusVectorStore) Close() error {
	return s.mc.Close()
}
