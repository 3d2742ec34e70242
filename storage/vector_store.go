package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
)

// VectorStore 向量库接口
type VectorStore interface {
	// Upsert 按 ID 写入，已存在则覆盖
	Upsert(ctx context.Context, rec core.EmbeddingRecord) error
	// Query 返回最多 k 条最近邻，按距离升序；空库返回空结果
	Query(ctx context.Context, vector []float32, k int) (core.QueryResult, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Distance 距离度量
type Distance string

const (
	// DistanceCosine 1 - cos(a, b)
	DistanceCosine Distance = "cosine"
	// DistanceL2 欧氏距离的平方
	DistanceL2 Distance = "l2"
)

// ErrDimensionMismatch 向量维度与库中已有向量不一致
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ParseDistance 解析配置中的距离名称，空字符串为 cosine
func ParseDistance(s string) (Distance, error) {
	switch Distance(strings.ToLower(strings.TrimSpace(s))) {
	case "", DistanceCosine:
		return DistanceCosine, nil
	case DistanceL2:
		return DistanceL2, nil
	default:
		return "", errors.Errorf("unknown distance %q", s)
	}
}

// Between 计算两个等长向量的距离
func (d Distance) Between(a, b []float32) float32 {
	if d == DistanceL2 {
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return float32(sum)
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}

// StoreOptions 创建向量库的参数
type StoreOptions struct {
	Backend          string
	Path             string
	Distance         string
	Dimension        int
	PostgresURL      string
	Table            string
	MilvusAddr       string
	MilvusCollection string
}

// NewVectorStore 按 Backend 创建向量库
func NewVectorStore(ctx context.Context, opts StoreOptions) (VectorStore, error) {
	dist, err := ParseDistance(opts.Distance)
	if err != nil {
		return nil, err
	}
	var store VectorStore
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "bolt":
		store, err = asStore(NewBoltVectorStore(opts.Path, dist, opts.Dimension))
	case "memory":
		store = NewMemoryVectorStore(dist, opts.Dimension)
	case "pgvector":
		store, err = asStore(NewPgVectorStore(ctx, opts.PostgresURL, opts.Table, dist, opts.Dimension))
	case "milvus":
		store, err = asStore(NewMilvusVectorStore(ctx, opts.MilvusAddr, opts.MilvusCollection, dist, opts.Dimension))
	default:
		err = errors.Errorf("unknown vector store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// asStore 出错时返回 nil 接口而不是包着 nil 指针的接口
func asStore[S VectorStore](s S, err error) (VectorStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// dimensionGuard 记录库的向量维度，0 表示尚未确定
type dimensionGuard struct {
	mu  sync.Mutex
	dim int
}

// check 第一次调用时确定维度，之后拒绝不同维度的向量
func (g *dimensionGuard) check(n int) error {
	if n == 0 {
		return errors.New("empty vector")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dim == 0 {
		g.dim = n
		return nil
	}
	if g.dim != n {
		return errors.Wrapf(ErrDimensionMismatch, "expected %d, got %d", g.dim, n)
	}
	return nil
}

// matches 查询时使用，不会确定维度
func (g *dimensionGuard) matches(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dim != 0 && g.dim != n {
		return errors.Wrapf(ErrDimensionMismatch, "expected %d, got %d", g.dim, n)
	}
	return nil
}

func (g *dimensionGuard) get() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

// entry 本地存储（内存、bolt）中的一条记录
type entry struct {
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float32      `json:"vector"`
}

// rankEntries 暴力计算距离并取前 k 个，距离相同时按 ID 排序保证结果稳定
func rankEntries(entries map[string]entry, query []float32, k int, dist Distance) []core.Hit {
	if k <= 0 || len(entries) == 0 {
		return nil
	}
	hits := make([]core.Hit, 0, len(entries))
	for id, e := range entries {
		if len(e.Vector) != len(query) {
			continue
		}
		hits = append(hits, core.Hit{
			ID:       id,
			Document: e.Document,
			Metadata: e.Metadata,
			Distance: dist.Between(query, e.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
