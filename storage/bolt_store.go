package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"videoAnalyzer/core"
)

var (
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")
	keyDimension  = []byte("dimension")
	keyDistance   = []byte("distance")
)

// BoltVectorStore 基于 bbolt 的本地持久化向量库。
// 全部向量常驻内存，查询为暴力扫描。
type BoltVectorStore struct {
	db       *bbolt.DB
	distance Distance
	dim      dimensionGuard

	mu      sync.RWMutex
	entries map[string]entry
}

// NewBoltVectorStore 打开或创建数据库文件。
// 库中已记录的维度和距离优先于参数。
func NewBoltVectorStore(path string, distance Distance, dimension int) (*BoltVectorStore, error) {
	if path == "" {
		path = "./vector_db/vectors.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create vector db dir")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db %s", path)
	}

	s := &BoltVectorStore{
		db:       db,
		distance: distance,
		entries:  make(map[string]entry),
	}
	if err := s.init(dimension); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("bolt vector store ready", "path", path, "records", len(s.entries),
		"dimension", s.dim.get(), "distance", s.distance)
	return s, nil
}

func (s *BoltVectorStore) init(dimension int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVectors); err != nil {
			return errors.Wrap(err, "create vectors bucket")
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return errors.Wrap(err, "create meta bucket")
		}

		if v := meta.Get(keyDistance); v != nil {
			if stored := Distance(v); stored != s.distance && s.distance != "" {
				slog.Warn("vector store distance differs from config, using stored value",
					"stored", stored, "configured", s.distance)
			}
			s.distance = Distance(v)
		} else {
			if s.distance == "" {
				s.distance = DistanceCosine
			}
			if err := meta.Put(keyDistance, []byte(s.distance)); err != nil {
				return err
			}
		}

		if v := meta.Get(keyDimension); v != nil {
			stored, err := strconv.Atoi(string(v))
			if err != nil {
				return errors.Wrap(err, "parse stored dimension")
			}
			if dimension > 0 && dimension != stored {
				return errors.Wrapf(ErrDimensionMismatch, "store has %d, configured %d", stored, dimension)
			}
			dimension = stored
		} else if dimension > 0 {
			if err := meta.Put(keyDimension, []byte(strconv.Itoa(dimension))); err != nil {
				return err
			}
		}
		s.dim.dim = dimension

		return tx.Bucket(bucketVectors).ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				slog.Warn("skip corrupted vector record", "id", string(k), "error", err)
				return nil
			}
			s.entries[string(k)] = e
			return nil
		})
	})
}

func (s *BoltVectorStore) Upsert(ctx context.Context, rec core.EmbeddingRecord) error {
	first := s.dim.get() == 0
	if err := s.dim.check(len(rec.Vector)); err != nil {
		return err
	}

	e := entry{
		Document: rec.Document,
		Metadata: copyMetadata(rec.Metadata),
		Vector:   append([]float32(nil), rec.Vector...),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if first {
			if err := tx.Bucket(bucketMeta).Put(keyDimension, []byte(strconv.Itoa(len(rec.Vector)))); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketVectors).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return errors.Wrapf(err, "put %s", rec.ID)
	}
	s.entries[rec.ID] = e
	return nil
}

func (s *BoltVectorStore) Query(ctx context.Context, vector []float32, k int) (core.QueryResult, error) {
	if err := s.dim.matches(len(vector)); err != nil {
		return core.QueryResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.NewQueryResult(rankEntries(s.entries, vector, k, s.distance)), nil
}

func (s *BoltVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltVectorStore) Close() error {
	return s.db.Close()
}
