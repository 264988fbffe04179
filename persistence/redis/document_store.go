package redis

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	rd "github.com/go-redis/redis/v9"

	"github.com/choirhq/choir/logger"
	"github.com/choirhq/choir/persistence"
	"go.uber.org/zap"
)

const VERSION_FIELD string = "version"
const DATA_FIELD string = "data"

// maxCasRetries bounds the optimistic retry loop when concurrent writers
// keep invalidating the WATCH.
const maxCasRetries uint64 = 16

var createIfAbsentScript = rd.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "version", 1, "data", ARGV[1])
return 1
`)

var _ persistence.DocumentStore = new(redisDocumentStore)

// redisDocumentStore keeps each document in a hash of {version, data}.
// Conditional read-modify-write runs under WATCH so the version check and
// the write land in one transaction.
type redisDocumentStore struct {
	baseDao
}

func NewRedisDocumentStore(conf Config) *redisDocumentStore {
	return &redisDocumentStore{
		baseDao: *newBaseDao(conf),
	}
}

func (rs *redisDocumentStore) CreateIfAbsent(key string, value []byte) (bool, error) {
	nsKey := rs.getNamespaceKey(key)
	ctx := context.Background()
	res, err := createIfAbsentScript.Run(ctx, rs.redisClient, []string{nsKey}, string(value)).Int()
	if err != nil {
		logger.Error("error creating document", zap.String("key", key), zap.Error(err))
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return res == 1, nil
}

func (rs *redisDocumentStore) Get(key string) (*persistence.Document, error) {
	nsKey := rs.getNamespaceKey(key)
	ctx := context.Background()
	vals, err := rs.redisClient.HGetAll(ctx, nsKey).Result()
	if err != nil {
		logger.Error("error reading document", zap.String("key", key), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(vals) == 0 {
		return nil, persistence.NotFoundError{Key: key}
	}
	version, err := parseVersion(vals[VERSION_FIELD])
	if err != nil {
		return nil, err
	}
	return &persistence.Document{Key: key, Version: version, Data: []byte(vals[DATA_FIELD])}, nil
}

func (rs *redisDocumentStore) Set(key string, value []byte) error {
	nsKey := rs.getNamespaceKey(key)
	ctx := context.Background()
	pipe := rs.redisClient.TxPipeline()
	pipe.HIncrBy(ctx, nsKey, VERSION_FIELD, 1)
	pipe.HSet(ctx, nsKey, DATA_FIELD, string(value))
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error writing document", zap.String("key", key), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisDocumentStore) Delete(key string) error {
	nsKey := rs.getNamespaceKey(key)
	ctx := context.Background()
	if err := rs.redisClient.Del(ctx, nsKey).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisDocumentStore) GetPath(key string, path string) (any, error) {
	doc, err := rs.Get(key)
	if err != nil {
		return nil, err
	}
	return persistence.LookupPath(doc.Data, path)
}

func (rs *redisDocumentStore) SetPath(key string, path string, value any) error {
	_, err := rs.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplySetPath(current, path, value)
	})
	return err
}

func (rs *redisDocumentStore) Merge(key string, path string, value map[string]any) error {
	_, err := rs.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplyMerge(current, path, value)
	})
	return err
}

func (rs *redisDocumentStore) Increment(key string, path string, delta int64) (int64, error) {
	var result int64
	_, err := rs.Update(key, func(current []byte) ([]byte, error) {
		next, val, err := persistence.ApplyIncrement(current, path, delta)
		if err != nil {
			return nil, err
		}
		result = val
		return next, nil
	})
	return result, err
}

func (rs *redisDocumentStore) Append(key string, path string, value any) error {
	_, err := rs.Update(key, func(current []byte) ([]byte, error) {
		return persistence.ApplyAppend(current, path, value)
	})
	return err
}

func (rs *redisDocumentStore) Update(key string, fn persistence.UpdateFn) (*persistence.Document, error) {
	nsKey := rs.getNamespaceKey(key)
	ctx := context.Background()
	var out *persistence.Document
	var abortErr error

	txn := func(tx *rd.Tx) error {
		vals, err := tx.HGetAll(ctx, nsKey).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return persistence.NotFoundError{Key: key}
		}
		version, err := parseVersion(vals[VERSION_FIELD])
		if err != nil {
			return err
		}
		next, err := fn([]byte(vals[DATA_FIELD]))
		if err != nil {
			if errors.Is(err, persistence.ErrAbortUpdate) {
				abortErr = err
				out = &persistence.Document{Key: key, Version: version, Data: []byte(vals[DATA_FIELD])}
				return nil
			}
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.HSet(ctx, nsKey, VERSION_FIELD, version+1, DATA_FIELD, string(next))
			return nil
		})
		if err != nil {
			return err
		}
		out = &persistence.Document{Key: key, Version: version + 1, Data: next}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), maxCasRetries)
	err := backoff.Retry(func() error {
		abortErr = nil
		err := rs.redisClient.Watch(ctx, txn, nsKey)
		if errors.Is(err, rd.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
	if err != nil {
		if errors.Is(err, rd.TxFailedErr) {
			return nil, persistence.ConflictError{Key: key}
		}
		return nil, err
	}
	if abortErr != nil {
		return out, abortErr
	}
	return out, nil
}

func parseVersion(raw string) (int64, error) {
	var version int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, persistence.StorageLayerError{Message: "malformed document version " + raw}
		}
		version = version*10 + int64(c-'0')
	}
	return version, nil
}
