package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

type data struct {
	store *badger.DB
	cache *ttlcache.Cache[string, string]
}

type kvStore struct {
	logger          *slog.Logger
	appCtx          context.Context
	db              *data
	defaultCacheTTL time.Duration
}

var _ Store = &kvStore{}

// tableKey is the physical badger key for a (table, key) pair. Tables
// are a naming convention, not separate databases.
func tableKey(table, key string) []byte {
	return []byte(table + "/" + key)
}

func New(config Config) (Store, error) {

	valuesDir := filepath.Join(config.Directory, "values")

	if err := os.MkdirAll(valuesDir, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	badgerLogLevel := badger.INFO
	if config.BadgerLogLevel == slog.LevelDebug {
		badgerLogLevel = badger.DEBUG
	} else if config.BadgerLogLevel == slog.LevelInfo {
		badgerLogLevel = badger.INFO
	} else if config.BadgerLogLevel == slog.LevelWarn {
		badgerLogLevel = badger.WARNING
	} else if config.BadgerLogLevel == slog.LevelError {
		badgerLogLevel = badger.ERROR
	} else {
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	dbOpts := badger.DefaultOptions(valuesDir).
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	s := &kvStore{
		logger: config.Logger.WithGroup("kvstore"),
		appCtx: config.AppCtx,
		db: &data{
			store: db,
			cache: cache,
		},
		defaultCacheTTL: config.CacheTTL,
	}

	return s, nil
}

func (s *kvStore) Close() error {
	var firstErr error

	if s.db.cache != nil {
		s.db.cache.Stop()
		s.logger.Info("ttl cache stopped")
	}

	if err := s.db.store.Close(); err != nil {
		s.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}

	return firstErr
}

func (s *kvStore) Get(table, key string) (string, error) {
	physical := tableKey(table, key)

	if item := s.db.cache.Get(string(physical)); item != nil && !item.IsExpired() {
		s.logger.Debug("cache hit", "table", table, "key", key)
		return item.Value(), nil
	}

	var value []byte
	err := s.db.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(physical)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Table: table, Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.db.cache.Set(string(physical), string(value), s.defaultCacheTTL)
	return string(value), nil
}

func (s *kvStore) Put(table, key, value string) error {
	physical := tableKey(table, key)
	err := s.db.store.Update(func(txn *badger.Txn) error {
		err := txn.Set(physical, []byte(value))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.db.cache.Set(string(physical), value, s.defaultCacheTTL)
	return nil
}

func (s *kvStore) Delete(table, key string) error {
	physical := tableKey(table, key)
	err := s.db.store.Update(func(txn *badger.Txn) error {
		err := txn.Delete(physical)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.db.cache.Delete(string(physical))
	return nil
}
