package db

import (
	"fmt"
	"os"
	"strings"

	"qnode/logs"

	"github.com/dgraph-io/badger/v2"
)

// Manager 封装 BadgerDB 的管理器
type Manager struct {
	Db *badger.DB
}

// NewManager 打开（或创建）一个 badger 实例
func NewManager(path string) (*Manager, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)

	// badger v2 不自动创建父目录，需要手动创建
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Manager{Db: db}, nil
}

func (mgr *Manager) Close() error {
	if mgr == nil || mgr.Db == nil {
		return nil
	}
	return mgr.Db.Close()
}

func (mgr *Manager) Set(key string, value []byte) error {
	return mgr.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (mgr *Manager) Get(key string) ([]byte, error) {
	var value []byte
	err := mgr.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return value, err
}

func (mgr *Manager) Delete(key string) error {
	err := mgr.Db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}

// IteratePrefix 遍历一个前缀下的所有 KV
func (mgr *Manager) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	return mgr.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix 删除一个前缀下的所有 key
func (mgr *Manager) DeletePrefix(prefix string) error {
	var keys []string
	err := mgr.IteratePrefix(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := mgr.Delete(key); err != nil {
			logs.Warn("[DB] failed to delete key %s: %v", key, err)
			return err
		}
	}
	return nil
}
