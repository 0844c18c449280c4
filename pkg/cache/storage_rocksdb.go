// +build rocksdb

package cache

import (
	"strings"

	"github.com/tecbot/gorocksdb"
)

// RocksDBStorage is a Storage backend over RocksDB. The Cache keeps its
// indices in memory and does not write them to its Storage, so choosing
// this backend does not by itself make the packet cache or destination
// ledger survive a restart. Adapted from the teacher's swarm storage,
// with the replication- and message-specific bits removed: the cache has
// no peer replication concept, it simply persists its own index.
type RocksDBStorage struct {
	db   *gorocksdb.DB
	opts *gorocksdb.Options
	ro   *gorocksdb.ReadOptions
	wo   *gorocksdb.WriteOptions
}

// NewRocksDBStorage opens (or creates) a RocksDB database at path, tuned
// for the cache's access pattern: point lookups by hash and short prefix
// scans for ledger listing.
func NewRocksDBStorage(path string) (*RocksDBStorage, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCompression(gorocksdb.SnappyCompression)
	opts.SetMaxBackgroundCompactions(2)
	opts.SetMaxOpenFiles(500)
	opts.SetWriteBufferSize(32 * 1024 * 1024)

	bbto := gorocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(gorocksdb.NewLRUCache(64 * 1024 * 1024))
	bbto.SetFilterPolicy(gorocksdb.NewBloomFilter(10))
	opts.SetBlockBasedTableFactory(bbto)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		opts.Destroy()
		return nil, err
	}

	ro := gorocksdb.NewDefaultReadOptions()
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.SetSync(false)

	return &RocksDBStorage{db: db, opts: opts, ro: ro, wo: wo}, nil
}

func (r *RocksDBStorage) Store(key string, value []byte) error {
	if r.db == nil {
		return ErrClosed
	}
	return r.db.Put(r.wo, []byte(key), value)
}

func (r *RocksDBStorage) Retrieve(key string) ([]byte, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	slice, err := r.db.Get(r.ro, []byte(key))
	if err != nil {
		return nil, err
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, ErrKeyNotFound
	}
	data := make([]byte, slice.Size())
	copy(data, slice.Data())
	return data, nil
}

func (r *RocksDBStorage) Delete(key string) error {
	if r.db == nil {
		return ErrClosed
	}
	return r.db.Delete(r.wo, []byte(key))
}

func (r *RocksDBStorage) List(prefix string) ([]string, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	keys := make([]string, 0)
	it := r.db.NewIterator(r.ro)
	defer it.Close()

	it.Seek([]byte(prefix))
	for ; it.Valid(); it.Next() {
		keySlice := it.Key()
		key := string(keySlice.Data())
		keySlice.Free()
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RocksDBStorage) Close() error {
	if r.db != nil {
		r.db.Close()
		r.db = nil
	}
	if r.ro != nil {
		r.ro.Destroy()
		r.ro = nil
	}
	if r.wo != nil {
		r.wo.Destroy()
		r.wo = nil
	}
	if r.opts != nil {
		r.opts.Destroy()
		r.opts = nil
	}
	return nil
}
