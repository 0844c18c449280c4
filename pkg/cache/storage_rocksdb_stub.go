// +build !rocksdb

package cache

import "errors"

// errRocksDBUnavailable is returned by every method of the stub
// RocksDBStorage when the binary was built without the rocksdb tag.
var errRocksDBUnavailable = errors.New("cache: RocksDB support not compiled in, rebuild with '-tags rocksdb'")

// RocksDBStorage stubs out the RocksDB backend when it isn't compiled in,
// so callers can reference cache.RocksDBStorage unconditionally and get a
// clear error at open time instead of a build failure.
type RocksDBStorage struct{}

func NewRocksDBStorage(path string) (*RocksDBStorage, error) {
	return nil, errRocksDBUnavailable
}

func (r *RocksDBStorage) Store(key string, value []byte) error { return errRocksDBUnavailable }
func (r *RocksDBStorage) Retrieve(key string) ([]byte, error)  { return nil, errRocksDBUnavailable }
func (r *RocksDBStorage) Delete(key string) error               { return errRocksDBUnavailable }
func (r *RocksDBStorage) List(prefix string) ([]string, error)  { return nil, errRocksDBUnavailable }
func (r *RocksDBStorage) Close() error                           { return nil }
