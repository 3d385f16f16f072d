package interceptor

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"

	// RAM tier entries expire after an hour, the disk tier keeps them
	ramTTLSeconds = 3600
)

// Entry is one cached response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Storage holds named caches of responses keyed by request URL. Reads go through a
// freecache RAM tier; the goleveldb disk tier is the source of truth and stores
// snappy compressed bodies.
type Storage struct {
	db  *leveldb.DB
	ram *freecache.Cache

	// serializes cache deletion against puts
	mu sync.Mutex
}

func OpenStorage(dir string, ramBytes int) (*Storage, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	return newStorage(db, ramBytes), nil
}

func NewInMemoryStorage(ramBytes int) (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, ramBytes), nil
}

func newStorage(db *leveldb.DB, ramBytes int) *Storage {
	if ramBytes <= 0 {
		ramBytes = 1024 * 1024
	}
	return &Storage{
		db:  db,
		ram: freecache.NewCache(ramBytes),
	}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func entryKey(cacheName, url string) []byte {
	return []byte(entryPrefix + cacheName + keySep + url)
}

// Open registers the named cache. Opening an existing cache is a no-op.
func (s *Storage) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(name)
}

func (s *Storage) open(name string) error {
	if name == "" || strings.Contains(name, keySep) {
		return fmt.Errorf("invalid cache name %q", name)
	}
	key := []byte(namePrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.db.Put(key, []byte(strconv.FormatInt(time.Now().Unix(), 10)), nil)
}

func (s *Storage) Has(name string) (bool, error) {
	return s.db.Has([]byte(namePrefix+name), nil)
}

// Keys lists the registered cache names, sorted.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, strings.TrimPrefix(string(it.Key()), namePrefix))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a cache with all its entries. It reports whether the cache existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.Has(name)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		batch.Delete(key)
		s.ram.Del(key)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(namePrefix + name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

// Put stores a response in the named cache, registering the cache if needed.
func (s *Storage) Put(cacheName, url string, ent Entry) error {
	raw, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(cacheName); err != nil {
		return err
	}
	key := entryKey(cacheName, url)
	if err := s.db.Put(key, snappy.Encode(nil, raw), nil); err != nil {
		return err
	}
	// too large entries simply stay disk only
	_ = s.ram.Set(key, raw, ramTTLSeconds)
	return nil
}

// MatchIn looks up url in one cache.
func (s *Storage) MatchIn(cacheName, url string) (Entry, bool, error) {
	key := entryKey(cacheName, url)

	if raw, err := s.ram.Get(key); err == nil {
		var ent Entry
		if err := decodeGob(raw, &ent); err == nil {
			return ent, true, nil
		}
		s.ram.Del(key)
	}

	compressed, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decompress entry: %w", err)
	}
	var ent Entry
	if err := decodeGob(raw, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	_ = s.ram.Set(key, raw, ramTTLSeconds)
	return ent, true, nil
}

// Match looks up url in every cache, in name order.
func (s *Storage) Match(url string) (Entry, bool, error) {
	names, err := s.Keys()
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		ent, ok, err := s.MatchIn(name, url)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

// EntryCount counts the entries of one cache on the disk tier.
func (s *Storage) EntryCount(cacheName string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+cacheName+keySep)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
