package cache

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	c:<name>             -> cacheMeta
//	e:<name>\x00<key>    -> Entry
const (
	cachePrefix = "c:"
	entryPrefix = "e:"
	nameSep     = "\x00"
)

type cacheMeta struct {
	Seq       uint64
	CreatedAt int64
}

type LevelDBStorage struct {
	db *leveldb.DB

	mu      *sync.Mutex
	nextSeq *uint64
}

// NewLevelDBStorage opens (or creates) a LevelDB database in the given directory.
func NewLevelDBStorage(path string) (LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStorage{}, err
	}
	l := LevelDBStorage{
		db:      db,
		mu:      &sync.Mutex{},
		nextSeq: new(uint64),
	}
	metas, err := l.metas()
	if err != nil {
		_ = db.Close()
		return LevelDBStorage{}, err
	}
	for _, m := range metas {
		if m.meta.Seq >= *l.nextSeq {
			*l.nextSeq = m.meta.Seq + 1
		}
	}
	return l, nil
}

type namedMeta struct {
	name string
	meta cacheMeta
}

// metas returns all cache metadata ordered by creation.
func (l LevelDBStorage) metas() ([]namedMeta, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(cachePrefix)), nil)
	defer it.Release()

	out := make([]namedMeta, 0)
	for it.Next() {
		var meta cacheMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedMeta{
			name: string(bytes.TrimPrefix(it.Key(), []byte(cachePrefix))),
			meta: meta,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].meta.Seq < out[j].meta.Seq
	})
	return out, nil
}

// open adds the cache meta record to the batch if the cache does not exist.
// Caller must hold the mutex.
func (l LevelDBStorage) open(batch *leveldb.Batch, name string) error {
	ok, err := l.db.Has([]byte(cachePrefix+name), nil)
	if err != nil || ok {
		return err
	}
	b, err := encodeGob(cacheMeta{Seq: *l.nextSeq, CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	*l.nextSeq++
	batch.Put([]byte(cachePrefix+name), b)
	return nil
}

func (l LevelDBStorage) Open(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := l.open(batch, name); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return l.db.Write(batch, nil)
}

func (l LevelDBStorage) Match(key string) (Entry, bool, error) {
	metas, err := l.metas()
	if err != nil {
		return Entry{}, false, err
	}
	for _, m := range metas {
		b, err := l.db.Get(entryKey(m.name, key), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		var entry Entry
		if err := decodeGob(b, &entry); err != nil {
			return Entry{}, false, err
		}
		return entry, true, nil
	}
	return Entry{}, false, nil
}

func (l LevelDBStorage) Put(name string, entry Entry) error {
	b, err := encodeGob(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := l.open(batch, name); err != nil {
		return err
	}
	batch.Put(entryKey(name, entry.Key), b)
	return l.db.Write(batch, nil)
}

func (l LevelDBStorage) Keys() ([]string, error) {
	metas, err := l.metas()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.name)
	}
	return names, nil
}

func (l LevelDBStorage) Entries(name string) ([]string, error) {
	prefix := []byte(entryPrefix + name + nameSep)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func (l LevelDBStorage) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has([]byte(cachePrefix+name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+nameSep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(cachePrefix + name))
	// a single batch write, so the cache disappears all at once or not at all
	return l.db.Write(batch, nil)
}

func (l LevelDBStorage) Close() error {
	return l.db.Close()
}

func entryKey(name, key string) []byte {
	return []byte(entryPrefix + name + nameSep + key)
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
