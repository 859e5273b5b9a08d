// Package store owns the single leveldb database shared by the cache, the
// mutation queue and the lifecycle registry. Each component receives a typed
// Bucket scoped to its own key prefix at startup and never sees raw storage
// handles.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net/http"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrNotFound = errors.New("store: not found")

type DB struct {
	ldb *leveldb.DB
}

func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

func (d *DB) Close() error {
	return d.ldb.Close()
}

// Bucket returns a view of the database restricted to keys under prefix.
func (d *DB) Bucket(prefix string) Bucket {
	return Bucket{ldb: d.ldb, prefix: []byte(prefix)}
}

type Bucket struct {
	ldb    *leveldb.DB
	prefix []byte
}

func (b Bucket) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

func (b Bucket) Get(k string, v any) error {
	raw, err := b.ldb.Get(b.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return decodeGob(raw, v)
}

func (b Bucket) Put(k string, v any) error {
	raw, err := encodeGob(v)
	if err != nil {
		return err
	}
	return b.ldb.Put(b.key(k), raw, nil)
}

func (b Bucket) Delete(k string) error {
	return b.ldb.Delete(b.key(k), nil)
}

// Range iterates the bucket in key order. fn receives the key with the
// bucket prefix stripped and the raw encoded value; returning false stops
// the iteration. Undecodable values are the caller's concern.
func (b Bucket) Range(fn func(k string, raw []byte) bool) error {
	it := b.ldb.NewIterator(util.BytesPrefix(b.prefix), nil)
	defer it.Release()
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), b.prefix))
		raw := make([]byte, len(it.Value()))
		copy(raw, it.Value())
		if !fn(k, raw) {
			break
		}
	}
	return it.Error()
}

// DeleteRange removes every key under the bucket for which keep returns
// false. A nil keep removes everything. Deletes are batched.
func (b Bucket) DeleteRange(keep func(k string) bool) (int, error) {
	batch := new(leveldb.Batch)
	n := 0
	it := b.ldb.NewIterator(util.BytesPrefix(b.prefix), nil)
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), b.prefix))
		if keep != nil && keep(k) {
			continue
		}
		batch.Delete(append([]byte(nil), it.Key()...))
		n++
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if n > 0 {
		if err := b.ldb.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Decode decodes a raw value previously yielded by Range.
func Decode(raw []byte, v any) error {
	return decodeGob(raw, v)
}

// EncodedSize reports the gob-encoded size of v, used for quota accounting.
func EncodedSize(v any) (int64, error) {
	raw, err := encodeGob(v)
	if err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
