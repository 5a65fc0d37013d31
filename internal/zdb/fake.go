// Copyright 2024 The zdbfs Authors.

package zdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// FakeConn is an in-memory stand-in for a single namespace connection, used
// by the internal/fs, internal/mount and internal/zdb tests in place of a
// real 0-db instance —
// the same role a fake bucket plays against the teacher's own GCS-backed
// tests.
type FakeConn struct {
	mu      sync.Mutex
	store   map[Key][]byte
	nextKey Key
}

// NewFakeConn returns an empty FakeConn. Assigned keys start at 1, since 0
// (NoKey) is reserved to mean "assign a key" on Put.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		store:   make(map[Key][]byte),
		nextKey: 1,
	}
}

func (f *FakeConn) Put(_ context.Context, key Key, value []byte) (Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	if key == NoKey {
		key = f.nextKey
		f.nextKey++
	} else if key >= f.nextKey {
		f.nextKey = key + 1
	}

	f.store[key] = stored
	return key, nil
}

func (f *FakeConn) Get(_ context.Context, key Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.store[key]
	if !ok {
		return nil, zdbfserr.NotFound(fmt.Sprintf("zdb.FakeConn.Get(%d)", key))
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (f *FakeConn) Del(_ context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.store[key]; !ok {
		return zdbfserr.NotFound(fmt.Sprintf("zdb.FakeConn.Del(%d)", key))
	}
	delete(f.store, key)
	return nil
}

func (f *FakeConn) Scan(_ context.Context, fn func(key Key, value []byte) (bool, error)) error {
	f.mu.Lock()
	keys := make([]Key, 0, len(f.store))
	for k := range f.store {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	snapshot := make(map[Key][]byte, len(f.store))
	for k, v := range f.store {
		snapshot[k] = v
	}
	f.mu.Unlock()

	for _, k := range keys {
		more, err := fn(k, snapshot[k])
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (f *FakeConn) Close() error {
	return nil
}

// Len reports the number of keys currently stored, for test assertions.
func (f *FakeConn) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store)
}
