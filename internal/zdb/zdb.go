// Copyright 2024 The zdbfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zdb is the backend key-value client. 0-db speaks the Redis wire
// protocol but reinterprets SET/GET/DEL/SCAN for a namespaced, key-assigning
// object store rather than a string cache: SET with no key lets the backend
// assign a fresh 32-bit key (used for the data and temp namespaces), while
// SET with a key replaces in place (used for meta). Namespace selection is a
// connection-time SELECT, mirroring how 0-db multiplexes its key spaces.
//
// This client keeps one *redis.Client per namespace (Meta, Data, Temp) so
// each can carry its own address and credentials per the configuration
// table, the way a driver in JuiceFS's pkg/meta package is constructed per
// backing store rather than shared.
package zdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/threefoldtech/zdbfs/internal/logger"
	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// Key identifies a record within a namespace. 0-db keys are opaque byte
// strings in the wire protocol, but the data and temp namespaces always deal
// in the 32-bit integers the backend itself assigns, so we expose that as
// the concrete type and format/parse at the edges.
type Key uint32

// NoKey is passed to Put to request that the backend assign a fresh key.
const NoKey Key = 0

// Namespace is one of the three logical key spaces the filesystem uses.
type Namespace string

const (
	NamespaceMeta Namespace = "meta"
	NamespaceData Namespace = "data"
	NamespaceTemp Namespace = "temp"
)

// Endpoint describes how to reach one namespace's backend connection:
// either a TCP host:port or a filesystem socket path, plus optional
// credentials and the remote namespace name to SELECT.
type Endpoint struct {
	Host      string
	Port      int
	Socket    string
	Namespace string
	Password  string
}

// Addr returns the dial target: the unix socket path if set, else host:port.
func (e Endpoint) Addr() string {
	if e.Socket != "" {
		return e.Socket
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) network() string {
	if e.Socket != "" {
		return "unix"
	}
	return "tcp"
}

// Conn is the set of operations the filesystem operation engine and cache
// need from a namespace connection. It is satisfied by *NSConn and by
// FakeConn, so tests can run without a real 0-db instance, the same way
// fs/fstesting swaps a fake GCS bucket in for the real one in the teacher.
type Conn interface {
	// Put stores value under key, or under a backend-assigned key if key is
	// NoKey, and returns the key actually used.
	Put(ctx context.Context, key Key, value []byte) (Key, error)

	// Get returns the value stored under key, or a NotFound zdbfserr.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Del removes key. Returns a NotFound zdbfserr if it was never set.
	Del(ctx context.Context, key Key) error

	// Scan calls fn for every (key, value) pair currently stored, in
	// backend iteration order, until fn returns false or an error occurs.
	Scan(ctx context.Context, fn func(key Key, value []byte) (bool, error)) error

	// Close releases the underlying connection.
	Close() error
}

// NSConn is a Conn backed by a real 0-db namespace over the Redis protocol.
type NSConn struct {
	ns     Namespace
	client *redis.Client
}

// Dial opens a connection to one namespace's endpoint. If autons is true and
// the namespace does not exist yet, it is created with NSNEW before SELECT.
func Dial(ctx context.Context, ns Namespace, ep Endpoint, autons bool) (*NSConn, error) {
	opts := &redis.Options{
		Network:  ep.network(),
		Addr:     ep.Addr(),
		Password: ep.Password,
	}

	client := redis.NewClient(opts)

	if autons && ep.Namespace != "" {
		// NSNEW is a no-op (0-db returns an error) if the namespace already
		// exists; that error is expected and ignored here.
		_ = client.Do(ctx, "NSNEW", ep.Namespace).Err()
	}

	if ep.Namespace != "" {
		if err := client.Do(ctx, "SELECT", ep.Namespace).Err(); err != nil {
			client.Close()
			return nil, zdbfserr.IO(fmt.Sprintf("zdb.Dial(%s)", ns), err)
		}
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, zdbfserr.IO(fmt.Sprintf("zdb.Dial(%s)", ns), err)
	}

	logger.Infof("zdb: connected to %s namespace at %s", ns, ep.Addr())

	return &NSConn{ns: ns, client: client}, nil
}

func (c *NSConn) Put(ctx context.Context, key Key, value []byte) (Key, error) {
	var res *redis.Cmd
	if key == NoKey {
		res = c.client.Do(ctx, "SET", "", value)
	} else {
		res = c.client.Do(ctx, "SET", formatKey(key), value)
	}

	s, err := res.Text()
	if err != nil {
		return 0, zdbfserr.IO(fmt.Sprintf("zdb.Put(%s)", c.ns), err)
	}

	assigned, err := parseKey(s)
	if err != nil {
		return 0, zdbfserr.IO(fmt.Sprintf("zdb.Put(%s)", c.ns), err)
	}
	return assigned, nil
}

func (c *NSConn) Get(ctx context.Context, key Key) ([]byte, error) {
	b, err := c.client.Do(ctx, "GET", formatKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, zdbfserr.NotFound(fmt.Sprintf("zdb.Get(%s, %d)", c.ns, key))
		}
		return nil, zdbfserr.IO(fmt.Sprintf("zdb.Get(%s)", c.ns), err)
	}
	return b, nil
}

func (c *NSConn) Del(ctx context.Context, key Key) error {
	n, err := c.client.Do(ctx, "DEL", formatKey(key)).Int64()
	if err != nil {
		return zdbfserr.IO(fmt.Sprintf("zdb.Del(%s)", c.ns), err)
	}
	if n == 0 {
		return zdbfserr.NotFound(fmt.Sprintf("zdb.Del(%s, %d)", c.ns, key))
	}
	return nil
}

// Scan walks the namespace's key space via repeated SCAN calls starting
// from the cursor 0-db returns after each batch, per spec §4.A's "lazy
// sequence" semantics: the whole namespace is never materialized at once.
func (c *NSConn) Scan(ctx context.Context, fn func(key Key, value []byte) (bool, error)) error {
	cursor := "0"
	for {
		res, err := c.client.Do(ctx, "SCAN", cursor).Slice()
		if err != nil {
			return zdbfserr.IO(fmt.Sprintf("zdb.Scan(%s)", c.ns), err)
		}
		if len(res) != 2 {
			return zdbfserr.IO(fmt.Sprintf("zdb.Scan(%s)", c.ns), errors.New("malformed SCAN reply"))
		}

		next, _ := res[0].(string)
		entries, _ := res[1].([]interface{})

		for _, e := range entries {
			pair, _ := e.([]interface{})
			if len(pair) != 2 {
				continue
			}
			keyStr, _ := pair[0].(string)
			value, _ := pair[1].(string)

			key, err := parseKey(keyStr)
			if err != nil {
				continue
			}

			more, err := fn(key, []byte(value))
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}

		if next == "0" || next == "" {
			return nil
		}
		cursor = next
	}
}

func (c *NSConn) Close() error {
	return c.client.Close()
}

func formatKey(key Key) string {
	return fmt.Sprintf("%08x", uint32(key))
}

func parseKey(s string) (Key, error) {
	if s == "" {
		return 0, errors.New("empty key in backend reply")
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%08x", &v); err != nil {
		return 0, fmt.Errorf("parse key %q: %w", s, err)
	}
	return Key(v), nil
}

// Client bundles the three namespace connections the filesystem uses.
type Client struct {
	Meta Conn
	Data Conn
	Temp Conn
}

// Close closes all three namespace connections.
func (c *Client) Close() error {
	var firstErr error
	for _, conn := range []Conn{c.Meta, c.Data, c.Temp} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
