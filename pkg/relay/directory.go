package relay

import (
	"sync"

	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/transport"
)

// ConnectionState is one row of the server's diagnostic snapshot
type ConnectionState struct {
	Identity protocol.Id `json:"identity"`
	Ready    bool        `json:"ready"`
}

// entry binds an authenticated identity to its live connection;
// its lifetime is bounded by the underlying socket
type entry struct {
	id        protocol.Id
	conn      *transport.Connection
	localAddr string
}

// Directory maps identity to live connection. It is mutated by many
// connection-handling goroutines; entries for unrelated identities
// never contend on a single lock.
type Directory struct {
	conns sync.Map // protocol.Id -> *entry
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{}
}

// Add registers a connection for an identity, replacing (and closing)
// any previous one
func (d *Directory) Add(id protocol.Id, conn *transport.Connection, localAddr string) {
	prev, loaded := d.conns.Swap(id, &entry{id: id, conn: conn, localAddr: localAddr})
	if loaded {
		prev.(*entry).conn.Close()
	}
}

// Get returns the live connection for an identity
func (d *Directory) Get(id protocol.Id) (*transport.Connection, bool) {
	e, ok := d.conns.Load(id)
	if !ok {
		return nil, false
	}
	return e.(*entry).conn, true
}

// Remove evicts an identity's entry, but only if it still points at
// the given connection; a newer registration is left alone
func (d *Directory) Remove(id protocol.Id, conn *transport.Connection) {
	e, ok := d.conns.Load(id)
	if !ok {
		return
	}
	if e.(*entry).conn == conn {
		d.conns.CompareAndDelete(id, e)
	}
}

// States returns a diagnostic (identity, ready) snapshot
func (d *Directory) States() []ConnectionState {
	var states []ConnectionState
	d.conns.Range(func(_, v any) bool {
		e := v.(*entry)
		states = append(states, ConnectionState{Identity: e.id, Ready: e.conn.Ready()})
		return true
	})
	return states
}

// Len returns the number of registered connections
func (d *Directory) Len() int {
	n := 0
	d.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes every live connection and clears the directory
func (d *Directory) Close() {
	d.conns.Range(func(k, v any) bool {
		v.(*entry).conn.Close()
		d.conns.Delete(k)
		return true
	})
}
