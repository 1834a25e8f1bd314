// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory implements the connection directory, mapping user
// identities to the local connection or the peer relay instance that
// holds their live session.
package directory

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/connection"
)

// RemoteTable records, for every connected user in a relay mesh, the
// address of the instance holding the connection.  It is shared between
// instances.
type RemoteTable interface {
	// Put records that id is connected to the instance at address.
	Put(id identity.ID, address string) error

	// Get returns the address of the instance id is connected to.
	Get(id identity.ID) (address string, ok bool, err error)

	// Delete removes the record for id iff it names address.
	Delete(id identity.ID, address string) error
}

// Entry is a directory entry.  Local entries carry the Connection; remote
// entries carry the address of the peer instance.
type Entry struct {
	ID         identity.ID
	Address    string
	Connection *connection.Connection
}

// IsLocal returns true iff the user is connected to this instance.
func (e *Entry) IsLocal() bool {
	return e.Connection != nil
}

// Directory is the connection directory of one relay instance.
type Directory struct {
	sync.RWMutex

	// writeLock is held across every local change and the remote table
	// write that follows it, so the table sees them in the same order.
	writeLock sync.Mutex

	log     *logging.Logger
	address string
	remote  RemoteTable
	local   map[identity.ID]*connection.Connection
}

// New returns a Directory for the instance reachable by peers at address.
// remote may be nil for a standalone relay.
func New(address string, remote RemoteTable, log *logging.Logger) *Directory {
	return &Directory{
		log:     log,
		address: address,
		remote:  remote,
		local:   make(map[identity.ID]*connection.Connection),
	}
}

// Address returns the address peers use to reach this instance.
func (d *Directory) Address() string {
	return d.address
}

// Add registers c as the connection for its user, returning the new entry
// and the connection it replaced, if any.  The caller closes the replaced
// connection.
func (d *Directory) Add(c *connection.Connection) (*Entry, *connection.Connection) {
	id := c.ID()

	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	d.Lock()
	old := d.local[id]
	d.local[id] = c
	d.Unlock()

	if d.remote != nil {
		if err := d.remote.Put(id, d.address); err != nil {
			d.log.Warningf("Failed to record %v in the remote table: %v", id.Short(), err)
		}
	}
	if old == c {
		old = nil
	}
	return &Entry{ID: id, Address: d.address, Connection: c}, old
}

// Get returns the entry for id, or nil.  A local connection that is no
// longer ready is evicted and nil returned.
func (d *Directory) Get(id identity.ID) *Entry {
	d.RLock()
	c, ok := d.local[id]
	d.RUnlock()

	if ok {
		if c.IsReady() {
			return &Entry{ID: id, Address: d.address, Connection: c}
		}
		d.log.Debugf("Evicting stale connection %v", c)
		d.RemoveConnection(c)
		return nil
	}

	if d.remote == nil {
		return nil
	}
	address, ok, err := d.remote.Get(id)
	if err != nil {
		d.log.Warningf("Failed to query the remote table for %v: %v", id.Short(), err)
		return nil
	}
	if !ok || address == d.address {
		return nil
	}
	return &Entry{ID: id, Address: address}
}

// Remove removes the entry for id.
func (d *Directory) Remove(id identity.ID) {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	d.Lock()
	delete(d.local, id)
	d.Unlock()

	d.deleteRemote(id, d.address)
}

// RemoveConnection removes the entry for c's user iff c is still the
// registered connection.
func (d *Directory) RemoveConnection(c *connection.Connection) {
	id := c.ID()

	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	d.Lock()
	cur, ok := d.local[id]
	if !ok || cur != c {
		d.Unlock()
		return
	}
	delete(d.local, id)
	d.Unlock()

	d.deleteRemote(id, d.address)
}

// RemoveRemote removes the remote record for id iff it names address,
// used when that instance is unreachable.  The record of a user connected
// to this instance is kept.
func (d *Directory) RemoveRemote(id identity.ID, address string) {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	if address == d.address {
		d.RLock()
		_, ok := d.local[id]
		d.RUnlock()
		if ok {
			return
		}
	}
	d.deleteRemote(id, address)
}

// Len returns the number of local connections.
func (d *Directory) Len() int {
	d.RLock()
	defer d.RUnlock()
	return len(d.local)
}

// CloseAll closes and removes every local connection.
func (d *Directory) CloseAll() {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	d.Lock()
	conns := make([]*connection.Connection, 0, len(d.local))
	for id, c := range d.local {
		conns = append(conns, c)
		delete(d.local, id)
	}
	d.Unlock()

	for _, c := range conns {
		c.Close()
		d.deleteRemote(c.ID(), d.address)
	}
}

func (d *Directory) deleteRemote(id identity.ID, address string) {
	if d.remote == nil {
		return
	}
	if err := d.remote.Delete(id, address); err != nil {
		d.log.Warningf("Failed to remove %v from the remote table: %v", id.Short(), err)
	}
}

// MemoryTable is a RemoteTable held in memory, shared by relay instances
// in the same process.
type MemoryTable struct {
	sync.Mutex
	m map[identity.ID]string
}

// NewMemoryTable returns an empty MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{m: make(map[identity.ID]string)}
}

// Put implements RemoteTable.
func (t *MemoryTable) Put(id identity.ID, address string) error {
	t.Lock()
	defer t.Unlock()
	t.m[id] = address
	return nil
}

// Get implements RemoteTable.
func (t *MemoryTable) Get(id identity.ID) (string, bool, error) {
	t.Lock()
	defer t.Unlock()
	address, ok := t.m[id]
	return address, ok, nil
}

// Delete implements RemoteTable.
func (t *MemoryTable) Delete(id identity.ID, address string) error {
	t.Lock()
	defer t.Unlock()
	if t.m[id] == address {
		delete(t.m, id)
	}
	return nil
}
