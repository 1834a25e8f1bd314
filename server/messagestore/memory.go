// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messagestore

import (
	"bytes"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/identity"
)

type memoryEntry struct {
	seq uint64
	msg *StoredMessage
}

type memoryKey struct {
	to  identity.ID
	key string
}

type memoryStore struct {
	sync.Mutex

	quota *Quota

	seq    uint64
	all    []*memoryEntry
	queues map[identity.ID][]*memoryEntry
	keys   map[memoryKey]*memoryEntry
	usage  map[identity.ID]*Usage
	total  int64
	closed bool
}

// NewMemoryStore returns a Store held in memory.
func NewMemoryStore(quota *Quota) Store {
	return &memoryStore{
		quota:  quota,
		queues: make(map[identity.ID][]*memoryEntry),
		keys:   make(map[memoryKey]*memoryEntry),
		usage:  make(map[identity.ID]*Usage),
	}
}

func (s *memoryStore) AddMessage(from, to identity.ID, storageKey, secretKey []byte, msg *seal.SignedBytes) error {
	if err := Validate(storageKey, msg); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}

	m := &StoredMessage{
		Header: Header{
			From:       from,
			To:         to,
			StorageKey: bytes.Clone(storageKey),
		},
		SecretKey:  bytes.Clone(secretKey),
		Message:    msg,
		InsertedAt: time.Now(),
	}
	mk := memoryKey{to, string(storageKey)}
	old := s.keys[mk]
	var replaced, userBytes int64
	if old != nil {
		replaced = old.msg.Size()
	}
	if u := s.usage[to]; u != nil {
		userBytes = u.ByteCount
	}
	if err := s.quota.Admit(&m.Header, m.Size(), userBytes, s.total, replaced); err != nil {
		return s.quota.Finish(err)
	}
	if old != nil {
		s.remove(old)
	}

	s.seq++
	e := &memoryEntry{seq: s.seq, msg: m}
	s.all = append(s.all, e)
	s.queues[to] = append(s.queues[to], e)
	s.keys[mk] = e
	u := s.usage[to]
	if u == nil {
		u = &Usage{ID: to}
		s.usage[to] = u
	}
	u.MessageCount++
	u.ByteCount += m.Size()
	s.total += m.Size()
	return s.quota.Finish(nil)
}

func (s *memoryStore) GetMessages(to *identity.ID) iter.Seq2[*StoredMessage, error] {
	return func(yield func(*StoredMessage, error) bool) {
		var last uint64
		for {
			e, err := s.next(to, last)
			if err != nil {
				yield(nil, err)
				return
			}
			if e == nil {
				return
			}
			last = e.seq
			if !yield(e.msg, nil) {
				return
			}
		}
	}
}

func (s *memoryStore) next(to *identity.ID, after uint64) (*memoryEntry, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	q := s.all
	if to != nil {
		q = s.queues[*to]
	}
	i, _ := slices.BinarySearchFunc(q, after+1, cmpSeq)
	if i == len(q) {
		return nil, nil
	}
	return q[i], nil
}

func (s *memoryStore) RemoveMessage(h *Header) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e := s.keys[memoryKey{h.To, string(h.StorageKey)}]; e != nil {
		s.remove(e)
	}
	return nil
}

func (s *memoryStore) RemoveMessages(maxAge time.Duration, limit int) ([]*Header, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []*Header
	for len(s.all) > 0 && (limit <= 0 || len(removed) < limit) {
		e := s.all[0]
		if e.msg.InsertedAt.After(cutoff) {
			break
		}
		h := e.msg.Header
		removed = append(removed, &h)
		s.remove(e)
	}
	return removed, nil
}

func (s *memoryStore) RemoveUserMessages(to identity.ID) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, e := range slices.Clone(s.queues[to]) {
		s.remove(e)
	}
	return nil
}

func (s *memoryStore) GetUsage() ([]*Usage, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	usage := make([]*Usage, 0, len(s.usage))
	for _, u := range s.usage {
		c := *u
		usage = append(usage, &c)
	}
	SortUsage(usage)
	return usage, nil
}

func (s *memoryStore) Close() {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	s.all = nil
	s.queues = nil
	s.keys = nil
	s.usage = nil
}

// remove unlinks e.  The caller holds the lock.
func (s *memoryStore) remove(e *memoryEntry) {
	m := e.msg
	s.all = removeEntry(s.all, e.seq)
	q := removeEntry(s.queues[m.To], e.seq)
	if len(q) == 0 {
		delete(s.queues, m.To)
	} else {
		s.queues[m.To] = q
	}
	delete(s.keys, memoryKey{m.To, string(m.StorageKey)})
	if u := s.usage[m.To]; u != nil {
		u.MessageCount--
		u.ByteCount -= m.Size()
		if u.MessageCount == 0 {
			delete(s.usage, m.To)
		}
	}
	s.total -= m.Size()
}

func removeEntry(q []*memoryEntry, seq uint64) []*memoryEntry {
	i, found := slices.BinarySearchFunc(q, seq, cmpSeq)
	if !found {
		return q
	}
	return slices.Delete(q, i, i+1)
}

func cmpSeq(e *memoryEntry, seq uint64) int {
	switch {
	case e.seq < seq:
		return -1
	case e.seq > seq:
		return 1
	}
	return 0
}

// SortUsage orders usage by recipient.
func SortUsage(usage []*Usage) {
	slices.SortFunc(usage, func(a, b *Usage) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}
