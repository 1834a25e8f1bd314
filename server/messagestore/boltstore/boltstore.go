// boltstore.go - BoltDB backed relay message store.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package boltstore implements the relay message store with a simple
// boltdb based backend.  Message bodies are held once in a content
// addressed, reference counted blob bucket so that a message sent to many
// recipients of one relay is stored once.
package boltstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/katzenpost/hpqc/hash"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/server/messagestore"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	totalKey       = "totalBytes"
	orderBucket    = "order"
	queuesBucket   = "queues"
	keysBucket     = "keys"
	blobsBucket    = "blobs"
	usageBucket    = "usage"
)

var errCorrupted = errors.New("boltstore: corrupted database")

// record is a queue entry.  The body lives in the blob bucket.
type record struct {
	From       identity.ID
	StorageKey []byte
	SecretKey  []byte
	Blob       []byte
	Size       int64
	InsertedAt time.Time
}

type blob struct {
	Refs    uint64
	Message *seal.SignedBytes
}

type boltStore struct {
	db    *bolt.DB
	quota *messagestore.Quota
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func getInt(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func putInt(v int64) []byte {
	return seqKey(uint64(v))
}

func getUsage(bkt *bolt.Bucket, to identity.ID) (count, size int64) {
	v := bkt.Get(to[:])
	if len(v) != 16 {
		return 0, 0
	}
	return int64(binary.BigEndian.Uint64(v[:8])), int64(binary.BigEndian.Uint64(v[8:]))
}

func putUsage(bkt *bolt.Bucket, to identity.ID, count, size int64) error {
	if count <= 0 {
		return bkt.Delete(to[:])
	}
	var v [16]byte
	binary.BigEndian.PutUint64(v[:8], uint64(count))
	binary.BigEndian.PutUint64(v[8:], uint64(size))
	return bkt.Put(to[:], v[:])
}

func (s *boltStore) AddMessage(from, to identity.ID, storageKey, secretKey []byte, msg *seal.SignedBytes) error {
	if err := messagestore.Validate(storageKey, msg); err != nil {
		return err
	}
	rawMsg, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	blobID := hash.Sum256(rawMsg)
	h := &messagestore.Header{From: from, To: to, StorageKey: storageKey}
	size := messagestore.MessageSize(msg)

	err = s.db.Update(func(tx *bolt.Tx) error {
		metaBkt := tx.Bucket([]byte(metadataBucket))
		usageBkt := tx.Bucket([]byte(usageBucket))

		// Account for the message this one replaces, if any.
		var oldSeq []byte
		var old *record
		if kBkt := tx.Bucket([]byte(keysBucket)).Bucket(to[:]); kBkt != nil {
			if v := kBkt.Get(storageKey); v != nil {
				oldSeq = append([]byte{}, v...)
				rec, err := loadRecord(tx, to, oldSeq)
				if err != nil {
					return err
				}
				old = rec
			}
		}
		var replaced int64
		if old != nil {
			replaced = old.Size
		}
		_, userBytes := getUsage(usageBkt, to)
		total := getInt(metaBkt.Get([]byte(totalKey)))
		if err := s.quota.Admit(h, size, userBytes, total, replaced); err != nil {
			return err
		}
		if old != nil {
			if err := deleteEntry(tx, to, oldSeq, old); err != nil {
				return err
			}
		}

		// Store the body, or take another reference to it.
		blobsBkt := tx.Bucket([]byte(blobsBucket))
		b := &blob{Message: msg}
		if v := blobsBkt.Get(blobID[:]); v != nil {
			stored, err := loadBlobValue(v)
			if err != nil {
				return err
			}
			b.Refs = stored.Refs
		}
		b.Refs++
		if err := putCBOR(blobsBkt, blobID[:], b); err != nil {
			return err
		}

		// Allocate the queue position.
		oBkt := tx.Bucket([]byte(orderBucket))
		seq, err := oBkt.NextSequence()
		if err != nil {
			return err
		}
		k := seqKey(seq)
		if err = oBkt.Put(k, to[:]); err != nil {
			return err
		}

		qBkt, err := tx.Bucket([]byte(queuesBucket)).CreateBucketIfNotExists(to[:])
		if err != nil {
			return err
		}
		rec := &record{
			From:       from,
			StorageKey: storageKey,
			SecretKey:  secretKey,
			Blob:       blobID[:],
			Size:       size,
			InsertedAt: time.Now(),
		}
		if err = putCBOR(qBkt, k, rec); err != nil {
			return err
		}
		kBkt, err := tx.Bucket([]byte(keysBucket)).CreateBucketIfNotExists(to[:])
		if err != nil {
			return err
		}
		if err = kBkt.Put(storageKey, k); err != nil {
			return err
		}

		count, userBytes := getUsage(usageBkt, to)
		if err = putUsage(usageBkt, to, count+1, userBytes+size); err != nil {
			return err
		}
		total = getInt(metaBkt.Get([]byte(totalKey)))
		return metaBkt.Put([]byte(totalKey), putInt(total+size))
	})
	return s.quota.Finish(err)
}

func (s *boltStore) GetMessages(to *identity.ID) iter.Seq2[*messagestore.StoredMessage, error] {
	return func(yield func(*messagestore.StoredMessage, error) bool) {
		var last uint64
		for {
			var m *messagestore.StoredMessage
			err := s.db.View(func(tx *bolt.Tx) error {
				var err error
				m, last, err = next(tx, to, last)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}
			if m == nil || !yield(m, nil) {
				return
			}
		}
	}
}

// next reads the first message queued after position after.
func next(tx *bolt.Tx, to *identity.ID, after uint64) (*messagestore.StoredMessage, uint64, error) {
	start := seqKey(after + 1)
	var k []byte
	var recipient identity.ID
	if to != nil {
		recipient = *to
		qBkt := tx.Bucket([]byte(queuesBucket)).Bucket(recipient[:])
		if qBkt == nil {
			return nil, after, nil
		}
		k, _ = qBkt.Cursor().Seek(start)
	} else {
		var v []byte
		k, v = tx.Bucket([]byte(orderBucket)).Cursor().Seek(start)
		if k != nil {
			var err error
			if recipient, err = identity.FromBytes(v); err != nil {
				return nil, after, fmt.Errorf("%w: order %x: %v", errCorrupted, k, err)
			}
		}
	}
	if k == nil {
		return nil, after, nil
	}
	seq := binary.BigEndian.Uint64(k)

	rec, err := loadRecord(tx, recipient, k)
	if err != nil {
		return nil, after, err
	}
	b, err := loadBlob(tx, rec.Blob)
	if err != nil {
		return nil, after, err
	}
	return &messagestore.StoredMessage{
		Header: messagestore.Header{
			From:       rec.From,
			To:         recipient,
			StorageKey: rec.StorageKey,
		},
		SecretKey:  rec.SecretKey,
		Message:    b.Message,
		InsertedAt: rec.InsertedAt,
	}, seq, nil
}

func (s *boltStore) RemoveMessage(h *messagestore.Header) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kBkt := tx.Bucket([]byte(keysBucket)).Bucket(h.To[:])
		if kBkt == nil {
			return nil
		}
		v := kBkt.Get(h.StorageKey)
		if v == nil {
			return nil
		}
		k := append([]byte{}, v...)
		rec, err := loadRecord(tx, h.To, k)
		if err != nil {
			return err
		}
		return deleteEntry(tx, h.To, k, rec)
	})
}

func (s *boltStore) RemoveMessages(maxAge time.Duration, limit int) ([]*messagestore.Header, error) {
	type victim struct {
		to  identity.ID
		seq []byte
		rec *record
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []*messagestore.Header
	err := s.db.Update(func(tx *bolt.Tx) error {
		var victims []victim
		cur := tx.Bucket([]byte(orderBucket)).Cursor()
		for k, v := cur.First(); k != nil && (limit <= 0 || len(victims) < limit); k, v = cur.Next() {
			to, err := identity.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: order %x: %v", errCorrupted, k, err)
			}
			rec, err := loadRecord(tx, to, k)
			if err != nil {
				return err
			}
			if rec.InsertedAt.After(cutoff) {
				break
			}
			victims = append(victims, victim{to, append([]byte{}, k...), rec})
		}

		for _, v := range victims {
			if err := deleteEntry(tx, v.to, v.seq, v.rec); err != nil {
				return err
			}
			removed = append(removed, &messagestore.Header{
				From:       v.rec.From,
				To:         v.to,
				StorageKey: v.rec.StorageKey,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *boltStore) RemoveUserMessages(to identity.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		qBkt := tx.Bucket([]byte(queuesBucket)).Bucket(to[:])
		if qBkt == nil {
			return nil
		}
		var seqs [][]byte
		var recs []*record
		if err := qBkt.ForEach(func(k, v []byte) error {
			rec := new(record)
			if err := wire.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("%w: record %x: %v", errCorrupted, k, err)
			}
			seqs = append(seqs, append([]byte{}, k...))
			recs = append(recs, rec)
			return nil
		}); err != nil {
			return err
		}
		for i := range seqs {
			if err := deleteEntry(tx, to, seqs[i], recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) GetUsage() ([]*messagestore.Usage, error) {
	var usage []*messagestore.Usage
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usageBucket))
		return bkt.ForEach(func(k, _ []byte) error {
			id, err := identity.FromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: usage %x: %v", errCorrupted, k, err)
			}
			u := &messagestore.Usage{ID: id}
			u.MessageCount, u.ByteCount = getUsage(bkt, u.ID)
			usage = append(usage, u)
			return nil
		})
	})
	return usage, err
}

func (s *boltStore) Close() {
	s.db.Sync()
	s.db.Close()
}

// deleteEntry removes the queue entry seq of to and every index that
// refers to it, and releases its reference to the body.
func deleteEntry(tx *bolt.Tx, to identity.ID, seq []byte, rec *record) error {
	queues := tx.Bucket([]byte(queuesBucket))
	keys := tx.Bucket([]byte(keysBucket))
	qBkt := queues.Bucket(to[:])
	if err := qBkt.Delete(seq); err != nil {
		return err
	}
	kBkt := keys.Bucket(to[:])
	if err := kBkt.Delete(rec.StorageKey); err != nil {
		return err
	}
	if k, _ := qBkt.Cursor().First(); k == nil {
		// Deleting the message drained the queue.
		if err := queues.DeleteBucket(to[:]); err != nil {
			return err
		}
		if err := keys.DeleteBucket(to[:]); err != nil {
			return err
		}
	}
	if err := tx.Bucket([]byte(orderBucket)).Delete(seq); err != nil {
		return err
	}

	blobsBkt := tx.Bucket([]byte(blobsBucket))
	b, err := loadBlob(tx, rec.Blob)
	if err != nil {
		return err
	}
	if b.Refs <= 1 {
		err = blobsBkt.Delete(rec.Blob)
	} else {
		b.Refs--
		err = putCBOR(blobsBkt, rec.Blob, b)
	}
	if err != nil {
		return err
	}

	usageBkt := tx.Bucket([]byte(usageBucket))
	count, size := getUsage(usageBkt, to)
	if err = putUsage(usageBkt, to, count-1, size-rec.Size); err != nil {
		return err
	}
	metaBkt := tx.Bucket([]byte(metadataBucket))
	total := getInt(metaBkt.Get([]byte(totalKey)))
	return metaBkt.Put([]byte(totalKey), putInt(total-rec.Size))
}

func loadRecord(tx *bolt.Tx, to identity.ID, seq []byte) (*record, error) {
	qBkt := tx.Bucket([]byte(queuesBucket)).Bucket(to[:])
	if qBkt == nil {
		return nil, fmt.Errorf("%w: missing queue %v", errCorrupted, to)
	}
	v := qBkt.Get(seq)
	if v == nil {
		return nil, fmt.Errorf("%w: missing record %x for %v", errCorrupted, seq, to)
	}
	rec := new(record)
	if err := wire.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("%w: record %x: %v", errCorrupted, seq, err)
	}
	return rec, nil
}

func loadBlob(tx *bolt.Tx, id []byte) (*blob, error) {
	v := tx.Bucket([]byte(blobsBucket)).Get(id)
	if v == nil {
		return nil, fmt.Errorf("%w: missing blob %x", errCorrupted, id)
	}
	b, err := loadBlobValue(v)
	if err != nil {
		return nil, fmt.Errorf("blob %x: %w", id, err)
	}
	return b, nil
}

func loadBlobValue(v []byte) (*blob, error) {
	b := new(blob)
	if err := wire.Unmarshal(v, b); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}
	return b, nil
}

func putCBOR(bkt *bolt.Bucket, k []byte, v interface{}) error {
	b, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put(k, b)
}

// New creates (or loads) a message store with the given file name f.
func New(f string, quota *messagestore.Quota) (messagestore.Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &boltStore{
		db:    db,
		quota: quota,
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{orderBucket, queuesBucket, keysBucket, blobsBucket, usageBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		if err = bkt.Put([]byte(totalKey), putInt(0)); err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}
