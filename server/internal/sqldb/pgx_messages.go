// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sqldb

import (
	"iter"
	"time"

	"github.com/jackc/pgx"
	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/server/messagestore"
)

const (
	pgxTagStoreLock          = "store_lock"
	pgxTagMessageGetByKey    = "message_get_by_key"
	pgxTagMessageUserBytes   = "message_user_bytes"
	pgxTagMessageTotalBytes  = "message_total_bytes"
	pgxTagBlobRef            = "blob_ref"
	pgxTagBlobUnref          = "blob_unref"
	pgxTagBlobCollect        = "blob_collect"
	pgxTagMessageInsert      = "message_insert"
	pgxTagMessageNextUser    = "message_next_user"
	pgxTagMessageNextAll     = "message_next_all"
	pgxTagMessageDeleteSeq   = "message_delete_seq"
	pgxTagMessageDeleteByKey = "message_delete_by_key"
	pgxTagMessageDeleteUser  = "message_delete_user"
	pgxTagMessageExpired     = "message_expired"
	pgxTagMessageUsage       = "message_usage"

	messageColumns = "m.seq, m.from_id, m.to_id, m.storage_key, m.secret_key, m.inserted_at, b.message"
)

type pgxMessageStore struct {
	pgx   *pgxImpl
	quota *messagestore.Quota
}

// update runs fn in a transaction holding the store lock.
func (s *pgxMessageStore) update(fn func(*pgx.Tx) error) error {
	tx, err := s.pgx.pool.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.Exec(pgxTagStoreLock, int64(storeLockID)); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func releaseBlob(tx *pgx.Tx, blob []byte) error {
	if _, err := tx.Exec(pgxTagBlobUnref, blob); err != nil {
		return err
	}
	_, err := tx.Exec(pgxTagBlobCollect, blob)
	return err
}

func (s *pgxMessageStore) AddMessage(from, to identity.ID, storageKey, secretKey []byte, msg *seal.SignedBytes) error {
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

	err = s.update(func(tx *pgx.Tx) error {
		var (
			oldSeq, replaced int64
			oldBlob          []byte
		)
		err := tx.QueryRow(pgxTagMessageGetByKey, to[:], storageKey).Scan(&oldSeq, &replaced, &oldBlob)
		switch {
		case isPgNoDataFound(err):
			oldBlob = nil
		case err != nil:
			return err
		}

		var userBytes, totalBytes int64
		if err = tx.QueryRow(pgxTagMessageUserBytes, to[:]).Scan(&userBytes); err != nil {
			return err
		}
		if err = tx.QueryRow(pgxTagMessageTotalBytes).Scan(&totalBytes); err != nil {
			return err
		}
		if err = s.quota.Admit(h, size, userBytes, totalBytes, replaced); err != nil {
			return err
		}

		if oldBlob != nil {
			if _, err = tx.Exec(pgxTagMessageDeleteSeq, oldSeq); err != nil {
				return err
			}
			if err = releaseBlob(tx, oldBlob); err != nil {
				return err
			}
		}
		if _, err = tx.Exec(pgxTagBlobRef, blobID[:], rawMsg); err != nil {
			return err
		}
		_, err = tx.Exec(pgxTagMessageInsert, to[:], from[:], storageKey, secretKey, blobID[:], size, time.Now().UnixNano())
		return err
	})
	return s.quota.Finish(err)
}

func (s *pgxMessageStore) GetMessages(to *identity.ID) iter.Seq2[*messagestore.StoredMessage, error] {
	return func(yield func(*messagestore.StoredMessage, error) bool) {
		var last int64
		for {
			var row *pgx.Row
			if to != nil {
				row = s.pgx.pool.QueryRow(pgxTagMessageNextUser, to[:], last)
			} else {
				row = s.pgx.pool.QueryRow(pgxTagMessageNextAll, last)
			}
			m, seq, err := scanMessage(row)
			if isPgNoDataFound(err) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			last = seq
			if !yield(m, nil) {
				return
			}
		}
	}
}

func scanMessage(row scanner) (*messagestore.StoredMessage, int64, error) {
	var (
		seq, insertedAt          int64
		from, to, key, secret, b []byte
		err                      error
	)
	if err = row.Scan(&seq, &from, &to, &key, &secret, &insertedAt, &b); err != nil {
		return nil, 0, err
	}
	m := &messagestore.StoredMessage{
		SecretKey:  secret,
		Message:    new(seal.SignedBytes),
		InsertedAt: time.Unix(0, insertedAt),
	}
	m.StorageKey = key
	if m.From, err = identity.FromBytes(from); err != nil {
		return nil, 0, err
	}
	if m.To, err = identity.FromBytes(to); err != nil {
		return nil, 0, err
	}
	if err = wire.Unmarshal(b, m.Message); err != nil {
		return nil, 0, err
	}
	return m, seq, nil
}

func (s *pgxMessageStore) RemoveMessage(h *messagestore.Header) error {
	return s.update(func(tx *pgx.Tx) error {
		var blob []byte
		err := tx.QueryRow(pgxTagMessageDeleteByKey, h.To[:], h.StorageKey).Scan(&blob)
		switch {
		case isPgNoDataFound(err):
			return nil
		case err != nil:
			return err
		}
		return releaseBlob(tx, blob)
	})
}

func (s *pgxMessageStore) RemoveMessages(maxAge time.Duration, limit int) ([]*messagestore.Header, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = int64(limit)
	}
	cutoff := time.Now().Add(-maxAge).UnixNano()

	var removed []*messagestore.Header
	err := s.update(func(tx *pgx.Tx) error {
		rows, err := tx.Query(pgxTagMessageExpired, cutoff, limitArg)
		if err != nil {
			return err
		}
		var seqs []int64
		for rows.Next() {
			var (
				seq           int64
				from, to, key []byte
			)
			if err = rows.Scan(&seq, &from, &to, &key); err != nil {
				rows.Close()
				return err
			}
			h := &messagestore.Header{StorageKey: key}
			if h.From, err = identity.FromBytes(from); err != nil {
				rows.Close()
				return err
			}
			if h.To, err = identity.FromBytes(to); err != nil {
				rows.Close()
				return err
			}
			seqs = append(seqs, seq)
			removed = append(removed, h)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}

		for _, seq := range seqs {
			var blob []byte
			if err = tx.QueryRow(pgxTagMessageDeleteSeq, seq).Scan(&blob); err != nil {
				return err
			}
			if err = releaseBlob(tx, blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *pgxMessageStore) RemoveUserMessages(to identity.ID) error {
	return s.update(func(tx *pgx.Tx) error {
		rows, err := tx.Query(pgxTagMessageDeleteUser, to[:])
		if err != nil {
			return err
		}
		var blobs [][]byte
		for rows.Next() {
			var blob []byte
			if err = rows.Scan(&blob); err != nil {
				rows.Close()
				return err
			}
			blobs = append(blobs, blob)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}
		for _, blob := range blobs {
			if err = releaseBlob(tx, blob); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgxMessageStore) GetUsage() ([]*messagestore.Usage, error) {
	rows, err := s.pgx.pool.Query(pgxTagMessageUsage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []*messagestore.Usage
	for rows.Next() {
		var raw []byte
		u := new(messagestore.Usage)
		if err = rows.Scan(&raw, &u.MessageCount, &u.ByteCount); err != nil {
			return nil, err
		}
		if u.ID, err = identity.FromBytes(raw); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (s *pgxMessageStore) Close() {
	// Nothing to do, the pool belongs to the SQLDB.
}

func newPgxMessageStore(p *pgxImpl, quota *messagestore.Quota) *pgxMessageStore {
	return &pgxMessageStore{
		pgx:   p,
		quota: quota,
	}
}
