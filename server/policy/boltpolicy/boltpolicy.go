// boltpolicy.go - BoltDB backed relay policy store.
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

// Package boltpolicy implements the relay policy backend with a simple
// boltdb based store.
package boltpolicy

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/server/policy"
)

const (
	metadataBucket     = "metadata"
	versionKey         = "version"
	policiesBucket     = "policies"
	userPoliciesBucket = "userPolicies"
)

type boltPolicy struct {
	db *bolt.DB
}

func (d *boltPolicy) PutPolicy(p *policy.Policy) error {
	b, err := wire.Marshal(p)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Put([]byte(p.Name), b)
	})
}

func (d *boltPolicy) Policy(name string) (*policy.Policy, error) {
	var p *policy.Policy
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(policiesBucket)).Get([]byte(name))
		if raw == nil {
			return nil
		}
		p = new(policy.Policy)
		return wire.Unmarshal(raw, p)
	})
	return p, err
}

func (d *boltPolicy) Policies() ([]*policy.Policy, error) {
	var ret []*policy.Policy
	err := d.db.View(func(tx *bolt.Tx) error {
		// Keys iterate in byte order, which is name order.
		return tx.Bucket([]byte(policiesBucket)).ForEach(func(k, v []byte) error {
			p := new(policy.Policy)
			if err := wire.Unmarshal(v, p); err != nil {
				return fmt.Errorf("boltpolicy: corrupted policy %q: %v", k, err)
			}
			ret = append(ret, p)
			return nil
		})
	})
	return ret, err
}

func (d *boltPolicy) DeletePolicy(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(policiesBucket)).Delete([]byte(name))
	})
}

func (d *boltPolicy) PutUserPolicy(up *policy.UserPolicy) error {
	b, err := wire.Marshal(up)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(userPoliciesBucket)).Put(up.UserID[:], b)
	})
}

func (d *boltPolicy) UserPolicy(user identity.ID) (*policy.UserPolicy, error) {
	var up *policy.UserPolicy
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(userPoliciesBucket)).Get(user[:])
		if raw == nil {
			return nil
		}
		up = new(policy.UserPolicy)
		return wire.Unmarshal(raw, up)
	})
	return up, err
}

func (d *boltPolicy) UserPolicies() ([]*policy.UserPolicy, error) {
	var ret []*policy.UserPolicy
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(userPoliciesBucket)).ForEach(func(k, v []byte) error {
			up := new(policy.UserPolicy)
			if err := wire.Unmarshal(v, up); err != nil {
				return fmt.Errorf("boltpolicy: corrupted user policy %x: %v", k, err)
			}
			ret = append(ret, up)
			return nil
		})
	})
	return ret, err
}

func (d *boltPolicy) DeleteUserPolicy(user identity.ID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(userPoliciesBucket)).Delete(user[:])
	})
}

func (d *boltPolicy) Close() error {
	d.db.Sync()
	return d.db.Close()
}

// New creates (or loads) a policy database with the given file name f.
func New(f string) (policy.Backend, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &boltPolicy{db: db}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{policiesBucket, userPoliciesBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltpolicy: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		d.db.Close()
		return nil, err
	}
	return d, nil
}
