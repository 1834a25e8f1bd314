// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sqldb

import (
	"time"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/policy"
)

const (
	pgxTagPolicyPut        = "policy_put"
	pgxTagPolicyGet        = "policy_get"
	pgxTagPolicyList       = "policy_list"
	pgxTagPolicyDelete     = "policy_delete"
	pgxTagUserPolicyPut    = "user_policy_put"
	pgxTagUserPolicyGet    = "user_policy_get"
	pgxTagUserPolicyList   = "user_policy_list"
	pgxTagUserPolicyDelete = "user_policy_delete"

	policyColumns     = "name, can_connect, max_payload_size, max_stored_bytes, is_admin, can_edit_policies, can_edit_user_policies, edit_time"
	userPolicyColumns = "user_id, authority_id, policy_name, edit_time"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

type pgxPolicy struct {
	pgx *pgxImpl
}

func (d *pgxPolicy) PutPolicy(p *policy.Policy) error {
	_, err := d.pgx.pool.Exec(pgxTagPolicyPut,
		p.Name,
		p.Connection.CanConnect,
		p.Message.MaxPayloadSize,
		p.Storage.MaxStoredBytes,
		p.Admin.IsAdmin,
		p.Admin.CanEditPolicies,
		p.Admin.CanEditUserPolicies,
		p.EditTime.UnixNano(),
	)
	return err
}

func scanPolicy(row scanner) (*policy.Policy, error) {
	p := new(policy.Policy)
	var editTime int64
	if err := row.Scan(
		&p.Name,
		&p.Connection.CanConnect,
		&p.Message.MaxPayloadSize,
		&p.Storage.MaxStoredBytes,
		&p.Admin.IsAdmin,
		&p.Admin.CanEditPolicies,
		&p.Admin.CanEditUserPolicies,
		&editTime,
	); err != nil {
		return nil, err
	}
	p.EditTime = time.Unix(0, editTime)
	return p, nil
}

func (d *pgxPolicy) Policy(name string) (*policy.Policy, error) {
	p, err := scanPolicy(d.pgx.pool.QueryRow(pgxTagPolicyGet, name))
	if err != nil {
		if isPgNoDataFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (d *pgxPolicy) Policies() ([]*policy.Policy, error) {
	rows, err := d.pgx.pool.Query(pgxTagPolicyList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, p)
	}
	return ret, rows.Err()
}

func (d *pgxPolicy) DeletePolicy(name string) error {
	_, err := d.pgx.pool.Exec(pgxTagPolicyDelete, name)
	return err
}

func (d *pgxPolicy) PutUserPolicy(up *policy.UserPolicy) error {
	_, err := d.pgx.pool.Exec(pgxTagUserPolicyPut,
		up.UserID[:],
		up.AuthorityID[:],
		up.PolicyName,
		up.EditTime.UnixNano(),
	)
	return err
}

func scanUserPolicy(row scanner) (*policy.UserPolicy, error) {
	var (
		user, authority []byte
		editTime        int64
		err             error
	)
	up := new(policy.UserPolicy)
	if err = row.Scan(&user, &authority, &up.PolicyName, &editTime); err != nil {
		return nil, err
	}
	if up.UserID, err = identity.FromBytes(user); err != nil {
		return nil, err
	}
	if up.AuthorityID, err = identity.FromBytes(authority); err != nil {
		return nil, err
	}
	up.EditTime = time.Unix(0, editTime)
	return up, nil
}

func (d *pgxPolicy) UserPolicy(user identity.ID) (*policy.UserPolicy, error) {
	up, err := scanUserPolicy(d.pgx.pool.QueryRow(pgxTagUserPolicyGet, user[:]))
	if err != nil {
		if isPgNoDataFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return up, nil
}

func (d *pgxPolicy) UserPolicies() ([]*policy.UserPolicy, error) {
	rows, err := d.pgx.pool.Query(pgxTagUserPolicyList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*policy.UserPolicy
	for rows.Next() {
		up, err := scanUserPolicy(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, up)
	}
	return ret, rows.Err()
}

func (d *pgxPolicy) DeleteUserPolicy(user identity.ID) error {
	_, err := d.pgx.pool.Exec(pgxTagUserPolicyDelete, user[:])
	return err
}

func (d *pgxPolicy) Close() error {
	// Nothing to do, the pool belongs to the SQLDB.
	return nil
}

func newPgxPolicy(p *pgxImpl) *pgxPolicy {
	return &pgxPolicy{
		pgx: p,
	}
}
