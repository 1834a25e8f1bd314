package sqldb

import (
	"time"

	"github.com/katzenpost/relay/core/identity"
)

const (
	pgxTagConnectionPut    = "connection_put"
	pgxTagConnectionGet    = "connection_get"
	pgxTagConnectionDelete = "connection_delete"
)

// pgxRemoteTable is the mesh wide table of connected users.
type pgxRemoteTable struct {
	pgx *pgxImpl
}

func (t *pgxRemoteTable) Put(id identity.ID, address string) error {
	_, err := t.pgx.pool.Exec(pgxTagConnectionPut, id[:], address, time.Now().UnixNano())
	return err
}

func (t *pgxRemoteTable) Get(id identity.ID) (string, bool, error) {
	var address string
	if err := t.pgx.pool.QueryRow(pgxTagConnectionGet, id[:]).Scan(&address); err != nil {
		if isPgNoDataFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return address, true, nil
}

func (t *pgxRemoteTable) Delete(id identity.ID, address string) error {
	_, err := t.pgx.pool.Exec(pgxTagConnectionDelete, id[:], address)
	return err
}

func newPgxRemoteTable(p *pgxImpl) *pgxRemoteTable {
	return &pgxRemoteTable{
		pgx: p,
	}
}
