// Package postgres implements the transfer journal for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/tarancss/rgbwallet/lib/store"
)

// Schema creates the journal table.
const Schema = `CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	contract TEXT NOT NULL,
	network TEXT NOT NULL,
	invoice TEXT NOT NULL,
	amount BIGINT NOT NULL,
	status TEXT NOT NULL,
	txid TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the journal table.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	return FromDB(db)
}

// FromDB wraps an open database handle.
func FromDB(db *sql.DB) (*Postgres, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("cannot create transfers table: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// SaveTransfer inserts a transfer record.
func (p *Postgres) SaveTransfer(t store.Transfer) error {
	_, err := p.db.Exec(`INSERT INTO transfers (id, contract, network, invoice, amount, status, txid, error, `+
		`created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Contract, t.Network, t.Invoice, int64(t.Amount), string(t.Status), t.Txid, t.Error, t.CreatedAt,
		t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: transfer %s", store.ErrDuplicate, t.ID)
		}

		return fmt.Errorf("could not insert transfer in db: %w", err)
	}

	return nil
}

// UpdateTransfer sets the status of a transfer and, when given, its txid and error message.
func (p *Postgres) UpdateTransfer(id string, status store.TransferStatus, txid, errMsg string) error {
	res, err := p.db.Exec(`UPDATE transfers SET status = $1, `+
		`txid = CASE WHEN $2 = '' THEN txid ELSE $2 END, `+
		`error = CASE WHEN $3 = '' THEN error ELSE $3 END, updated_at = $4 WHERE id = $5`,
		string(status), txid, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("could not update transfer %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not update transfer %s: %w", id, err)
	}

	if n != 1 {
		return fmt.Errorf("%w: transfer %s", store.ErrDataNotFound, id)
	}

	return nil
}

// GetTransfers returns the transfers of the contract, or all of them when contract is empty, oldest first.
func (p *Postgres) GetTransfers(contract string) ([]store.Transfer, error) {
	rows, err := p.db.Query(`SELECT id, contract, network, invoice, amount, status, txid, error, created_at, `+
		`updated_at FROM transfers WHERE $1 = '' OR contract = $1 ORDER BY created_at, id`, contract)
	if err != nil {
		return nil, fmt.Errorf("error getting transfers: %w", err)
	}
	defer rows.Close()

	ts := []store.Transfer{}

	for rows.Next() {
		var (
			t      store.Transfer
			amount int64
			status string
		)

		if err = rows.Scan(&t.ID, &t.Contract, &t.Network, &t.Invoice, &amount, &status, &t.Txid, &t.Error,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error reading transfer: %w", err)
		}

		t.Amount = uint64(amount)
		t.Status = store.TransferStatus(status)
		ts = append(ts, t)
	}

	return ts, rows.Err()
}
