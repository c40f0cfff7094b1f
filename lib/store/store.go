// Package store defines the storage used by the wallet service: the per-wallet directory (see package
// store/fs) and the transfer journal, which has filesystem, MongoDB and PostgreSQL implementations.
package store

import (
	"errors"
)

// DB defines the methods required from a transfer journal.
type DB interface {
	// SaveTransfer inserts a new transfer record. Records are keyed by ID.
	SaveTransfer(Transfer) error
	// UpdateTransfer sets status, txid and error message of an existing transfer.
	UpdateTransfer(id string, status TransferStatus, txid, errMsg string) error
	// GetTransfers returns the transfers for the contract, oldest first. An empty contract returns all transfers.
	GetTransfers(contract string) ([]Transfer, error)
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
	ErrDuplicate    = errors.New("record already exists in store")
)
