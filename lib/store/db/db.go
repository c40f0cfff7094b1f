// Package db implements the opening and graceful closing of transfer journal connections.
package db

import (
	"fmt"

	"github.com/tarancss/rgbwallet/lib/store"
	"github.com/tarancss/rgbwallet/lib/store/fs"
	"github.com/tarancss/rgbwallet/lib/store/mongo"
	"github.com/tarancss/rgbwallet/lib/store/postgres"
)

const (
	FS       string = "fs"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// New returns a new journal according to the options (journal type). The fs journal uses connection as the path of
// its file.
func New(options, connection string) (store.DB, error) {
	switch options {
	case FS:
		return fs.NewJournal(connection)
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, fmt.Errorf("unknown journal type %q", options)
}

// Close gracefully closes the journal connection.
func Close(options string, dh store.DB) error {
	switch options {
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	return nil
}
