// Package mongo implements the transfer journal for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/rgbwallet/lib/store"
)

const (
	database   = "rgbwallet"
	collection = "transfers"
	timeout    = 5 * time.Second
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col() *mgo.Collection {
	return m.c.Database(database).Collection(collection)
}

// SaveTransfer inserts a transfer record.
func (m *Mongo) SaveTransfer(t store.Transfer) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := m.col().InsertOne(ctx, t); err != nil {
		if mgo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: transfer %s", store.ErrDuplicate, t.ID)
		}

		return fmt.Errorf("could not insert transfer in db: %w", err)
	}

	return nil
}

// UpdateTransfer sets the status of a transfer and, when given, its txid and error message.
func (m *Mongo) UpdateTransfer(id string, status store.TransferStatus, txid, errMsg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	set := bson.D{
		{Key: "status", Value: status},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}
	if txid != "" {
		set = append(set, bson.E{Key: "txid", Value: txid})
	}

	if errMsg != "" {
		set = append(set, bson.E{Key: "error", Value: errMsg})
	}

	res, err := m.col().UpdateOne(ctx, bson.M{"_id": id}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("could not update transfer %s: %w", id, err)
	}

	if res.MatchedCount != 1 {
		return fmt.Errorf("%w: transfer %s", store.ErrDataNotFound, id)
	}

	return nil
}

// GetTransfers returns the transfers of the contract, or all of them when contract is empty, oldest first.
func (m *Mongo) GetTransfers(contract string) ([]store.Transfer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	filter := bson.M{}
	if contract != "" {
		filter["contract"] = contract
	}

	cur, err := m.col().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("error getting transfers: %w", err)
	}
	defer cur.Close(ctx)

	ts := []store.Transfer{}
	if err = cur.All(ctx, &ts); err != nil && !errors.Is(err, mgo.ErrNoDocuments) {
		return nil, fmt.Errorf("error decoding transfers: %w", err)
	}

	return ts, nil
}
