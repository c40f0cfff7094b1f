package rgb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.etcd.io/bbolt"
)

// StashFile is the name of the stash database in a contract directory.
const StashFile = "stash.db"

// ErrNoStash is returned when a contract has no stash.
var ErrNoStash = errors.New("contract has no stash")

// StashBackend persists the state of one contract.
type StashBackend interface {
	Load() (*State, error)
	Save(*State) error
	Close() error
}

var (
	bucketMeta      = []byte("meta")
	bucketBundles   = []byte("bundles")
	bucketAllocs    = []byte("allocs")
	bucketConcealed = []byte("concealed")

	keyContract = []byte("contract")
	keyGenesis  = []byte("genesis")
	keySeq      = []byte("seq")
)

// allocSize is the size of an allocation record: amount, owned, seq, spending txid.
const allocSize = 8 + 1 + 8 + 32

// BoltStash keeps a contract state in a bbolt database.
type BoltStash struct {
	db *bbolt.DB
}

// OpenBoltStash opens (creating it) the bbolt stash at path.
func OpenBoltStash(path string) (*BoltStash, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open stash %s: %w", path, err)
	}

	return &BoltStash{db: db}, nil
}

// Close implements StashBackend.
func (s *BoltStash) Close() error { return s.db.Close() }

// Save implements StashBackend. The whole state is written in one transaction.
func (s *BoltStash) Save(st *State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketBundles, bucketAllocs, bucketConcealed} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
		}

		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}

		genesis, err := st.Genesis.Encode()
		if err != nil {
			return err
		}

		var seq [8]byte

		binary.BigEndian.PutUint64(seq[:], st.Seq)

		if err = meta.Put(keyContract, st.Contract[:]); err != nil {
			return err
		}

		if err = meta.Put(keyGenesis, genesis); err != nil {
			return err
		}

		if err = meta.Put(keySeq, seq[:]); err != nil {
			return err
		}

		bundles, err := tx.CreateBucket(bucketBundles)
		if err != nil {
			return err
		}

		for i := range st.Bundles {
			b, err := st.Bundles[i].Encode()
			if err != nil {
				return err
			}

			var k [8]byte

			binary.BigEndian.PutUint64(k[:], uint64(i))

			if err = bundles.Put(k[:], b); err != nil {
				return err
			}
		}

		allocs, err := tx.CreateBucket(bucketAllocs)
		if err != nil {
			return err
		}

		for op, a := range st.Allocs {
			var v [allocSize]byte

			binary.BigEndian.PutUint64(v[:8], a.Amount)

			if a.Owned {
				v[8] = 1
			}

			binary.BigEndian.PutUint64(v[9:17], a.Seq)
			copy(v[17:], a.SpentBy[:])

			if err = allocs.Put(outpointKey(op), v[:]); err != nil {
				return err
			}
		}

		concealed, err := tx.CreateBucket(bucketConcealed)
		if err != nil {
			return err
		}

		for tok, amount := range st.Concealed {
			var v [8]byte

			binary.BigEndian.PutUint64(v[:], amount)

			if err = concealed.Put(tok[:], v[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// Load implements StashBackend.
func (s *BoltStash) Load() (*State, error) {
	st := &State{
		Allocs:    make(map[wire.OutPoint]*Allocation),
		Concealed: make(map[AuthToken]uint64),
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return ErrNoStash
		}

		copy(st.Contract[:], meta.Get(keyContract))

		g, err := DecodeGenesis(meta.Get(keyGenesis))
		if err != nil {
			return err
		}

		st.Genesis = *g

		if v := meta.Get(keySeq); len(v) == 8 {
			st.Seq = binary.BigEndian.Uint64(v)
		}

		if b := tx.Bucket(bucketBundles); b != nil {
			err = b.ForEach(func(_, v []byte) error {
				bundle, err := DecodeBundle(v)
				if err != nil {
					return err
				}

				st.Bundles = append(st.Bundles, *bundle)

				return nil
			})
			if err != nil {
				return err
			}
		}

		if b := tx.Bucket(bucketAllocs); b != nil {
			err = b.ForEach(func(k, v []byte) error {
				if len(k) != 36 || len(v) != allocSize {
					return fmt.Errorf("%w: allocation record", ErrEncoding)
				}

				a := &Allocation{Outpoint: keyOutpoint(k)}
				a.Amount = binary.BigEndian.Uint64(v[:8])
				a.Owned = v[8] == 1
				a.Seq = binary.BigEndian.Uint64(v[9:17])
				copy(a.SpentBy[:], v[17:])
				st.Allocs[a.Outpoint] = a

				return nil
			})
			if err != nil {
				return err
			}
		}

		if b := tx.Bucket(bucketConcealed); b != nil {
			return b.ForEach(func(k, v []byte) error {
				if len(k) != 32 || len(v) != 8 {
					return fmt.Errorf("%w: concealed record", ErrEncoding)
				}

				var tok AuthToken

				copy(tok[:], k)
				st.Concealed[tok] = binary.BigEndian.Uint64(v)

				return nil
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	st.index()

	return st, nil
}

func outpointKey(op wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[32:], op.Index)

	return k
}

func keyOutpoint(k []byte) wire.OutPoint {
	var op wire.OutPoint

	copy(op.Hash[:], k[:32])
	op.Index = binary.BigEndian.Uint32(k[32:])

	return op
}
