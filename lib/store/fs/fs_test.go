package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/store"
)

func TestOpenLockAndNetwork(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir, "alice", "regtest")
	require.NoError(t, err)
	require.Equal(t, "regtest", d.Metadata().Network)
	require.FileExists(t, filepath.Join(dir, "alice", "metadata"))

	// a second instance cannot open the same wallet
	_, err = Open(dir, "alice", "regtest")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, d.Close())

	_, err = Open(dir, "alice", "mainnet")
	require.ErrorIs(t, err, ErrNetworkMismatch)

	d, err = Open(dir, "alice", "regtest")
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestStateAndSeed(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir, "bob", "regtest")
	require.NoError(t, err)

	_, err = d.LoadSeed()
	require.ErrorIs(t, err, ErrNoSeed)
	require.NoError(t, d.SaveSeed([]byte{1, 2, 3}))
	require.ErrorIs(t, d.SaveSeed([]byte{4}), store.ErrDuplicate)

	seed, err := d.LoadSeed()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, seed)

	require.NoError(t, d.UpdateState(func(s *State) error {
		s.ExternalIndex = 7
		s.Colored["aa:0"] = []string{"cid"}

		return nil
	}))

	// a failing update leaves the state untouched
	require.Error(t, d.UpdateState(func(s *State) error {
		s.ExternalIndex = 99

		return os.ErrInvalid
	}))

	st := d.State()
	require.Equal(t, uint32(7), st.ExternalIndex)

	// callers get copies
	st.Colored["bb:1"] = []string{"x"}
	require.Len(t, d.State().Colored, 1)

	require.NoError(t, d.Close())

	d, err = Open(dir, "bob", "regtest")
	require.NoError(t, err)

	defer d.Close()

	require.Equal(t, []string{"cid"}, d.State().Colored["aa:0"])

	p, err := d.ContractDir("cid1")
	require.NoError(t, err)
	require.DirExists(t, p)

	cs, err := d.Contracts()
	require.NoError(t, err)
	require.Equal(t, []string{"cid1"}, cs)
}

func TestWriteFileAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, WriteFileAtomic(p, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(p, []byte("two"), 0o600))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Error(t, WriteFileAtomic(filepath.Join(p, "sub"), []byte("x"), 0o600))
}

func TestJournal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "journal")

	j, err := NewJournal(p)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, j.SaveTransfer(store.Transfer{ID: "2", Contract: "c1", Status: store.StatusPending,
		CreatedAt: now.Add(time.Second)}))
	require.NoError(t, j.SaveTransfer(store.Transfer{ID: "1", Contract: "c1", Status: store.StatusPending,
		CreatedAt: now}))
	require.NoError(t, j.SaveTransfer(store.Transfer{ID: "3", Contract: "c2", Status: store.StatusPending,
		CreatedAt: now}))
	require.ErrorIs(t, j.SaveTransfer(store.Transfer{ID: "1"}), store.ErrDuplicate)

	require.NoError(t, j.UpdateTransfer("1", store.StatusBroadcast, "txid1", ""))
	require.NoError(t, j.UpdateTransfer("1", store.StatusCommitted, "", ""))
	require.ErrorIs(t, j.UpdateTransfer("9", store.StatusFailed, "", "x"), store.ErrDataNotFound)

	// reopen from disk
	j, err = NewJournal(p)
	require.NoError(t, err)

	ts, err := j.GetTransfers("c1")
	require.NoError(t, err)
	require.Len(t, ts, 2)
	require.Equal(t, "1", ts[0].ID)
	require.Equal(t, store.StatusCommitted, ts[0].Status)
	require.Equal(t, "txid1", ts[0].Txid)
	require.True(t, ts[0].Status.Final())

	all, err := j.GetTransfers("")
	require.NoError(t, err)
	require.Len(t, all, 3)
}
