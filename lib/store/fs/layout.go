// Package fs implements the per-wallet directory:
//
//	<data>/<wallet>/metadata            name, created_at, network
//	<data>/<wallet>/state               last synced height, address indexes, colored outputs, secret seals
//	<data>/<wallet>/keys/seed           key material
//	<data>/<wallet>/rgb/<contract>/     stash of each contract
//	<data>/<wallet>/locks/process.lock  advisory lock held while the wallet is open
//	<data>/<wallet>/journal             transfer journal (when the fs journal is used)
//
// Every file is written to a temporary file first and renamed into place.
package fs

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/store"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// Errors returned
var (
	ErrLocked          = errors.New("wallet directory is locked by another process")
	ErrNetworkMismatch = errors.New("wallet was created for a different network")
	ErrNoSeed          = errors.New("wallet has no key material")
)

var logger = log.Sub("STOR")

// Metadata is the content of the metadata file.
type Metadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Network   string    `json:"network"`
}

// SecretSeal is the blinded receive seal kept by the wallet behind an invoice auth token.
type SecretSeal struct {
	Outpoint string `json:"outpoint"`
	Blinding uint64 `json:"blinding"`
	Contract string `json:"contract"`
}

// TapretOutput records the key and tweak of a wallet taproot output that hosts a commitment.
type TapretOutput struct {
	KeyIndex uint32 `json:"key_index"`
	Root     string `json:"root"`
}

// State is the content of the state file.
type State struct {
	LastSyncedHeight uint32 `json:"last_synced_height"`
	ExternalIndex    uint32 `json:"external_index"`
	InternalIndex    uint32 `json:"internal_index"`
	TaprootIndex     uint32 `json:"taproot_index"`
	// Colored maps an outpoint (txid:vout) to the contracts with allocations on it.
	Colored map[string][]string `json:"colored"`
	// SecretSeals maps hex auth tokens to the seal they conceal.
	SecretSeals map[string]SecretSeal `json:"secret_seals"`
	// Tapret maps outpoints of tweaked wallet outputs to their key and tweak.
	Tapret map[string]TapretOutput `json:"tapret"`
}

func (s *State) init() {
	if s.Colored == nil {
		s.Colored = make(map[string][]string)
	}

	if s.SecretSeals == nil {
		s.SecretSeals = make(map[string]SecretSeal)
	}

	if s.Tapret == nil {
		s.Tapret = make(map[string]TapretOutput)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() State {
	c := *s
	c.Colored = make(map[string][]string, len(s.Colored))

	for k, v := range s.Colored {
		c.Colored[k] = append([]string(nil), v...)
	}

	c.SecretSeals = make(map[string]SecretSeal, len(s.SecretSeals))
	for k, v := range s.SecretSeals {
		c.SecretSeals[k] = v
	}

	c.Tapret = make(map[string]TapretOutput, len(s.Tapret))
	for k, v := range s.Tapret {
		c.Tapret[k] = v
	}

	return c
}

// Dir is an open wallet directory. It holds the process lock until Close.
type Dir struct {
	root string
	lock *flock.Flock

	mu    sync.Mutex // guards state and the state file
	state State
	meta  Metadata
}

// Open opens (creating it if needed) the directory of wallet name under dataDir and locks it. A wallet created for
// another network is refused.
func Open(dataDir, name, network string) (*Dir, error) {
	root := filepath.Join(dataDir, name)
	for _, d := range []string{root, filepath.Join(root, "keys"), filepath.Join(root, "rgb"), filepath.Join(root, "locks")} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", d, err)
		}
	}

	d := &Dir{root: root, lock: flock.New(filepath.Join(root, "locks", "process.lock"))}

	ok, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cannot lock %s: %w", root, err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, root)
	}

	if err = d.loadMetadata(name, network); err != nil {
		_ = d.lock.Unlock()

		return nil, err
	}

	if err = d.loadState(); err != nil {
		_ = d.lock.Unlock()

		return nil, err
	}

	logger.Debugf("opened wallet directory %s network:%s", root, network)

	return d, nil
}

// Close releases the process lock.
func (d *Dir) Close() error {
	return d.lock.Unlock()
}

// Root returns the wallet directory.
func (d *Dir) Root() string { return d.root }

// Metadata returns the wallet metadata.
func (d *Dir) Metadata() Metadata { return d.meta }

// ContractDir returns (creating it) the stash directory of a contract.
func (d *Dir) ContractDir(contract string) (string, error) {
	p := filepath.Join(d.root, "rgb", contract)
	if err := os.MkdirAll(p, dirPerm); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", p, err)
	}

	return p, nil
}

// Contracts returns the contracts that have a stash directory.
func (d *Dir) Contracts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, "rgb"))
	if err != nil {
		return nil, fmt.Errorf("cannot list contracts: %w", err)
	}

	var out []string

	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}

	return out, nil
}

func (d *Dir) loadMetadata(name, network string) error {
	p := filepath.Join(d.root, "metadata")

	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		d.meta = Metadata{Name: name, CreatedAt: time.Now().UTC(), Network: network}

		return d.writeJSON(p, d.meta)
	}

	if err != nil {
		return fmt.Errorf("cannot read metadata: %w", err)
	}

	if err = json.Unmarshal(b, &d.meta); err != nil {
		return fmt.Errorf("invalid metadata file %s: %w", p, err)
	}

	if d.meta.Network != network {
		return fmt.Errorf("%w: %s is %s, configured %s", ErrNetworkMismatch, name, d.meta.Network, network)
	}

	return nil
}

func (d *Dir) loadState() error {
	p := filepath.Join(d.root, "state")

	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		d.state.init()

		return nil
	}

	if err != nil {
		return fmt.Errorf("cannot read state: %w", err)
	}

	if err = json.Unmarshal(b, &d.state); err != nil {
		return fmt.Errorf("invalid state file %s: %w", p, err)
	}

	d.state.init()

	return nil
}

// State returns a copy of the current wallet state.
func (d *Dir) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state.Clone()
}

// UpdateState applies fn to a copy of the state and saves it. If fn or the save fail the state is unchanged.
func (d *Dir) UpdateState(fn func(*State) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.state.Clone()
	if err := fn(&next); err != nil {
		return err
	}

	if err := d.writeJSON(filepath.Join(d.root, "state"), next); err != nil {
		return err
	}

	d.state = next

	return nil
}

// SaveSeed stores the wallet seed. An existing seed is never overwritten.
func (d *Dir) SaveSeed(seed []byte) error {
	p := filepath.Join(d.root, "keys", "seed")
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, p)
	}

	return WriteFileAtomic(p, []byte(hex.EncodeToString(seed)), filePerm)
}

// LoadSeed returns the wallet seed.
func (d *Dir) LoadSeed() ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(d.root, "keys", "seed"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSeed
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read seed: %w", err)
	}

	return hex.DecodeString(strings.TrimSpace(string(b)))
}

func (d *Dir) writeJSON(p string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", p, err)
	}

	return WriteFileAtomic(p, b, filePerm)
}
