package rgb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Runtime holds the stash of one contract. It is not safe for concurrent use: callers serialize access through the
// runtime cache.
//
// Mutations are made on a pending copy of the state obtained with Begin. Commit makes the pending copy the current
// state and Flush persists it; Discard drops it.
type Runtime struct {
	stash     StashBackend
	committed *State
	pending   *State
	unsaved   bool
}

// Open loads the runtime stored in the contract directory dir.
func Open(dir string) (*Runtime, error) {
	path := filepath.Join(dir, StashFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoStash, dir)
	}

	stash, err := OpenBoltStash(path)
	if err != nil {
		return nil, err
	}

	r, err := Load(stash)
	if err != nil {
		_ = stash.Close()

		return nil, err
	}

	return r, nil
}

// Load returns the runtime of the state kept by stash.
func Load(stash StashBackend) (*Runtime, error) {
	st, err := stash.Load()
	if err != nil {
		return nil, fmt.Errorf("cannot load stash: %w", err)
	}

	return &Runtime{stash: stash, committed: st}, nil
}

// Create writes the stash of a new contract in dir.
func Create(dir string, st *State) error {
	path := filepath.Join(dir, StashFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("stash %s already exists", path)
	}

	stash, err := OpenBoltStash(path)
	if err != nil {
		return err
	}

	if err = stash.Save(st); err != nil {
		_ = stash.Close()
		_ = os.Remove(path)

		return fmt.Errorf("cannot write stash: %w", err)
	}

	return stash.Close()
}

// Contract returns the contract id.
func (r *Runtime) Contract() ContractID { return r.committed.Contract }

// State returns the state seen by the holder of the runtime: the pending copy if a mutation is in progress.
func (r *Runtime) State() *State {
	if r.pending != nil {
		return r.pending
	}

	return r.committed
}

// Begin starts a mutation and returns the pending state to modify.
func (r *Runtime) Begin() *State {
	if r.pending == nil {
		r.pending = r.committed.Clone()
	}

	return r.pending
}

// Commit makes the pending state current. It must be followed by Flush to reach disk.
func (r *Runtime) Commit() {
	if r.pending != nil {
		r.committed = r.pending
		r.pending = nil
		r.unsaved = true
	}
}

// Discard drops the pending state.
func (r *Runtime) Discard() { r.pending = nil }

// Dirty returns true if the runtime holds changes not on disk.
func (r *Runtime) Dirty() bool { return r.unsaved || r.pending != nil }

// Flush persists the committed state. Uncommitted changes are dropped.
func (r *Runtime) Flush() error {
	r.pending = nil

	if !r.unsaved {
		return nil
	}

	if err := r.stash.Save(r.committed); err != nil {
		return fmt.Errorf("cannot flush stash of %s: %w", r.committed.Contract, err)
	}

	r.unsaved = false

	return nil
}

// Close closes the stash.
func (r *Runtime) Close() error { return r.stash.Close() }
