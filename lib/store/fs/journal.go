package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tarancss/rgbwallet/lib/store"
)

// Journal is a transfer journal kept in a single JSON file.
type Journal struct {
	path string

	mu   sync.Mutex
	recs map[string]store.Transfer
}

// NewJournal opens the journal file at path, creating it on first save.
func NewJournal(path string) (*Journal, error) {
	j := &Journal{path: path, recs: make(map[string]store.Transfer)}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read journal: %w", err)
	}

	var recs []store.Transfer
	if err = json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("invalid journal %s: %w", path, err)
	}

	for _, r := range recs {
		j.recs[r.ID] = r
	}

	return j, nil
}

// Journal opens the journal file of the wallet directory.
func (d *Dir) Journal() (*Journal, error) {
	return NewJournal(filepath.Join(d.root, "journal"))
}

// SaveTransfer implements store.DB.
func (j *Journal) SaveTransfer(t store.Transfer) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.recs[t.ID]; ok {
		return fmt.Errorf("%w: transfer %s", store.ErrDuplicate, t.ID)
	}

	j.recs[t.ID] = t
	if err := j.save(); err != nil {
		delete(j.recs, t.ID)

		return err
	}

	return nil
}

// UpdateTransfer implements store.DB.
func (j *Journal) UpdateTransfer(id string, status store.TransferStatus, txid, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	old, ok := j.recs[id]
	if !ok {
		return fmt.Errorf("%w: transfer %s", store.ErrDataNotFound, id)
	}

	t := old
	t.Status = status
	t.UpdatedAt = time.Now().UTC()

	if txid != "" {
		t.Txid = txid
	}

	if errMsg != "" {
		t.Error = errMsg
	}

	j.recs[id] = t
	if err := j.save(); err != nil {
		j.recs[id] = old

		return err
	}

	return nil
}

// GetTransfers implements store.DB.
func (j *Journal) GetTransfers(contract string) ([]store.Transfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.sorted(contract), nil
}

func (j *Journal) sorted(contract string) []store.Transfer {
	out := make([]store.Transfer, 0, len(j.recs))

	for _, t := range j.recs {
		if contract == "" || t.Contract == contract {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}

		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})

	return out
}

func (j *Journal) save() error {
	b, err := json.MarshalIndent(j.sorted(""), "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode journal: %w", err)
	}

	return WriteFileAtomic(j.path, b, filePerm)
}
