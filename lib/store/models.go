package store

import "time"

// TransferStatus is the journal status of a transfer.
type TransferStatus string

// Transfer statuses. A transfer starts pending and ends committed, partial or failed.
const (
	StatusPending   TransferStatus = "pending"
	StatusBroadcast TransferStatus = "broadcast"
	StatusCommitted TransferStatus = "committed"
	StatusPartial   TransferStatus = "partial"
	StatusFailed    TransferStatus = "failed"
)

// Final returns true when no further updates are expected for the status.
func (s TransferStatus) Final() bool {
	return s == StatusCommitted || s == StatusPartial || s == StatusFailed
}

// Transfer contains the fields of a transfer saved to the journal.
type Transfer struct {
	ID        string         `json:"id" bson:"_id"`
	Contract  string         `json:"contract" bson:"contract"`
	Network   string         `json:"network" bson:"network"`
	Invoice   string         `json:"invoice" bson:"invoice"`
	Amount    uint64         `json:"amount" bson:"amount"`
	Status    TransferStatus `json:"status" bson:"status"`
	Txid      string         `json:"txid,omitempty" bson:"txid,omitempty"`
	Error     string         `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt" bson:"updatedAt"`
}
