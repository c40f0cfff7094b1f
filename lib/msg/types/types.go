// Package types defines the events published by the wallet service.
package types

import (
	"encoding/json"
	"time"
)

// Event types
const (
	TransferBroadcast   = "transfer.broadcast"
	TransferPartial     = "transfer.partial"
	ConsignmentAccepted = "consignment.accepted"
	ValidationReport    = "validation.report"
)

// Event is the message published to the "ee" exchange. ID identifies the object of the event: a txid for transfers,
// a contract id for consignments and reports.
type Event struct {
	Type    string          `json:"type"`
	Net     string          `json:"net"`
	ID      string          `json:"id"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoutingKey returns the topic the event is published with: <net>.<type>.<id>.
func (e Event) RoutingKey() string {
	return e.Net + "." + e.Type + "." + e.ID
}

// New returns an event with payload v marshalled to JSON.
func New(eventType, net, id string, v interface{}) (Event, error) {
	e := Event{Type: eventType, Net: net, ID: id, Time: time.Now().UTC()}

	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return e, err
		}

		e.Payload = b
	}

	return e, nil
}

// Transfer is the payload of transfer events.
type Transfer struct {
	Contract string `json:"contract"`
	Txid     string `json:"txid"`
	Amount   uint64 `json:"amount"`
	Invoice  string `json:"invoice"`
	Error    string `json:"error,omitempty"`
}

// Consignment is the payload of consignment.accepted.
type Consignment struct {
	Contract    string `json:"contract"`
	Transitions int    `json:"transitions"`
	Received    uint64 `json:"received"`
	Balance     uint64 `json:"balance"`
}
