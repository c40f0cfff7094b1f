// Package msg defines the interface for different message brokers. The wallet publishes its events to the "ee"
// exchange with routing key <net>.<type>.<id>; consumers bind per network.
package msg

import (
	"sync"

	"github.com/tarancss/rgbwallet/lib/msg/types"
)

// Exchange is the topic exchange events are published to.
const Exchange = "ee"

// MsgBroker publishes and consumes wallet events.
type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// Publish sends an event for the network.
	Publish(net string, e types.Event) error
	// GetEvents consumes the events of the network. The consumed message is only acknowledged when mut is unlocked
	// by the receiver, once it is done with the event.
	GetEvents(net string, mut *sync.Mutex) (<-chan types.Event, <-chan error, error)
}
