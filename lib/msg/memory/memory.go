// Package memory implements an in-process message broker. It serves single instance deployments that run without
// an AMQP broker, and tests.
package memory

import (
	"errors"
	"sync"

	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker closed")

// Broker keeps the events of each network until they are consumed. Events published before a consumer subscribes
// are delivered to it.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan types.Event
	closed bool
	size   int
}

var _ msg.MsgBroker = (*Broker)(nil)

// New returns a broker buffering up to size events per network.
func New(size int) *Broker {
	if size < 1 {
		size = 1
	}

	return &Broker{queues: make(map[string]chan types.Event), size: size}
}

// Setup implements msg.MsgBroker.
func (b *Broker) Setup(interface{}) error { return nil }

func (b *Broker) queue(net string) chan types.Event {
	q, ok := b.queues[net]
	if !ok {
		q = make(chan types.Event, b.size)
		b.queues[net] = q
	}

	return q
}

// Publish implements msg.MsgBroker. Events are dropped when the queue of the network is full.
func (b *Broker) Publish(net string, e types.Event) error {
	e.Net = net

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue(net) <- e:
		return nil
	default:
		return errors.New("event queue of " + net + " is full")
	}
}

// GetEvents implements msg.MsgBroker.
func (b *Broker) GetEvents(net string, mut *sync.Mutex) (<-chan types.Event, <-chan error, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil, nil, ErrClosed
	}

	q := b.queue(net)
	b.mu.Unlock()

	eves := make(chan types.Event)

	go func() {
		defer close(eves)

		for e := range q {
			mut.Lock()
			eves <- e
			mut.Lock() // wait for the receiver to finish processing the event
			mut.Unlock()
		}
	}()

	return eves, make(chan error), nil
}

// Close stops the consumers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true

		for _, q := range b.queues {
			close(q)
		}
	}

	return nil
}
