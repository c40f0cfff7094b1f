// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"sync"

	"github.com/streadway/amqp"

	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/types"
)

var log = wlog.Sub("AMQP")

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	// mu guards ch, shared by publishers
	mu sync.Mutex
	ch *amqp.Channel
}

var _ msg.MsgBroker = (*Amqp)(nil)

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	r := &Amqp{}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return nil, err
	}

	log.Infof("Connected to %s", uri)

	return r, nil
}

// Setup obtains an amqp channel and declares the "ee" exchange the wallet publishes its events to.
func (r *Amqp) Setup(interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(msg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Warnf("Error closing amqp.Channel: %v", err)
		}

		r.ch = nil

		log.Debug("amqp.Channel closed!")
	}

	return r.conn.Close()
}

// Publish sends the event to the "ee" exchange.
func (r *Amqp) Publish(net string, e types.Event) error {
	e.Net = net

	// marshal to JSON
	jsonDoc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{"x-event-name": e.Type},
		Body:        jsonDoc,
		ContentType: "application/json",
		Timestamp:   e.Time,
	}

	if err = r.ch.Publish(msg.Exchange, e.RoutingKey(), false, false, m); err != nil {
		log.Errorf("[%s] Error sending %s event to message broker: %v", net, e.Type, err)
		// the channel is closed after a failure, get a new one next time
		r.ch = nil
	}

	return err
}

// GetEvents consumes events from the "ee" exchange for the network pushing them to the returned channel. A new
// channel is used for every consumer.
func (r *Amqp) GetEvents(net string, mut *sync.Mutex) (<-chan types.Event, <-chan error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	queue := msg.Exchange + net

	// declare queue and bind it to the exchange
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	if err = ch.QueueBind(queue, net+".#", msg.Exchange, false, nil); err != nil {
		return nil, nil, err
	}

	msgs, err := ch.Consume(queue, "wallet-"+net, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	// define channels to return
	eves := make(chan types.Event)
	errs := make(chan error)

	// start routine to consume messages from broker
	go func() {
		defer close(eves)

		for m := range msgs {
			var e types.Event
			if err := json.Unmarshal(m.Body, &e); err != nil {
				errs <- err

				_ = m.Nack(false, false)

				continue
			}

			mut.Lock()
			eves <- e
			mut.Lock() // wait for the receiver to finish processing the event
			mut.Unlock()

			if err := m.Ack(false); err != nil {
				log.Warnf("[%s] Error acknowledging event %s: %v", net, e.RoutingKey(), err)
			}
		}
	}()

	return eves, errs, nil
}
