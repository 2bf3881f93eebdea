// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"strconv"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler is called once per delivery received on a fanout
// subscription. The broker client may invoke handlers concurrently;
// handlers must be safe for concurrent use.
type DeliveryHandler func(d *Delivery)

// Delivery is one delivered message with its transport acknowledgment
// capabilities. Tag is the broker-assigned delivery tag for this delivery
// attempt; it is not stable across redeliveries.
type Delivery struct {
	Tag         uint64
	Body        []byte
	Redelivered bool

	delivery amqp091.Delivery
	client   *Client
}

// Ack acknowledges successful processing of the delivery.
func (d *Delivery) Ack() error {
	return d.withChannelLock(func() error {
		return d.delivery.Ack(false)
	})
}

// Nack negatively acknowledges the delivery. With requeue the broker
// redelivers it; without, it goes to the queue's dead-letter route or is
// dropped.
func (d *Delivery) Nack(requeue bool) error {
	return d.withChannelLock(func() error {
		return d.delivery.Nack(false, requeue)
	})
}

func (d *Delivery) withChannelLock(fn func() error) error {
	if d.client == nil {
		return fn()
	}
	d.client.chMu.Lock()
	defer d.client.chMu.Unlock()
	return fn()
}

type fanoutSubscription struct {
	exchange    string
	queue       string
	consumerTag string
	handler     DeliveryHandler
	done        chan struct{}
}

func (s *fanoutSubscription) close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
}

// SubscribeFanout declares a durable fanout exchange, binds an exclusive
// anonymously-named queue to it, and consumes with manual acknowledgment.
//
// Every connector instance that subscribes this way receives every message
// published to the exchange: the queue is per-instance and dies with the
// connection. This is fan-out to all instances, not a shared work queue.
func (c *Client) SubscribeFanout(exchange string, handler DeliveryHandler) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if exchange == "" {
		return ErrInvalidExchange
	}
	if handler == nil {
		return ErrNilHandler
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		"",    // anonymous, broker-assigned name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return err
	}

	consumerTag := "pushconn-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	deliveries, err := ch.Consume(
		q.Name,
		consumerTag,
		false, // manual ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	sub := &fanoutSubscription{
		exchange:    exchange,
		queue:       q.Name,
		consumerTag: consumerTag,
		handler:     handler,
		done:        make(chan struct{}),
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				sub.handler(&Delivery{
					Tag:         d.DeliveryTag,
					Body:        d.Body,
					Redelivered: d.Redelivered,
					delivery:    d,
					client:      c,
				})
			}
		}
	}()

	return nil
}
