package bus

import (
	"encoding/json"
)

// Topic is one of the three downstream message streams.
type Topic string

const (
	Balances Topic = "balances"
	Orders   Topic = "orders"
	Deals    Topic = "deals"
)

var topics = [...]Topic{Balances, Orders, Deals}

// Emitter fronts the Hub with three topics, each with a FIFO overflow
// buffer. Publication is attempted inline; on queue-full the payload is
// appended to the topic's buffer and drained by a 100ms timer.
type Emitter struct {
	hub *Hub

	maxPending int
	buffers    map[Topic]*[][]byte
}

func NewEmitter(hub *Hub, maxPending int) *Emitter {
	e := &Emitter{hub: hub, maxPending: maxPending, buffers: make(map[Topic]*[][]byte)}
	for _, t := range topics {
		buf := make([][]byte, 0)
		e.buffers[t] = &buf
	}
	return e
}

// Publish encodes v and either hands it straight to the hub or, if the
// hub's dispatch channel is full, appends it to the topic's overflow
// buffer. Delivery is at-least-once; downstream consumers must tolerate
// duplicates.
func (e *Emitter) Publish(topic Topic, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := e.buffers[topic]
	if len(*buf) > 0 || !e.hub.tryPublish(string(topic), payload) {
		*buf = append(*buf, payload)
	}
	return nil
}

// Blocked reports whether any topic's overflow buffer has reached the
// configured maximum, for the dispatcher's admission gate.
func (e *Emitter) Blocked() bool {
	for _, t := range topics {
		if len(*e.buffers[t]) >= e.maxPending {
			return true
		}
	}
	return false
}

// BufferDepth reports the overflow buffer depth for one topic, for /metrics.
func (e *Emitter) BufferDepth(topic Topic) int {
	buf, ok := e.buffers[topic]
	if !ok {
		return 0
	}
	return len(*buf)
}

// Drain empties overflow buffers front-first, stopping on the first
// still-full hub dispatch. Buffers are owned by the event loop,
// so this must be called from the loop's own 100ms timer dispatch, never
// from a separate goroutine.
func (e *Emitter) Drain() {
	for _, t := range topics {
		buf := e.buffers[t]
		for len(*buf) > 0 {
			if !e.hub.tryPublish(string(t), (*buf)[0]) {
				break
			}
			*buf = (*buf)[1:]
		}
	}
}
