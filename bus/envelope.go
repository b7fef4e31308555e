// Package bus is the cross-process fanout relay: a change published by
// any worker process becomes visible to every process's local
// subscription manager, regardless of which process holds a given
// client's WebSocket.
//
// Three pieces cooperate:
//
//   - [Publisher] queues envelopes from request-handling code and drains
//     them to the forwarder on a dedicated goroutine.
//   - [Forwarder] is the rendezvous point: every envelope arriving on
//     any publish connection is rebroadcast to every subscribe
//     connection, decoupling how many processes publish from how many
//     subscribe.
//   - [Subscriber] receives envelopes and hands them to the local
//     [pubsub.Manager].
//
// Delivery is best-effort, at-most-once. A dropped envelope means a
// client's view is stale until its next refresh; the store remains the
// source of truth and clients may always re-fetch.
package bus

import "encoding/json"

// Envelope is the unit relayed through the forwarder. The exclude list
// travels with the message because only the process that handled the
// original write knows the originating connection id.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Exclude []string        `json:"exclude,omitempty"`
}

// Frame renders the topic-prefixed broadcast frame written to client
// connections: "<topic>:<payload>". A connection subscribed to several
// topics demultiplexes by string prefix before deserializing the rest.
func Frame(topic string, payload []byte) []byte {
	frame := make([]byte, 0, len(topic)+1+len(payload))
	frame = append(frame, topic...)
	frame = append(frame, ':')
	return append(frame, payload...)
}

// ExcludeSet converts an envelope's exclude list to the set form the
// subscription manager consumes.
func ExcludeSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
