// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/ethereum/go-ethereum/log"
)

// LocationTopic is the pub/sub topic peer location state changes are published on.
const LocationTopic = "peerfinder.locations"

// LocationEvent is a state transition of a tracked peer location.
type LocationEvent struct {
	Handle uint64                `json:"handle"`
	Remote protocols.LocationRef `json:"remote"`
	Reason string                `json:"reason"`
	State  string                `json:"state"`
	Error  *protocols.Error      `json:"error,omitempty"`
	Time   time.Time             `json:"time"`
}

// newLocationEvent assembles the event of a peer location transition.
func newLocationEvent(instance *peerlocation.Instance, state peerlocation.State, now time.Time) LocationEvent {
	event := LocationEvent{
		Handle: instance.Handle(),
		Remote: instance.Remote(),
		Reason: instance.Reason().String(),
		State:  state.String(),
		Time:   now,
	}
	if state >= peerlocation.StateShuttingDown {
		event.Error = instance.Err()
	}
	return event
}

// publish queues a location event for every subscriber. Events are delivered
// in the order they were queued, each one acknowledged by all subscribers
// before the next is sent. Publishing never blocks the caller.
func (a *Account) publish(event LocationEvent) {
	blob, err := json.Marshal(event)
	if err != nil {
		a.logger.Error("Failed to marshal location event", "handle", event.Handle, "err", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), blob)
	queued := a.notifier.Post(func() {
		if err := a.events.Publish(LocationTopic, msg); err != nil {
			a.logger.Debug("Failed to publish location event", "handle", event.Handle, "err", err)
		}
	})
	if !queued {
		a.logger.Debug("Dropped location event after close", "handle", event.Handle, "state", event.State)
	}
}

// SubscribeLocations streams peer location events until the context is
// cancelled or the account is closed.
func (a *Account) SubscribeLocations(ctx context.Context) (<-chan LocationEvent, error) {
	msgs, err := a.events.Subscribe(ctx, LocationTopic)
	if err != nil {
		return nil, err
	}
	events := make(chan LocationEvent, eventBufferSize)
	go func() {
		defer close(events)

		for msg := range msgs {
			var event LocationEvent
			err := json.Unmarshal(msg.Payload, &event)
			msg.Ack()

			if err != nil {
				a.logger.Error("Failed to unmarshal location event", "err", err)
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// eventLogger routes the pub/sub internals into the account logger. Watermill
// is chatty, so its levels are shifted one notch down.
type eventLogger struct {
	logger log.Logger
}

// newEventLogger creates a watermill logger adapter on top of a go-ethereum
// logger.
func newEventLogger(logger log.Logger) watermill.LoggerAdapter {
	return &eventLogger{logger: logger.New("pubsub", LocationTopic)}
}

func (l *eventLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(flatten(fields), "err", err)...)
}

func (l *eventLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l *eventLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Trace(msg, flatten(fields)...)
}

func (l *eventLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Trace(msg, flatten(fields)...)
}

func (l *eventLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &eventLogger{logger: l.logger.New(flatten(fields)...)}
}

// flatten converts watermill fields into a sorted key-value context.
func flatten(fields watermill.LogFields) []interface{} {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ctx := make([]interface{}, 0, 2*len(keys))
	for _, key := range keys {
		ctx = append(ctx, key, fields[key])
	}
	return ctx
}
