// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package protocols defines the typed signaling documents exchanged with finders
// and between peer locations, along with the stream codecs carrying them.
//
// Only the fields the connection state machines inspect are modeled.
package protocols

import (
	"fmt"
)

// Error codes carried in error results.
const (
	CodeBadRequest   = 400 // Malformed or unexpected document
	CodeForbidden    = 403 // Credentials or proofs rejected
	CodeNotFound     = 404 // Target peer or location unknown
	CodeTimeout      = 408 // Request timed out locally
	CodeConflict     = 409 // Duplicate session or context
	CodeInternal     = 500 // Local failure while processing
	CodeUnavailable  = 503 // Transport gone before a reply arrived
	CodeShuttingDown = 599 // Owner shut down before completion
)

// Error is a protocol level failure returned in place of a typed result.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// Kind is the role of a document within an exchange.
type Kind int

const (
	KindRequest Kind = iota // Expects exactly one result or error
	KindResult              // Answer to a request, correlated by id
	KindNotify              // Fire and forget document
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResult:
		return "result"
	case KindNotify:
		return "notify"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Envelope is an envelope containing all possible documents received through
// either the finder session or a peer channel. Exactly one payload is set, or
// the error field for error results.
type Envelope struct {
	ID    string `json:"id,omitempty"`
	Error *Error `json:"error,omitempty"`

	SessionCreate          *SessionCreate          `json:"sessionCreate,omitempty"`
	SessionCreateResult    *SessionCreateResult    `json:"sessionCreateResult,omitempty"`
	SessionKeepAlive       *SessionKeepAlive       `json:"sessionKeepAlive,omitempty"`
	SessionKeepAliveResult *SessionKeepAliveResult `json:"sessionKeepAliveResult,omitempty"`
	SessionDelete          *SessionDelete          `json:"sessionDelete,omitempty"`
	SessionDeleteResult    *SessionDeleteResult    `json:"sessionDeleteResult,omitempty"`
	PeerLocationFind       *PeerLocationFind       `json:"peerLocationFind,omitempty"`
	PeerLocationFindResult *PeerLocationFindResult `json:"peerLocationFindResult,omitempty"`
	PeerLocationFindNotify *PeerLocationFindNotify `json:"peerLocationFindNotify,omitempty"`
	ChannelMapNotify       *ChannelMapNotify       `json:"channelMapNotify,omitempty"`

	PeerIdentify        *PeerIdentify        `json:"peerIdentify,omitempty"`
	PeerIdentifyResult  *PeerIdentifyResult  `json:"peerIdentifyResult,omitempty"`
	PeerKeepAlive       *PeerKeepAlive       `json:"peerKeepAlive,omitempty"`
	PeerKeepAliveResult *PeerKeepAliveResult `json:"peerKeepAliveResult,omitempty"`
	PeerDisconnect      *PeerDisconnect      `json:"peerDisconnect,omitempty"`
}

// Method returns the name of the document carried in the envelope.
func (env *Envelope) Method() string {
	switch {
	case env.SessionCreate != nil || env.SessionCreateResult != nil:
		return "session-create"
	case env.SessionKeepAlive != nil || env.SessionKeepAliveResult != nil:
		return "session-keepalive"
	case env.SessionDelete != nil || env.SessionDeleteResult != nil:
		return "session-delete"
	case env.PeerLocationFind != nil || env.PeerLocationFindResult != nil || env.PeerLocationFindNotify != nil:
		return "peer-location-find"
	case env.ChannelMapNotify != nil:
		return "channel-map"
	case env.PeerIdentify != nil || env.PeerIdentifyResult != nil:
		return "peer-identify"
	case env.PeerKeepAlive != nil || env.PeerKeepAliveResult != nil:
		return "peer-keepalive"
	case env.PeerDisconnect != nil:
		return "peer-disconnect"
	case env.Error != nil:
		return "error"
	default:
		return "unknown"
	}
}

// Kind returns the role of the document carried in the envelope.
func (env *Envelope) Kind() Kind {
	switch {
	case env.Error != nil,
		env.SessionCreateResult != nil, env.SessionKeepAliveResult != nil, env.SessionDeleteResult != nil,
		env.PeerLocationFindResult != nil, env.PeerIdentifyResult != nil, env.PeerKeepAliveResult != nil:
		return KindResult
	case env.PeerLocationFindNotify != nil, env.ChannelMapNotify != nil, env.PeerDisconnect != nil:
		return KindNotify
	default:
		return KindRequest
	}
}

// ErrorResult creates an error reply to a request.
func ErrorResult(id string, code int, reason string) *Envelope {
	return &Envelope{ID: id, Error: &Error{Code: code, Reason: reason}}
}
