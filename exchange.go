// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import "net"

// ExchangeID uniquely identifies one request/response exchange for the
// lifetime of a process. 0 is never issued and is used as a sentinel for
// "no exchange".
type ExchangeID uint64

// ExchangeKind distinguishes the two roles an exchange can play.
type ExchangeKind uint8

const (
	// ExchangeClient is an exchange this Context initiated by sending a
	// request and is awaiting a response to.
	ExchangeClient ExchangeKind = iota
	// ExchangeServer is an exchange a peer initiated by sending this
	// Context a request it is expected to answer.
	ExchangeServer
)

// ExchangeState tracks where an exchange sits in its lifecycle.
type ExchangeState uint8

const (
	// StateHeld means the exchange's outgoing CON is queued behind
	// NSTART admission control and has not yet been transmitted.
	StateHeld ExchangeState = iota
	// StateInFlight means a CON has been sent and is awaiting ACK/RST,
	// possibly having already been retransmitted.
	StateInFlight
	// StateAwaitingResponse means the CON was ACKed (empty ACK) and the
	// exchange is now waiting for a separate response.
	StateAwaitingResponse
	// StateDone means the exchange has produced a terminal result and is
	// only waiting to be reaped from the registry.
	StateDone
)

func (s ExchangeState) String() string {
	switch s {
	case StateHeld:
		return "held"
	case StateInFlight:
		return "in-flight"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Result is delivered to a client exchange's ResponseHandlerFunc exactly
// once, except for an exchange that has become an observation, which
// receives one Result for the registration response and one per accepted
// notification.
type Result struct {
	Response *Message
	Err      error
}

// ResponseHandlerFunc receives the terminal outcome of a client-initiated
// exchange: either a response (piggybacked or separate) or a terminal
// error (ErrResetReceived, ErrTimeout, ErrCancelled, a *SocketError, ...).
// It may re-enter the Context (e.g. to send a follow-up request) because
// the engine always detaches an exchange from its bookkeeping structures
// before invoking this callback.
type ResponseHandlerFunc func(id ExchangeID, result Result)

// RequestResult is what a server-side request handler hands back to the
// engine to describe the response it wants sent.
type RequestResult struct {
	Code    Code
	Options Options
	Payload []byte
}

// RequestHandlerFunc is invoked once a full request (with all block1
// chunks, if any, reassembled) has arrived for processing. It returns the
// response to send and whether the response should be deferred: if
// deferred is false, result is piggybacked on the ACK (or sent directly
// for a NON request) before the call returns. If deferred is true, the
// engine immediately sends an empty ACK (for a CON request) and the
// caller is responsible for later delivering the real response via
// Context.SetupAsyncResponse - the separate-response pattern of RFC 7252
// §5.2.2.
type RequestHandlerFunc func(req *Message, from net.Addr) (result RequestResult, deferred bool)

// PayloadWriterFunc supplies successive blocks of an outgoing body for a
// block-wise transfer (BLOCK1 request body, or BLOCK2 response body) when
// the full payload is not available up front. It is called once per
// block with the byte offset and maximum block size, and returns the
// bytes for that block plus whether more blocks follow.
type PayloadWriterFunc func(offset int64, maxSize int) (chunk []byte, more bool, err error)

// blockState tracks an in-progress block-wise transfer attached to one
// exchange, covering both outgoing chunking (client request body, server
// response body) and incoming reassembly (server request body, client
// response body).
type blockState struct {
	// writer supplies outgoing chunks, if this side is sending a body
	// too large for one datagram via a streaming producer (client
	// request bodies).
	writer PayloadWriterFunc

	// body buffers an outgoing response body known in full up front
	// (server response bodies are always already-assembled by the time
	// RequestHandlerFunc returns).
	body []byte

	// szx is the currently negotiated block size exponent; it can shrink
	// (never grow) mid-transfer if a peer renegotiates, RFC 7959 §2.5.
	szx uint8

	// nextNum is the sequence number of the next block to send or expect.
	nextNum uint32

	// reassembled accumulates incoming blocks until the final one
	// (More==false) arrives.
	reassembled []byte

	// etag pins the ETag the first response block carried, so later
	// blocks can be checked for continuity, RFC 7959 §2.4.
	etag    []byte
	hasETag bool
}

// exchange is the unified bookkeeping record for one request/response
// exchange, covering both the client role (we sent the request) and the
// server role (a peer sent it to us). kind picks which of the two
// callback fields is meaningful.
type exchange struct {
	id    ExchangeID
	kind  ExchangeKind
	state ExchangeState

	peer      net.Addr
	messageID uint16
	token     Token

	request  *Message
	response *Message

	retransmit retransmitState
	timer      TimerHandle
	hasTimer   bool

	onResponse ResponseHandlerFunc
	onRequest  RequestHandlerFunc

	block1 *blockState
	block2 *blockState

	// wantsObserve marks a client exchange whose request carried
	// Observe:0 (a registration attempt); once the first response comes
	// back carrying an Observe option too, the exchange converts into a
	// long-lived observation instead of completing.
	wantsObserve bool

	// observe is set once this client exchange has become an active
	// observation, so incoming notifications with the same token can be
	// routed to it without re-running request matching.
	observe *observation

	createdAt int64 // scheduler-relative; not set or read by the engine
}
