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

import (
	"fmt"
	"net"
)

// Context is one logical peer's CoAP engine instance: the transmission
// engine (C6) plus the block-wise (C7) and observe (C8) extensions
// layered on top of it. It performs no I/O of its own; the caller feeds
// it inbound datagrams through HandleIncomingPacket and drives its timers
// through the Scheduler it was built with.
//
// A Context is not safe for concurrent use - it is meant to be driven
// from a single event loop goroutine, matching the cooperative scheduling
// model the whole engine is built around.
type Context struct {
	cfg    Config
	sock   Socket
	sched  Scheduler
	prng   PRNG
	logger Logger

	reg    *registry
	dedup  *dedupCache
	stats  Stats
	observe *observeEngine

	requestHandler RequestHandlerFunc

	midCounter uint16

	// block1Sessions holds in-progress server-side BLOCK1 request
	// reassembly, keyed by peer address + token, since a multi-block
	// request isn't otherwise represented by an exchange until it is
	// fully reassembled.
	block1Sessions map[string]*blockState
}

// NewContext builds a Context. sock, sched, and prng are the external
// collaborators described in external.go; logger may be nil.
func NewContext(cfg Config, sock Socket, sched Scheduler, prng PRNG, logger Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Context{
		cfg:    cfg,
		sock:   sock,
		sched:  sched,
		prng:   prng,
		logger: logger,
		reg:            newRegistry(cfg),
		dedup:          newDedupCache(cfg.ResponseCacheSize),
		block1Sessions: make(map[string]*blockState),
	}
	c.observe = newObserveEngine(c, cfg.NotifyCacheSize)
	c.midCounter = uint16(prng.NextUint32())
	return c, nil
}

// Stats returns the live counters for this Context.
func (c *Context) Stats() *Stats { return &c.stats }

// SetTransmissionParams validates cfg and, if valid, swaps it in for
// subsequent exchanges (existing in-flight retransmit schedules keep
// their already-computed timeouts). An invalid cfg leaves the previous
// one in effect and returns the validation error, mirroring
// original_source's udp_tx_params.c atomic-update behaviour.
func (c *Context) SetTransmissionParams(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.reg.cfg = cfg
	return nil
}

func (c *Context) nextMessageID() uint16 {
	c.midCounter++
	return c.midCounter
}

func (c *Context) nextToken() Token {
	v := c.prng.NextUint32()
	return Token([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// SendAsyncRequest begins a client exchange: req is sent to peer (as CON
// unless req.Type is already NON), and onResponse is invoked exactly once
// with the terminal outcome - a response, or a terminal error such as
// ErrResetReceived, ErrTimeout, or ErrCancelled. An Observe:0 request whose
// response carries Observe instead becomes an observation, and onResponse
// is then invoked for that response and again for every accepted
// notification. If req's body is larger
// than one block, blockWriter supplies successive BLOCK1 chunks; pass nil
// for a request that fits in req.Payload as-is.
func (c *Context) SendAsyncRequest(peer net.Addr, req *Message, blockWriter PayloadWriterFunc, onResponse ResponseHandlerFunc) (ExchangeID, error) {
	if req.Type != NonConfirmable {
		req.Type = Confirmable
	}
	req.MessageID = c.nextMessageID()
	if len(req.Token) == 0 {
		req.Token = c.nextToken()
	}

	seq, isObserveReq := req.Options.Observe()
	ex := &exchange{
		id:           c.reg.allocID(),
		kind:         ExchangeClient,
		peer:         peer,
		messageID:    req.MessageID,
		token:        req.Token,
		request:      req,
		onResponse:   onResponse,
		wantsObserve: isObserveReq && seq == 0,
	}
	if blockWriter != nil {
		ex.block1 = &blockState{writer: blockWriter, szx: MaxBlockSZX}
	}

	if req.Type == NonConfirmable {
		var sendErr error
		if ex.block1 != nil {
			sendErr = c.transmitNonBlocks(ex)
		} else {
			sendErr = c.send(peer, req)
		}
		if sendErr != nil {
			return 0, sendErr
		}
		// §4.6.1: a NON with no response handler retains no state at all
		// once it has been sent - there is nothing left to match a later
		// datagram against, so the invalid id is returned.
		if onResponse == nil {
			return 0, nil
		}
		c.reg.insert(ex)
		return ex.id, nil
	}

	c.reg.insert(ex)
	if c.reg.admit(ex) {
		ex.state = StateInFlight
		if err := c.transmitRequest(ex); err != nil {
			c.reg.remove(ex)
			return 0, err
		}
		c.armRetransmit(ex)
	}
	return ex.id, nil
}

// transmitRequest encodes and sends ex's current request, chunking
// through BLOCK1 if ex.block1 is set and the writer hasn't yet supplied
// the final chunk.
func (c *Context) transmitRequest(ex *exchange) error {
	req := ex.request
	if ex.block1 != nil {
		chunked, err := c.nextBlock1Chunk(ex)
		if err != nil {
			return err
		}
		req = chunked
	}
	return c.send(ex.peer, req)
}

func (c *Context) send(peer net.Addr, m *Message) error {
	buf, err := Encode(nil, m)
	if err != nil {
		return fmt.Errorf("encode outgoing message: %w", err)
	}
	if err := c.sock.Send(peer, buf); err != nil {
		return &SocketError{Err: err}
	}
	c.stats.messagesSent.Inc()
	return nil
}

func (c *Context) armRetransmit(ex *exchange) {
	rs := newRetransmitState(c.cfg, c.prng)
	ex.retransmit = rs
	ex.timer = c.sched.Schedule(rs.timeout, func() { c.handleRetransmitTimeout(ex.id) })
	ex.hasTimer = true
}

func (c *Context) handleRetransmitTimeout(id ExchangeID) {
	ex, ok := c.reg.get(id)
	if !ok || ex.state != StateInFlight {
		return
	}
	if ex.retransmit.exhausted() {
		c.stats.timeouts.Inc()
		c.finishClient(ex, Result{Err: fmt.Errorf("%w after %d retries", ErrTimeout, ex.retransmit.retries)})
		return
	}
	d := ex.retransmit.next()
	c.stats.retransmissions.Inc()
	if err := c.transmitRequest(ex); err != nil {
		c.finishClient(ex, Result{Err: err})
		return
	}
	ex.timer = c.sched.Schedule(d, func() { c.handleRetransmitTimeout(ex.id) })
}

// ExchangeCancel aborts a pending exchange (client or server) and
// delivers ErrCancelled to its registered callback, if any.
func (c *Context) ExchangeCancel(id ExchangeID) error {
	ex, ok := c.reg.get(id)
	if !ok {
		return ErrUnknownExchange
	}
	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
	}
	wasAdmitted := ex.kind == ExchangeClient && ex.state != StateHeld
	c.reg.remove(ex)
	if ex.kind == ExchangeClient && ex.onResponse != nil {
		ex.onResponse(ex.id, Result{Err: ErrCancelled})
	}
	if wasAdmitted {
		c.promoteHeld(ex.peer)
	}
	return nil
}

func (c *Context) finishClient(ex *exchange, result Result) {
	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
	}
	wasAdmitted := ex.state != StateHeld
	c.reg.remove(ex)
	if ex.onResponse != nil {
		ex.onResponse(ex.id, result)
	}
	if wasAdmitted {
		c.promoteHeld(ex.peer)
	}
}

// promoteHeld admits the next NSTART-held exchange for peer, if any, now
// that one has freed up a slot.
func (c *Context) promoteHeld(peer net.Addr) {
	next, ok := c.reg.release(peer)
	if !ok {
		return
	}
	next.state = StateInFlight
	if err := c.transmitRequest(next); err != nil {
		c.finishClient(next, Result{Err: err})
		return
	}
	c.armRetransmit(next)
}

// SetRequestHandler installs the function invoked for every inbound
// request once it is fully reassembled (all BLOCK1 chunks received, if
// any). There is one handler per Context, matching a single logical
// resource tree being served.
func (c *Context) SetRequestHandler(fn RequestHandlerFunc) {
	c.requestHandler = fn
}

// HandleIncomingPacket is the single entry point for inbound data: the
// caller reads one datagram from its Socket (or equivalent) and passes it
// here along with the sender's address. It decodes the datagram, matches
// it to an existing exchange or starts a new server-side one, and invokes
// whatever user callbacks that implies - synchronously, before returning.
func (c *Context) HandleIncomingPacket(peer net.Addr, raw []byte) error {
	m, err := Decode(raw)
	if err != nil {
		c.stats.malformedDropped.Inc()
		// §8 boundary behaviour: a CON request whose token survived
		// intact but whose framing falls apart past that point reads as
		// "the caller's input buffer truncated it", not as an arbitrary
		// malformed datagram - answer 4.13 instead of staying silent. If
		// even the token didn't fully arrive there is nothing to key a
		// reply on, so it is dropped like any other framing error.
		if typ, code, mid, token, ok := peekHeader(raw); ok && typ == Confirmable && code.IsRequest() {
			resp := &Message{Type: Acknowledgement, Code: RequestEntityTooLarge, MessageID: mid, Token: token}
			logf(c.logger, "coap: truncated CON request from %s, replying 4.13: %v", peer, err)
			return c.send(peer, resp)
		}
		logf(c.logger, "coap: dropping malformed datagram from %s: %v", peer, err)
		return nil
	}
	c.stats.messagesReceived.Inc()

	switch m.Type {
	case Acknowledgement, Reset:
		return c.handleEmptyOrPiggyback(peer, m)
	case Confirmable, NonConfirmable:
		return c.handleRequestOrNotification(peer, m)
	default:
		return nil
	}
}

// handleEmptyOrPiggyback processes an ACK (empty or piggybacked) or an
// RST, matching it to the client exchange that sent the original CON.
func (c *Context) handleEmptyOrPiggyback(peer net.Addr, m *Message) error {
	ex, ok := c.reg.byMessageIDLookup(peer, m.MessageID)
	if !ok {
		// Could be a notify-cancelling RST for an observation whose
		// original exchange has already completed; the observe engine
		// tracks those by a separate notify-id cache.
		if m.Type == Reset {
			c.observe.handleReset(peer, m.MessageID)
		}
		return nil
	}
	if ex.kind != ExchangeClient {
		return nil
	}

	// §4.6.2 tie-break: an ACK carrying a piggybacked response shares our
	// message-id by construction, but if its token doesn't match the
	// request we sent it belongs to some other exchange - ignore it with
	// no state change and no handler call.
	if m.Code != Empty && string(m.Token) != string(ex.token) {
		return nil
	}

	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
		ex.hasTimer = false
	}

	if m.Type == Reset {
		c.finishClient(ex, Result{Err: ErrResetReceived})
		return nil
	}

	if m.Code == Empty {
		// Empty ACK: the real response will arrive separately, carrying
		// the same token but a fresh message id.
		ex.state = StateAwaitingResponse
		c.reg.byToken[tokenKey{addr: peer.String(), token: string(ex.token)}] = ex
		return nil
	}

	if err := m.Options.CheckRepeatedCritical(); err != nil {
		c.finishClient(ex, Result{Err: err})
		return nil
	}

	return c.deliverResponse(ex, m)
}

// handleRequestOrNotification dispatches an inbound CON/NON: it is
// either a brand new request for us to serve, a continuation of a
// BLOCK1 request body, a CoAP-Ping, or a notification for an active
// observation (matched by token, a separate response carrying Observe).
func (c *Context) handleRequestOrNotification(peer net.Addr, m *Message) error {
	if m.Code == Empty {
		return c.handlePing(peer, m)
	}

	if !m.Code.IsRequest() {
		// A separate response (possibly a notification) arriving as
		// CON/NON rather than piggybacked on an ACK.
		if ex, ok := c.reg.byTokenLookup(peer, m.Token); ok && ex.kind == ExchangeClient {
			if m.Type == Confirmable {
				c.sendEmptyAck(peer, m.MessageID)
			}
			if err := m.Options.CheckRepeatedCritical(); err != nil {
				c.finishClient(ex, Result{Err: err})
				return nil
			}
			if seq, isNotify := m.Options.Observe(); isNotify && (ex.observe != nil || ex.wantsObserve) {
				return c.observe.registerOrNotify(ex, m, seq)
			}
			return c.deliverResponse(ex, m)
		}
		return nil
	}

	return c.handleServerRequest(peer, m)
}

// handlePing answers a CoAP-Ping (a CON carrying code 0.00) with a
// matching RST, the probe mechanism of RFC 7252 §4.3, supplemented per
// SPEC_FULL.md §12 (grounded on original_source's async_server.c ping
// handling, which never invokes any application callback for it).
func (c *Context) handlePing(peer net.Addr, m *Message) error {
	if m.Type != Confirmable {
		return nil
	}
	rst := &Message{Type: Reset, Code: Empty, MessageID: m.MessageID}
	return c.send(peer, rst)
}

func (c *Context) sendEmptyAck(peer net.Addr, mid uint16) error {
	ack := &Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
	return c.send(peer, ack)
}

func (c *Context) deliverResponse(ex *exchange, m *Message) error {
	if ex.block1 != nil && m.Code == Continue {
		return c.advanceBlock1(ex, m)
	}
	if ex.block2 != nil || hasBlock2(m) {
		done, full, err := c.reassembleBlock2(ex, m)
		if err != nil {
			c.finishClient(ex, Result{Err: err})
			return nil
		}
		if !done {
			return nil
		}
		m = full
	}

	if seq, isObserve := m.Options.Observe(); isObserve && ex.wantsObserve {
		return c.observe.registerOrNotify(ex, m, seq)
	}

	c.finishClient(ex, Result{Response: m})
	return nil
}

func hasBlock2(m *Message) bool {
	_, ok := m.Options.Find(OptionBlock2)
	return ok
}

// handleServerRequest processes an inbound request this Context must
// answer: a fresh request, a duplicate of one already answered (replayed
// from the dedup cache), or the next chunk of a BLOCK1 body still being
// reassembled.
func (c *Context) handleServerRequest(peer net.Addr, m *Message) error {
	if raw, ok := c.dedup.Lookup(peer, m.MessageID); ok {
		c.stats.duplicatesDropped.Inc()
		return c.sock.Send(peer, raw)
	}

	if err := m.Options.CheckRepeatedCritical(); err != nil {
		return c.respondError(peer, m, BadOption, err)
	}

	if bo, present, err := m.Options.Block2(); present {
		if err != nil {
			return c.respondError(peer, m, BadOption, err)
		}
		if ex, ok := c.reg.byTokenLookup(peer, m.Token); ok && ex.kind == ExchangeServer && ex.block2 != nil {
			// §4.7.2: a continuation request must ask for exactly the
			// next block after the one we last sent. Anything else
			// (replay of an old block, a skip, a client restarting with
			// Num=0) is treated as a brand new exchange rather than
			// resuming this one, so the stale transfer is dropped and
			// control falls through to dispatchServerRequest below.
			if bo.Num == ex.block2.nextNum+1 {
				if bo.SZX < ex.block2.szx {
					ex.block2.szx = bo.SZX
				}
				ex.block2.nextNum = bo.Num
				ex.messageID = m.MessageID
				return c.sendNextBlock2(peer, ex)
			}
			c.reg.remove(ex)
		}
	}

	if bo, present, err := m.Options.Block1(); present {
		if err != nil {
			return c.respondError(peer, m, BadOption, err)
		}
		return c.handleBlock1Chunk(peer, m, bo)
	}

	return c.dispatchServerRequest(peer, m, m.Payload)
}

// dispatchServerRequest invokes the registered handler with a fully
// reassembled request body and sends whatever response it produces,
// chunking it through BLOCK2 if requested or if the body is too large for
// one datagram.
func (c *Context) dispatchServerRequest(peer net.Addr, m *Message, fullBody []byte) error {
	if c.requestHandler == nil {
		return c.respondError(peer, m, NotImplemented, nil)
	}
	reqCopy := *m
	reqCopy.Payload = fullBody
	result, deferred := c.requestHandler(&reqCopy, peer)

	ex := &exchange{
		id:        c.reg.allocID(),
		kind:      ExchangeServer,
		peer:      peer,
		messageID: m.MessageID,
		token:     m.Token,
		request:   &reqCopy,
	}

	if wantBlock2, szx := c.wantsBlock2(m, result.Payload); wantBlock2 {
		ex.block2 = &blockState{szx: szx, body: result.Payload}
		if tag, ok := result.Options.ETag(); ok {
			ex.block2.etag, ex.block2.hasETag = tag, true
		}
	}

	if deferred {
		c.reg.insert(ex)
		if m.Type == Confirmable {
			return c.sendEmptyAck(peer, m.MessageID)
		}
		return nil
	}

	return c.sendServerResponse(peer, m, ex, result)
}

// wantsBlock2 decides whether the response body must be split: either
// the requester capped the block size via its own Block2 option, or the
// body simply exceeds the largest negotiated block size.
func (c *Context) wantsBlock2(req *Message, body []byte) (bool, uint8) {
	if bo, present, err := req.Options.Block2(); present && err == nil {
		if len(body) > bo.Size() {
			return true, bo.SZX
		}
	}
	if len(body) > szxToSize[MaxBlockSZX] {
		szx, _ := SZXForSize(szxToSize[MaxBlockSZX])
		return true, szx
	}
	return false, 0
}

func (c *Context) sendServerResponse(peer net.Addr, req *Message, ex *exchange, result RequestResult) error {
	resp := &Message{
		Code:    result.Code,
		Token:   req.Token,
		Options: result.Options,
		Payload: result.Payload,
	}
	if req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = NonConfirmable
		resp.MessageID = c.nextMessageID()
	}

	if ex.block2 != nil {
		ex.request = req
		ex.response = resp
		ex.messageID = req.MessageID
		c.reg.insert(ex)
		return c.sendNextBlock2(peer, ex)
	}

	buf, err := Encode(nil, resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := c.sock.Send(peer, buf); err != nil {
		return &SocketError{Err: err}
	}
	c.stats.messagesSent.Inc()
	c.dedup.Store(peer, req.MessageID, buf)
	return nil
}

// respondError sends a minimal error response (4.xx/5.xx, no body) for a
// request the engine itself rejects before it ever reaches the
// application handler - e.g. a malformed Block1/Block2 option.
func (c *Context) respondError(peer net.Addr, req *Message, code Code, cause error) error {
	logf(c.logger, "coap: rejecting request from %s with %s: %v", peer, code, cause)
	resp := &Message{Code: code, Token: req.Token}
	if req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = NonConfirmable
		resp.MessageID = c.nextMessageID()
	}
	return c.send(peer, resp)
}

// AcceptAsyncRequest sends an empty ACK for the registered server exchange
// id if its request was a CON, and does nothing for a NON. Only server
// exchanges whose handler returned deferred=true, and BLOCK2 responses
// still being sent, are registered; a deferred CON request has already
// been answered with an empty ACK by the time the handler returns, so
// calling this for it sends a second one.
func (c *Context) AcceptAsyncRequest(id ExchangeID) error {
	ex, ok := c.reg.get(id)
	if !ok || ex.kind != ExchangeServer {
		return ErrUnknownExchange
	}
	if ex.request.Type != Confirmable {
		return nil
	}
	return c.sendEmptyAck(ex.peer, ex.messageID)
}

// SetupAsyncResponse delivers the real response for a server exchange
// previously deferred (RequestHandlerFunc returned deferred=true, or
// AcceptAsyncRequest was called directly). It is the separate-response
// half of RFC 7252 §5.2.2.
func (c *Context) SetupAsyncResponse(id ExchangeID, result RequestResult) error {
	ex, ok := c.reg.get(id)
	if !ok || ex.kind != ExchangeServer {
		return ErrUnknownExchange
	}
	c.reg.remove(ex)
	return c.sendServerResponse(ex.peer, ex.request, ex, result)
}
