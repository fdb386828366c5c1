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

// observation is the client-side record of an active subscription: a GET
// whose response keeps arriving as further notifications instead of
// completing the exchange, RFC 7641 §3.
type observation struct {
	token   Token
	peer    net.Addr
	lastSeq uint32
	hasSeq  bool
}

// serverObservation is the server-side record of one registered watcher
// for a resource path.
type serverObservation struct {
	peer  net.Addr
	token Token
	path  string
	con   bool
}

// notifyIDEntry links a notification's message id back to the
// registration it was sent for, so a delayed RST cancelling that
// notification can be mapped to "stop observing" even though the
// original registration exchange has long since completed, RFC 7641
// §3.6.
type notifyIDEntry struct {
	addr string
	mid  uint16
	key  string
}

// observeEngine implements C8: resource observation on top of the
// transmission engine. It is owned by exactly one Context.
type observeEngine struct {
	ctx *Context

	// registrations holds every server-side watcher, keyed by peer
	// address + token.
	registrations map[string]*serverObservation
	// byPath indexes registration keys by observed path, for NotifyAsync
	// fan-out.
	byPath map[string]map[string]bool

	// pathSeq is the monotonically increasing 24-bit notify counter per
	// observed path, RFC 7641 §4.4.
	pathSeq map[string]uint32

	// notifyIDs is a bounded ring of recently sent notification message
	// ids, used to resolve a delayed RST back to the registration it
	// should cancel.
	notifyIDs    []notifyIDEntry
	notifyIDCap  int
}

func newObserveEngine(ctx *Context, notifyCacheSize int) *observeEngine {
	return &observeEngine{
		ctx:           ctx,
		registrations: make(map[string]*serverObservation),
		byPath:        make(map[string]map[string]bool),
		pathSeq:       make(map[string]uint32),
		notifyIDCap:   notifyCacheSize,
	}
}

func regKey(peer net.Addr, token Token) string {
	return peer.String() + "|" + string(token)
}

// seqLess reports whether v1 precedes v2 under RFC 7641 §3.4's 24-bit
// serial number comparison, i.e. whether a notification numbered v1 is
// stale once v2 has been seen. A number v1 supersedes v2 if either it is
// numerically greater by less than 2^23, or numerically smaller by more
// than 2^23 (wraparound); seqLess returns true for the opposite case.
func seqLess(v1, v2 uint32) bool {
	const window = 1 << 23
	if v1 == v2 {
		return false
	}
	if v1 > v2 {
		return v1-v2 >= window
	}
	return v2-v1 < window
}

// registerOrNotify handles an Observe-bearing response on a client
// exchange: the first time, it converts the exchange into a standing
// observation (freeing its NSTART slot so retransmission budget isn't
// wasted on something that no longer retransmits); every subsequent call
// delivers a notification, dropping any that arrive out of sequence.
func (e *observeEngine) registerOrNotify(ex *exchange, m *Message, seq uint32) error {
	c := e.ctx
	if ex.observe == nil {
		ex.observe = &observation{token: ex.token, peer: ex.peer, lastSeq: seq, hasSeq: true}
		c.promoteHeld(ex.peer)
		c.stats.observationsActive.Inc()
		if ex.onResponse != nil {
			ex.onResponse(ex.id, Result{Response: m})
		}
		return nil
	}

	if ex.observe.hasSeq && seqLess(seq, ex.observe.lastSeq) {
		return nil
	}
	ex.observe.lastSeq = seq
	ex.observe.hasSeq = true
	if ex.onResponse != nil {
		ex.onResponse(ex.id, Result{Response: m})
	}
	return nil
}

// CancelObservation ends a client-side observation by forgetting the
// exchange's bookkeeping. It sends nothing to the server and does not
// invoke the exchange's response handler; notifications that arrive
// afterwards match no exchange and are ignored.
func (c *Context) CancelObservation(id ExchangeID) error {
	ex, ok := c.reg.get(id)
	if !ok || ex.observe == nil {
		return ErrUnknownExchange
	}
	c.reg.remove(ex)
	c.stats.observationsActive.Dec()
	return nil
}

// observeRegister backs ObserveRegister: it records peer/token/path as a
// standing registration and returns the path's current Observe sequence
// value (0 until the first NotifyAsync for that path) to attach to the
// immediate response. Subsequent state changes are pushed with
// NotifyAsync.
func (c *Context) observeRegister(peer net.Addr, token Token, path string, con bool) uint32 {
	key := regKey(peer, token)
	reg := &serverObservation{peer: peer, token: token, path: path, con: con}
	c.observe.registrations[key] = reg
	if c.observe.byPath[path] == nil {
		c.observe.byPath[path] = make(map[string]bool)
	}
	c.observe.byPath[path][key] = true
	c.stats.observationsActive.Inc()
	return c.observe.pathSeq[path] & 0xffffff
}

// ObserveRegister should be called by a RequestHandlerFunc that accepts an
// Observe:0 GET, after deciding to grant the subscription. It returns the
// Observe sequence value to set on the option of the immediate response.
func (c *Context) ObserveRegister(peer net.Addr, token Token, path string, confirmableNotifications bool) uint32 {
	return c.observeRegister(peer, token, path, confirmableNotifications)
}

// NotifyAsync pushes a fresh representation of path to every registered
// observer of it, RFC 7641 §3.2. Each notification carries the next
// value of that path's 24-bit sequence counter.
func (c *Context) NotifyAsync(path string, result RequestResult) {
	e := c.observe
	keys := e.byPath[path]
	if len(keys) == 0 {
		return
	}
	e.pathSeq[path] = (e.pathSeq[path] + 1) & 0xffffff
	seq := e.pathSeq[path]

	for key := range keys {
		reg, ok := e.registrations[key]
		if !ok {
			continue
		}
		opts := result.Options.WithObserve(seq)
		m := &Message{
			Code:      result.Code,
			Token:     reg.token,
			Options:   opts,
			Payload:   result.Payload,
			MessageID: c.nextMessageID(),
		}
		if reg.con {
			m.Type = Confirmable
		} else {
			m.Type = NonConfirmable
		}
		if err := c.send(reg.peer, m); err != nil {
			logf(c.logger, "coap: notify to %s failed: %v", reg.peer, err)
			continue
		}
		c.stats.notificationsSent.Inc()
		e.rememberNotifyID(reg.peer, m.MessageID, key)
	}
}

// rememberNotifyID records that a notification with the given message id
// was sent for registration key, evicting the oldest entry once the
// configured cache size is exceeded.
func (e *observeEngine) rememberNotifyID(peer net.Addr, mid uint16, key string) {
	if e.notifyIDCap == 0 {
		return
	}
	e.notifyIDs = append(e.notifyIDs, notifyIDEntry{addr: peer.String(), mid: mid, key: key})
	if len(e.notifyIDs) > e.notifyIDCap {
		e.notifyIDs = e.notifyIDs[len(e.notifyIDs)-e.notifyIDCap:]
	}
}

// handleReset looks up a delayed RST against the notify-id cache and, if
// it matches a still-live registration, cancels that registration - the
// client has told us (possibly long after the fact) that it is no longer
// interested, RFC 7641 §3.6.
func (e *observeEngine) handleReset(peer net.Addr, mid uint16) {
	addr := peer.String()
	for i := len(e.notifyIDs) - 1; i >= 0; i-- {
		entry := e.notifyIDs[i]
		if entry.addr != addr || entry.mid != mid {
			continue
		}
		e.cancelRegistration(entry.key)
		return
	}
}

func (e *observeEngine) cancelRegistration(key string) {
	reg, ok := e.registrations[key]
	if !ok {
		return
	}
	delete(e.registrations, key)
	if paths := e.byPath[reg.path]; paths != nil {
		delete(paths, key)
	}
	e.ctx.stats.observationsActive.Dec()
}
