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
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestContext(t *testing.T, cfg Config) (*Context, *fakeSocket, *fakeScheduler) {
	t.Helper()
	sock := newFakeSocket()
	sched := newFakeScheduler()
	ctx, err := NewContext(cfg, sock, sched, newFakePRNG(1, 2, 3, 4, 5), nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx, sock, sched
}

func decodeSent(t *testing.T, sock *fakeSocket, idx int) *Message {
	t.Helper()
	if idx >= len(sock.sent) {
		t.Fatalf("expected at least %d sent datagrams, got %d", idx+1, len(sock.sent))
	}
	m, err := Decode(sock.sent[idx].raw)
	if err != nil {
		t.Fatalf("decode sent datagram %d: %v", idx, err)
	}
	return m
}

func TestPiggybackedResponseDelivered(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	req.Options = req.Options.WithUriPath("/temp")

	var result Result
	var delivered bool
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		result, delivered = r, true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	sent := decodeSent(t, sock, 0)
	if sent.Type != Confirmable || sent.Code != GET {
		t.Fatalf("unexpected outgoing request: %+v", sent)
	}

	resp := &Message{Type: Acknowledgement, Code: Content, MessageID: sent.MessageID, Token: sent.Token, Payload: []byte("21.5C")}
	raw, err := Encode(nil, resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	if err := ctx.HandleIncomingPacket(peer, raw); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if !delivered {
		t.Fatalf("response handler was never invoked")
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !bytes.Equal(result.Response.Payload, []byte("21.5C")) {
		t.Fatalf("got payload %q", result.Response.Payload)
	}
}

func TestSeparateResponseDelivered(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	var result Result
	var delivered bool
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		result, delivered = r, true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	sent := decodeSent(t, sock, 0)

	// Empty ACK first - the server needs more time.
	emptyAck := &Message{Type: Acknowledgement, Code: Empty, MessageID: sent.MessageID}
	rawAck, _ := Encode(nil, emptyAck)
	if err := ctx.HandleIncomingPacket(peer, rawAck); err != nil {
		t.Fatalf("HandleIncomingPacket(empty ack): %v", err)
	}
	if delivered {
		t.Fatalf("empty ACK must not complete the exchange")
	}

	// Separate response, new message id, same token.
	sep := &Message{Type: Confirmable, Code: Content, MessageID: sent.MessageID + 100, Token: sent.Token, Payload: []byte("ok")}
	rawSep, _ := Encode(nil, sep)
	if err := ctx.HandleIncomingPacket(peer, rawSep); err != nil {
		t.Fatalf("HandleIncomingPacket(separate response): %v", err)
	}

	if !delivered {
		t.Fatalf("separate response was not delivered")
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if string(result.Response.Payload) != "ok" {
		t.Fatalf("got payload %q", result.Response.Payload)
	}

	// The separate response was CON, so we must have ACKed it.
	if len(sock.sent) != 2 {
		t.Fatalf("expected an ACK for the separate CON response, got %d sent datagrams", len(sock.sent))
	}
	ackSent := decodeSent(t, sock, 1)
	if ackSent.Type != Acknowledgement || ackSent.MessageID != sep.MessageID {
		t.Fatalf("unexpected ack for separate response: %+v", ackSent)
	}
}

func TestRetransmissionTimesOutAfterMaxRetransmit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 2 * time.Second
	cfg.AckRandomFactor = 1.0
	cfg.MaxRetransmit = 4

	ctx, sock, sched := newTestContext(t, cfg)
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	var result Result
	var delivered bool
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		result, delivered = r, true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("expected 1 initial transmission, got %d", len(sock.sent))
	}

	steps := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for _, d := range steps {
		sched.advance(d)
	}

	if !delivered {
		t.Fatalf("exchange never completed")
	}
	if !errors.Is(result.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", result.Err)
	}
	if len(sock.sent) != 5 {
		t.Fatalf("expected 5 total transmissions (1 + 4 retries), got %d", len(sock.sent))
	}
}

func TestResetCompletesExchangeWithError(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	var result Result
	var delivered bool
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		result, delivered = r, true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}
	sent := decodeSent(t, sock, 0)

	rst := &Message{Type: Reset, Code: Empty, MessageID: sent.MessageID}
	raw, _ := Encode(nil, rst)
	if err := ctx.HandleIncomingPacket(peer, raw); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if !delivered || !errors.Is(result.Err, ErrResetReceived) {
		t.Fatalf("expected ErrResetReceived, got delivered=%v err=%v", delivered, result.Err)
	}
}

func TestNStartOneHoldsSecondExchangeUntilFirstCompletes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NStart = 1
	ctx, sock, _ := newTestContext(t, cfg)
	peer := fakeAddr("peer:5683")

	var firstDone, secondDone bool
	_, err := ctx.SendAsyncRequest(peer, &Message{Code: GET}, nil, func(id ExchangeID, r Result) { firstDone = true })
	if err != nil {
		t.Fatalf("SendAsyncRequest 1: %v", err)
	}
	_, err = ctx.SendAsyncRequest(peer, &Message{Code: GET}, nil, func(id ExchangeID, r Result) { secondDone = true })
	if err != nil {
		t.Fatalf("SendAsyncRequest 2: %v", err)
	}

	if len(sock.sent) != 1 {
		t.Fatalf("expected only the first exchange's CON to be transmitted, got %d sends", len(sock.sent))
	}

	first := decodeSent(t, sock, 0)
	rst := &Message{Type: Reset, Code: Empty, MessageID: first.MessageID}
	raw, _ := Encode(nil, rst)
	if err := ctx.HandleIncomingPacket(peer, raw); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if !firstDone {
		t.Fatalf("first exchange should have completed")
	}
	if secondDone {
		t.Fatalf("second exchange should not complete yet")
	}
	if len(sock.sent) != 2 {
		t.Fatalf("expected the held exchange to be admitted and sent after the first completed, got %d sends", len(sock.sent))
	}
}

func TestBlockwiseGetReassembly(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	var result Result
	var delivered bool
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		result, delivered = r, true
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	sent0 := decodeSent(t, sock, 0)
	block0 := &Message{Type: Acknowledgement, Code: Content, MessageID: sent0.MessageID, Token: sent0.Token, Payload: []byte("first-block-0123")}
	block0.Options = block0.Options.WithBlock2(BlockOption{Num: 0, More: true, SZX: 0})
	raw0, _ := Encode(nil, block0)
	if err := ctx.HandleIncomingPacket(peer, raw0); err != nil {
		t.Fatalf("HandleIncomingPacket(block 0): %v", err)
	}
	if delivered {
		t.Fatalf("exchange should not complete before the final block")
	}
	if len(sock.sent) != 2 {
		t.Fatalf("expected a follow-up request for block 1, got %d sends", len(sock.sent))
	}

	sent1 := decodeSent(t, sock, 1)
	bo, present, err := sent1.Options.Block2()
	if !present || err != nil || bo.Num != 1 {
		t.Fatalf("expected follow-up Block2{Num:1}, got %+v present=%v err=%v", bo, present, err)
	}

	block1 := &Message{Type: Acknowledgement, Code: Content, MessageID: sent1.MessageID, Token: sent1.Token, Payload: []byte("second")}
	block1.Options = block1.Options.WithBlock2(BlockOption{Num: 1, More: false, SZX: 0})
	raw1, _ := Encode(nil, block1)
	if err := ctx.HandleIncomingPacket(peer, raw1); err != nil {
		t.Fatalf("HandleIncomingPacket(block 1): %v", err)
	}

	if !delivered {
		t.Fatalf("exchange should have completed after the final block")
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if string(result.Response.Payload) != "first-block-0123second" {
		t.Fatalf("got reassembled payload %q", result.Response.Payload)
	}
}

func TestObserveRegistrationAndNotification(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	req := &Message{Code: GET}
	req.Options = req.Options.WithObserve(0)

	var results []Result
	_, err := ctx.SendAsyncRequest(peer, req, nil, func(id ExchangeID, r Result) {
		results = append(results, r)
	})
	if err != nil {
		t.Fatalf("SendAsyncRequest: %v", err)
	}

	sent := decodeSent(t, sock, 0)
	first := &Message{Type: Acknowledgement, Code: Content, MessageID: sent.MessageID, Token: sent.Token, Payload: []byte("v1")}
	first.Options = first.Options.WithObserve(0)
	raw, _ := Encode(nil, first)
	if err := ctx.HandleIncomingPacket(peer, raw); err != nil {
		t.Fatalf("HandleIncomingPacket(registration response): %v", err)
	}
	if len(results) != 1 || results[0].Err != nil || string(results[0].Response.Payload) != "v1" {
		t.Fatalf("unexpected registration result: %+v", results)
	}

	notify := &Message{Type: Confirmable, Code: Content, MessageID: sent.MessageID + 50, Token: sent.Token, Payload: []byte("v2")}
	notify.Options = notify.Options.WithObserve(1)
	rawNotify, _ := Encode(nil, notify)
	if err := ctx.HandleIncomingPacket(peer, rawNotify); err != nil {
		t.Fatalf("HandleIncomingPacket(notification): %v", err)
	}

	if len(results) != 2 || results[1].Err != nil || string(results[1].Response.Payload) != "v2" {
		t.Fatalf("unexpected notification result: %+v", results)
	}
	if ctx.Stats().ObservationsActive() != 1 {
		t.Fatalf("expected 1 active observation, got %d", ctx.Stats().ObservationsActive())
	}
}

func TestCoAPPingAnsweredWithReset(t *testing.T) {
	ctx, sock, _ := newTestContext(t, DefaultConfig())
	peer := fakeAddr("peer:5683")

	ping := &Message{Type: Confirmable, Code: Empty, MessageID: 99}
	raw, _ := Encode(nil, ping)
	if err := ctx.HandleIncomingPacket(peer, raw); err != nil {
		t.Fatalf("HandleIncomingPacket: %v", err)
	}

	if len(sock.sent) != 1 {
		t.Fatalf("expected exactly one RST reply, got %d sends", len(sock.sent))
	}
	reply := decodeSent(t, sock, 0)
	if reply.Type != Reset || reply.Code != Empty || reply.MessageID != 99 {
		t.Fatalf("unexpected ping reply: %+v", reply)
	}
}
