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

// This file implements the block-wise transfer extension (RFC 7959): C7
// on top of the transmission engine in context.go. Two independent
// directions are covered: chunking an outgoing body we control (BLOCK1
// for a client request, BLOCK2 for a server response) and reassembling
// an incoming chunked body (BLOCK1 for a server request, BLOCK2 for a
// client response).

// nextBlock1Chunk produces the next outgoing BLOCK1 chunk for a client
// exchange, pulling from its PayloadWriterFunc at the current block
// offset. It does not advance the block counter - advancement only
// happens once the peer acknowledges the chunk just sent, in
// advanceBlock1, so that retransmissions of an unacknowledged chunk keep
// resending the same bytes.
func (c *Context) nextBlock1Chunk(ex *exchange) (*Message, error) {
	bs := ex.block1
	size := szxToSize[bs.szx]
	offset := int64(bs.nextNum) * int64(size)

	chunk, more, err := bs.writer(offset, size)
	if err != nil {
		return nil, fmt.Errorf("block1 payload writer: %w", err)
	}

	m := *ex.request
	m.Payload = chunk
	m.Options = ex.request.Options.WithBlock1(BlockOption{Num: bs.nextNum, More: more, SZX: bs.szx})
	return &m, nil
}

// transmitNonBlocks sends every BLOCK1 chunk of a NON request back to
// back, without waiting for any acknowledgement: per §4.7.4, a NON has no
// ACK to renegotiate block size against, so the whole body goes out in
// blocks of the size ex.block1 started with.
func (c *Context) transmitNonBlocks(ex *exchange) error {
	for {
		m, err := c.nextBlock1Chunk(ex)
		if err != nil {
			return err
		}
		if err := c.send(ex.peer, m); err != nil {
			return err
		}
		bo, present, _ := m.Options.Block1()
		if !present || !bo.More {
			return nil
		}
		ex.block1.nextNum++
		ex.request.MessageID = c.nextMessageID()
		ex.messageID = ex.request.MessageID
	}
}

// advanceBlock1 handles a 2.31 Continue response to an outgoing BLOCK1
// chunk: it applies any block size renegotiation the peer requested (RFC
// 7959 §2.5), advances to the next block, and transmits it.
func (c *Context) advanceBlock1(ex *exchange, m *Message) error {
	bo, present, err := m.Options.Block1()
	if !present || err != nil {
		c.finishClient(ex, Result{Err: fmt.Errorf("%w: missing or invalid Block1 in 2.31 Continue", ErrMalformedBlockOption)})
		return nil
	}

	bs := ex.block1
	if bo.SZX < bs.szx {
		covered := int64(bs.nextNum+1) * int64(szxToSize[bs.szx])
		bs.szx = bo.SZX
		bs.nextNum = uint32(covered / int64(szxToSize[bs.szx]))
	} else {
		bs.nextNum++
	}
	if bs.nextNum > MaxBlockNum {
		c.finishClient(ex, Result{Err: ErrBlockRenegotiationOverflow})
		return nil
	}

	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
	}
	ex.request.MessageID = c.nextMessageID()
	oldMid := ex.messageID
	ex.messageID = ex.request.MessageID
	c.reg.reindexMessageID(ex, oldMid)

	if err := c.transmitRequest(ex); err != nil {
		c.finishClient(ex, Result{Err: err})
		return nil
	}
	c.armRetransmit(ex)
	return nil
}

// reassembleBlock2 folds one incoming BLOCK2 response chunk into ex's
// running buffer, requesting the next block if more are promised and
// returning the fully reassembled response once the final chunk (More ==
// false) arrives.
func (c *Context) reassembleBlock2(ex *exchange, m *Message) (done bool, full *Message, err error) {
	bo, present, decErr := m.Options.Block2()
	if !present {
		return true, m, nil
	}
	if decErr != nil {
		return false, nil, decErr
	}
	if bo.More && len(m.Payload) < bo.Size() {
		return false, nil, fmt.Errorf("%w: more=1 with payload %dB shorter than block size %dB", ErrMalformedBlockOption, len(m.Payload), bo.Size())
	}

	if ex.block2 == nil {
		ex.block2 = &blockState{szx: bo.SZX}
		if tag, ok := m.Options.ETag(); ok {
			ex.block2.etag, ex.block2.hasETag = tag, true
		}
	} else if ex.block2.hasETag {
		tag, ok := m.Options.ETag()
		if !ok || string(tag) != string(ex.block2.etag) {
			return false, nil, ErrETagMismatch
		}
	}

	// §4.7.3: a block bigger than we're willing to buffer can't be kept.
	// Retry the remaining transfer at a smaller block size instead of
	// failing the exchange outright - only the tail from the current
	// offset needs re-fetching, since everything reassembled so far is
	// still good.
	if c.cfg.InputBufferSize > 0 && bo.Size() > c.cfg.InputBufferSize {
		return false, nil, c.retryBlock2Smaller(ex)
	}

	ex.block2.reassembled = append(ex.block2.reassembled, m.Payload...)

	if !bo.More {
		reassembled := ex.block2.reassembled
		return true, &Message{
			Type:      m.Type,
			Code:      m.Code,
			MessageID: m.MessageID,
			Token:     m.Token,
			Options:   m.Options,
			Payload:   reassembled,
		}, nil
	}

	next := BlockOption{Num: bo.Num + 1, More: false, SZX: bo.SZX}
	ex.block2.nextNum = next.Num

	req := *ex.request
	req.Options = ex.request.Options.WithBlock2(next)
	req.Type = Confirmable
	req.MessageID = c.nextMessageID()
	oldMid := ex.messageID
	ex.request = &req
	ex.messageID = req.MessageID
	c.reg.reindexMessageID(ex, oldMid)

	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
	}
	if sendErr := c.send(ex.peer, &req); sendErr != nil {
		return false, nil, sendErr
	}
	c.armRetransmit(ex)
	return false, nil, nil
}

// retryBlock2Smaller restarts the remaining Block2 transfer at a smaller
// block size after the peer sent a block too large for this Context to
// buffer, resuming from the offset already reassembled rather than
// re-fetching the whole body.
func (c *Context) retryBlock2Smaller(ex *exchange) error {
	newSZX, newSize := SZXForSize(c.cfg.InputBufferSize)
	offset := int64(len(ex.block2.reassembled))
	next := BlockOption{Num: uint32(offset / int64(newSize)), More: false, SZX: newSZX}
	ex.block2.szx = newSZX
	ex.block2.nextNum = next.Num

	req := *ex.request
	req.Options = ex.request.Options.WithBlock2(next)
	req.Type = Confirmable
	req.MessageID = c.nextMessageID()
	oldMid := ex.messageID
	ex.request = &req
	ex.messageID = req.MessageID
	c.reg.reindexMessageID(ex, oldMid)

	if ex.hasTimer {
		c.sched.Cancel(ex.timer)
	}
	if err := c.send(ex.peer, &req); err != nil {
		return err
	}
	c.armRetransmit(ex)
	return nil
}

// handleBlock1Chunk folds one incoming BLOCK1 request chunk into the
// server-side reassembly buffer for (peer, token), replying 2.31
// Continue until the final chunk arrives, at which point the full body
// is handed to dispatchServerRequest.
func (c *Context) handleBlock1Chunk(peer net.Addr, m *Message, bo BlockOption) error {
	key := peer.String() + "|" + string(m.Token)

	bs, ok := c.block1Sessions[key]
	if !ok {
		bs = &blockState{szx: bo.SZX}
		c.block1Sessions[key] = bs
	}

	offset := bo.Offset()
	if int64(len(bs.reassembled)) != offset {
		delete(c.block1Sessions, key)
		return c.respondError(peer, m, RequestEntityIncomplete,
			fmt.Errorf("%w: out-of-order block1 num=%d offset=%d buffered=%d", ErrMalformedBlockOption, bo.Num, offset, len(bs.reassembled)))
	}
	if bo.More && len(m.Payload) < bo.Size() {
		delete(c.block1Sessions, key)
		return c.respondError(peer, m, BadOption,
			fmt.Errorf("%w: more=1 with payload %dB shorter than block size %dB", ErrMalformedBlockOption, len(m.Payload), bo.Size()))
	}
	bs.reassembled = append(bs.reassembled, m.Payload...)

	if bo.More {
		resp := &Message{Code: Continue, Token: m.Token}
		resp.Options = resp.Options.WithBlock1(BlockOption{Num: bo.Num, More: true, SZX: bo.SZX})
		if m.Type == Confirmable {
			resp.Type = Acknowledgement
			resp.MessageID = m.MessageID
		} else {
			resp.Type = NonConfirmable
			resp.MessageID = c.nextMessageID()
		}
		return c.send(peer, resp)
	}

	full := bs.reassembled
	delete(c.block1Sessions, key)
	return c.dispatchServerRequest(peer, m, full)
}

// sendNextBlock2 sends the block of ex.block2's buffered response body
// currently selected by ex.block2.nextNum/szx, removing ex from the
// registry once the final block has gone out.
func (c *Context) sendNextBlock2(peer net.Addr, ex *exchange) error {
	bs := ex.block2
	size := szxToSize[bs.szx]
	offset := int(bs.nextNum) * size

	var chunk []byte
	more := false
	if offset < len(bs.body) {
		end := offset + size
		if end >= len(bs.body) {
			end = len(bs.body)
		} else {
			more = true
		}
		chunk = bs.body[offset:end]
	}

	opts := ex.response.Options.without(OptionBlock2).WithBlock2(BlockOption{Num: bs.nextNum, More: more, SZX: bs.szx})
	if bs.hasETag {
		opts = opts.WithETag(bs.etag)
	}

	resp := &Message{
		Code:    ex.response.Code,
		Token:   ex.token,
		Options: opts,
		Payload: chunk,
	}
	if ex.request.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = ex.messageID
	} else {
		resp.Type = NonConfirmable
		resp.MessageID = c.nextMessageID()
	}

	buf, err := Encode(nil, resp)
	if err != nil {
		return fmt.Errorf("encode block2 response: %w", err)
	}
	if err := c.sock.Send(peer, buf); err != nil {
		return &SocketError{Err: err}
	}
	c.stats.messagesSent.Inc()
	c.dedup.Store(peer, resp.MessageID, buf)

	if !more {
		c.reg.remove(ex)
	}
	return nil
}
