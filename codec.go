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
)

const (
	protocolVersion = 1
	payloadMarker   = 0xff
	maxTokenLength  = 8
)

// Encode serialises m into its RFC 7252 §3 wire format, appending to dst
// and returning the extended slice. It encodes a stably sorted copy of
// m.Options, so callers need not sort them first; m itself is not
// modified.
func Encode(dst []byte, m *Message) ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, ErrInvalidToken
	}

	header := byte(protocolVersion<<6) | byte(m.Type&0x3)<<4 | byte(len(m.Token)&0xf)
	dst = append(dst, header, byte(m.Code), byte(m.MessageID>>8), byte(m.MessageID))
	dst = append(dst, m.Token...)

	opts := append(Options(nil), m.Options...)
	opts.Sort()

	var lastID OptionID
	for _, opt := range opts {
		delta := int(opt.ID) - int(lastID)
		if delta < 0 {
			return nil, fmt.Errorf("%w: options not sorted ascending", ErrMalformed)
		}
		lastID = opt.ID

		dByte, dExt, dExtLen := splitNibble(delta)
		lByte, lExt, lExtLen := splitNibble(len(opt.Value))

		dst = append(dst, byte(dByte<<4)|byte(lByte))
		dst = append(dst, dExt[:dExtLen]...)
		dst = append(dst, lExt[:lExtLen]...)
		dst = append(dst, opt.Value...)
	}

	if len(m.Payload) > 0 {
		dst = append(dst, payloadMarker)
		dst = append(dst, m.Payload...)
	}
	return dst, nil
}

// splitNibble computes the 4-bit nibble value and any extension bytes
// needed to encode n as a CoAP option delta or length, RFC 7252 §3.1.
func splitNibble(n int) (nibble int, ext [2]byte, extLen int) {
	switch {
	case n < 13:
		return n, ext, 0
	case n < 269:
		ext[0] = byte(n - 13)
		return 13, ext, 1
	default:
		e := n - 269
		ext[0] = byte(e >> 8)
		ext[1] = byte(e)
		return 14, ext, 2
	}
}

// Decode parses a single datagram into a Message. It returns
// ErrMalformed (wrapped with detail) for any framing violation: bad
// version, a reserved option length/delta nibble of 15 used anywhere but
// the payload marker, an option number sum exceeding 16 bits, a truncated
// option, or an Empty-code message that carries a token, options, or
// payload (RFC 7252 §4.1, §3). It does not check for repeated
// non-repeatable critical options (Options.CheckRepeatedCritical) - that
// violation is role-dependent (4.02 for a request, FAIL for a response)
// and is checked by the context once the message's role is known.
func Decode(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: datagram shorter than 4-byte header", ErrMalformed)
	}
	ver := b[0] >> 6
	if ver != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, ver)
	}
	typ := Type((b[0] >> 4) & 0x3)
	tkl := int(b[0] & 0xf)
	if tkl > maxTokenLength {
		return nil, fmt.Errorf("%w: token length %d exceeds 8", ErrMalformed, tkl)
	}
	code := Code(b[1])
	mid := uint16(b[2])<<8 | uint16(b[3])

	off := 4
	if off+tkl > len(b) {
		return nil, fmt.Errorf("%w: truncated token", ErrMalformed)
	}
	token := Token(append([]byte(nil), b[off:off+tkl]...))
	off += tkl

	var opts Options
	var lastID OptionID
	sawMarker := false
	for off < len(b) {
		if b[off] == payloadMarker {
			off++
			sawMarker = true
			break
		}
		deltaNibble := int(b[off] >> 4)
		lenNibble := int(b[off] & 0xf)
		off++

		delta, n, err := readExtended(b, off, deltaNibble)
		if err != nil {
			return nil, err
		}
		off += n

		length, n, err := readExtended(b, off, lenNibble)
		if err != nil {
			return nil, err
		}
		off += n

		if off+length > len(b) {
			return nil, fmt.Errorf("%w: truncated option value", ErrMalformed)
		}
		sum := int(lastID) + delta
		if sum > 0xffff {
			return nil, fmt.Errorf("%w: option number %d exceeds 16 bits", ErrMalformed, sum)
		}
		id := OptionID(sum)
		lastID = id
		opts = append(opts, Option{ID: id, Value: append([]byte(nil), b[off:off+length]...)})
		off += length
	}

	var payload []byte
	if off < len(b) {
		payload = append([]byte(nil), b[off:]...)
	} else if sawMarker {
		return nil, fmt.Errorf("%w: payload marker with zero-length payload", ErrMalformed)
	}

	if code == Empty && (tkl != 0 || len(opts) != 0 || len(payload) != 0) {
		return nil, fmt.Errorf("%w: empty-code message carries token/options/payload", ErrMalformed)
	}
	if typ == Reset && code != Empty {
		return nil, fmt.Errorf("%w: RST must carry code 0.00", ErrMalformed)
	}
	if typ == Acknowledgement {
		switch code.Class() {
		case 0, 2, 4, 5:
		default:
			return nil, fmt.Errorf("%w: ACK carries unexpected code class %d", ErrMalformed, code.Class())
		}
	}

	return &Message{Type: typ, Code: code, MessageID: mid, Token: token, Options: opts, Payload: payload}, nil
}

// peekHeader extracts the fixed header and token from a possibly-truncated
// datagram without touching options or payload. It succeeds as long as the
// declared token length actually fits in b, even when Decode would go on to
// fail further in - letting HandleIncomingPacket answer 4.13 Request Entity
// Too Large for a CON request cut short by the caller's input buffer,
// rather than silently dropping it the way a hopelessly malformed datagram
// is (RFC 7252 has no in-band truncation signal, so the token surviving
// intact is the best evidence available that only the tail was lost).
func peekHeader(b []byte) (typ Type, code Code, mid uint16, token Token, ok bool) {
	if len(b) < 4 {
		return 0, 0, 0, nil, false
	}
	if b[0]>>6 != protocolVersion {
		return 0, 0, 0, nil, false
	}
	tkl := int(b[0] & 0xf)
	if tkl > maxTokenLength || 4+tkl > len(b) {
		return 0, 0, 0, nil, false
	}
	typ = Type((b[0] >> 4) & 0x3)
	code = Code(b[1])
	mid = uint16(b[2])<<8 | uint16(b[3])
	token = Token(append([]byte(nil), b[4:4+tkl]...))
	return typ, code, mid, token, true
}

// readExtended resolves a 4-bit delta/length nibble into its actual
// integer value, consuming 0, 1, or 2 extension bytes from b starting at
// off, RFC 7252 §3.1. A nibble of 15 is reserved (the payload marker) and
// is never valid here, since Decode consumes 0xff before reaching this
// path.
func readExtended(b []byte, off, nibble int) (value, consumed int, err error) {
	switch nibble {
	case 15:
		return 0, 0, fmt.Errorf("%w: reserved nibble value 15 used as delta/length", ErrMalformed)
	case 13:
		if off >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated 1-byte option extension", ErrMalformed)
		}
		return int(b[off]) + 13, 1, nil
	case 14:
		if off+1 >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated 2-byte option extension", ErrMalformed)
		}
		return (int(b[off])<<8 | int(b[off+1])) + 269, 2, nil
	default:
		return nibble, 0, nil
	}
}
