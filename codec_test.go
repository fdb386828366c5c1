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
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		{Type: Confirmable, Code: GET, MessageID: 1, Token: Token{0x01, 0x02}},
		{Type: NonConfirmable, Code: Content, MessageID: 42, Payload: []byte("hello")},
		{Type: Acknowledgement, Code: Empty, MessageID: 7},
		{Type: Reset, Code: Empty, MessageID: 9},
	}
	cases[0].Options = cases[0].Options.WithUriPath("/sensors/temp")
	cases[1].Options = cases[1].Options.WithContentFormat(ContentFormatTextPlain)

	for i, in := range cases {
		raw, err := Encode(nil, in)
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if out.Type != in.Type || out.Code != in.Code || out.MessageID != in.MessageID {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, out, in)
		}
		if !bytes.Equal(out.Token, in.Token) {
			t.Fatalf("case %d: token mismatch: got %x want %x", i, out.Token, in.Token)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("case %d: payload mismatch: got %q want %q", i, out.Payload, in.Payload)
		}
	}
}

// ContentFormatTextPlain is RFC 7252's registered number for
// text/plain;charset=utf-8, used only by this test.
const ContentFormatTextPlain = 0

func TestDecodeRejectsBadVersion(t *testing.T) {
	raw := []byte{0x00, byte(GET), 0x00, 0x01} // version nibble 0
	_, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsEmptyCodeWithToken(t *testing.T) {
	m := &Message{Type: Acknowledgement, Code: Empty, MessageID: 5, Token: Token{0x01}}
	raw, err := Encode(nil, m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsResetWithNonEmptyCode(t *testing.T) {
	header := byte(protocolVersion<<6) | byte(Reset&0x3)<<4
	raw := []byte{header, byte(Content), 0x00, 0x01}
	_, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsTruncatedOption(t *testing.T) {
	header := byte(1<<6) | byte(Confirmable&0x3)<<4
	raw := []byte{header, byte(GET), 0x00, 0x01, 0xd1} // delta nibble 13 needs one more ext byte
	_, err := Decode(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodeRejectsOversizeToken(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1, Token: make(Token, 9)}
	_, err := Encode(nil, m)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// Decode itself only enforces framing; a repeated non-repeatable critical
// option decodes fine here and is only rejected once the context layer
// calls CheckRepeatedCritical, since the right response (4.02 vs FAIL)
// depends on whether the message is a request or a response.
func TestDecodeAcceptsRepeatedCriticalOption(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options = append(m.Options, Option{ID: OptionURIHost, Value: []byte("a")})
	m.Options = append(m.Options, Option{ID: OptionURIHost, Value: []byte("b")})
	raw, err := Encode(nil, m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if err := out.Options.CheckRepeatedCritical(); !errors.Is(err, ErrRepeatedCriticalOption) {
		t.Fatalf("expected ErrRepeatedCriticalOption from CheckRepeatedCritical, got %v", err)
	}
}

func TestOptionNumberSumBoundary(t *testing.T) {
	// A delta chain summing to exactly 65535 is the largest legal option
	// number and must decode cleanly.
	header := byte(1<<6) | byte(Confirmable&0x3)<<4
	raw := []byte{header, byte(GET), 0x00, 0x01}
	raw = append(raw, encodeOptionDelta(t, 65535)...)
	if _, err := Decode(raw); err != nil {
		t.Fatalf("option number 65535 should decode, got %v", err)
	}

	// One more pushes the running sum to 65536, past the 16-bit option
	// number space, and must be rejected rather than silently wrapping.
	raw2 := []byte{header, byte(GET), 0x00, 0x02}
	raw2 = append(raw2, encodeOptionDelta(t, 65535)...)
	raw2 = append(raw2, encodeOptionDelta(t, 1)...)
	if _, err := Decode(raw2); !errors.Is(err, ErrMalformed) {
		t.Fatalf("option number 65536 should be rejected as malformed, got %v", err)
	}
}

// encodeOptionDelta returns the raw encoding of a single zero-length
// option whose delta from whatever preceded it is delta, picking
// whichever of the three RFC 7252 delta forms (inline nibble, 1-byte
// extension, 2-byte extension) applies. Used to build option chains
// that land on a specific cumulative option number without going
// through the Options API, which has nothing registered up near 65535.
func encodeOptionDelta(t *testing.T, delta int) []byte {
	t.Helper()
	switch {
	case delta < 13:
		return []byte{byte(delta << 4)}
	case delta < 269:
		return []byte{0xd0, byte(delta - 13)}
	case delta <= 65535+269:
		ext := delta - 269
		return []byte{0xe0, byte(ext >> 8), byte(ext)}
	default:
		t.Fatalf("delta %d exceeds the 2-byte extended form", delta)
		return nil
	}
}

func TestOptionDeltaExtendedEncoding(t *testing.T) {
	// Option 300 forces the 2-byte delta extension path (>= 269).
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options = append(m.Options, Option{ID: OptionID(300), Value: []byte("x")})
	raw, err := Encode(nil, m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	opt, ok := out.Options.Find(OptionID(300))
	if !ok {
		t.Fatalf("option 300 missing after round-trip")
	}
	if string(opt.Value) != "x" {
		t.Fatalf("option value mismatch: %q", opt.Value)
	}
}
