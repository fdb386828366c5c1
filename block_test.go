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
	"errors"
	"testing"
)

func TestBlockOptionEncodeDecodeRoundTrip(t *testing.T) {
	cases := []BlockOption{
		{Num: 0, More: true, SZX: 6},
		{Num: 1, More: false, SZX: 0},
		{Num: 1048575, More: true, SZX: 3}, // MaxBlockNum
	}
	for _, in := range cases {
		enc := EncodeBlockOption(in)
		out, err := DecodeBlockOption(enc)
		if err != nil {
			t.Fatalf("decode %+v: %v", in, err)
		}
		if out != in {
			t.Fatalf("round-trip mismatch: got %+v want %+v", out, in)
		}
	}
}

func TestDecodeBlockOptionRejectsBERT(t *testing.T) {
	// SZX=7 (BERT) packed with Num=0, More=false.
	_, err := DecodeBlockOption([]byte{0x07})
	if !errors.Is(err, ErrInvalidBlockSZX) {
		t.Fatalf("expected ErrInvalidBlockSZX, got %v", err)
	}
}

func TestDecodeBlockOptionRejectsOverlongValue(t *testing.T) {
	_, err := DecodeBlockOption([]byte{0, 0, 0, 0})
	if !errors.Is(err, ErrMalformedBlockOption) {
		t.Fatalf("expected ErrMalformedBlockOption, got %v", err)
	}
}

func TestSZXForSizeClampsToLargestFit(t *testing.T) {
	szx, size := SZXForSize(500)
	if size > 500 {
		t.Fatalf("SZXForSize(500) returned size %d > 500", size)
	}
	if szx != 4 { // 256 bytes
		t.Fatalf("got szx %d, want 4", szx)
	}
}

func TestBlockOptionSizeAndOffset(t *testing.T) {
	b := BlockOption{Num: 3, SZX: 2} // 64-byte blocks
	if b.Size() != 64 {
		t.Fatalf("got size %d", b.Size())
	}
	if b.Offset() != 192 {
		t.Fatalf("got offset %d", b.Offset())
	}
}
