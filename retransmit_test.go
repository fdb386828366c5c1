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
	"testing"
	"time"
)

func TestRandomizedTimeoutDeterministicAtFactorOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckRandomFactor = 1.0
	prng := newFakePRNG(0xffffffff) // would matter if factor > 1
	got := randomizedTimeout(cfg, prng)
	if got != cfg.AckTimeout {
		t.Fatalf("got %v, want %v", got, cfg.AckTimeout)
	}
}

func TestRandomizedTimeoutWithinBounds(t *testing.T) {
	cfg := DefaultConfig() // AckTimeout=2s, AckRandomFactor=1.5
	for _, raw := range []uint32{0, 1 << 31, 0xffffffff} {
		got := randomizedTimeout(cfg, newFakePRNG(raw))
		if got < cfg.AckTimeout {
			t.Fatalf("timeout %v below ACK_TIMEOUT %v", got, cfg.AckTimeout)
		}
		max := time.Duration(float64(cfg.AckTimeout) * cfg.AckRandomFactor)
		if got > max {
			t.Fatalf("timeout %v above ACK_TIMEOUT*ACK_RANDOM_FACTOR %v", got, max)
		}
	}
}

// TestCorrectBackoffDoubles mirrors original_source's udp_tx_params.c
// correct_backoff test: under deterministic transmission parameters,
// each retry exactly doubles the previous timeout.
func TestCorrectBackoffDoubles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 2 * time.Second
	cfg.AckRandomFactor = 1.0
	cfg.MaxRetransmit = 4

	rs := newRetransmitState(cfg, newFakePRNG(0))
	if rs.timeout != 2*time.Second {
		t.Fatalf("initial timeout = %v, want 2s", rs.timeout)
	}

	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		if rs.exhausted() {
			t.Fatalf("retry %d: unexpectedly exhausted", i)
		}
		got := rs.next()
		if got != w {
			t.Fatalf("retry %d: got %v, want %v", i, got, w)
		}
	}
	if !rs.exhausted() {
		t.Fatalf("expected exhausted after %d retries", cfg.MaxRetransmit)
	}
}
