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
	"time"
)

// Config holds the tunables surfaced at context creation, per §6 of the
// engine design. Validate rejects an invalid Config outright so that a
// caller attempting to apply bad transmission parameters at runtime can
// keep the previously-valid ones in effect (see SPEC_FULL.md §12, grounded
// on original_source's udp_tx_params.c getting_and_setting_udp_tx_params
// test).
type Config struct {
	// AckTimeout is ACK_TIMEOUT, RFC 7252 §4.8. Must be >= 1s.
	AckTimeout time.Duration
	// AckRandomFactor is ACK_RANDOM_FACTOR. Must be >= 1.0. A value of
	// exactly 1.0 makes retransmission timing deterministic (used by
	// tests, and by any deployment that wants to minimise jitter at the
	// cost of synchronised retries).
	AckRandomFactor float64
	// MaxRetransmit is MAX_RETRANSMIT.
	MaxRetransmit uint32
	// NStart bounds the number of client exchanges per peer whose latest
	// CON transmission is unacknowledged at any one time.
	NStart uint32

	InputBufferSize  int
	OutputBufferSize int

	// ResponseCacheSize bounds the deduplication cache in bytes. 0
	// disables deduplication entirely.
	ResponseCacheSize int
	// NotifyCacheSize bounds the observe engine's ring of recent notify
	// message ids, in entries.
	NotifyCacheSize int

	// ExchangeMaxTime defaults to the RFC 7252 EXCHANGE_LIFETIME and must
	// be positive. Validate checks it, but the engine arms no timer from
	// it: an idle server-side block1 reassembly or any other exchange is
	// not cleaned up on a time limit.
	ExchangeMaxTime time.Duration
}

// ExchangeLifetime is RFC 7252 §4.8.2's EXCHANGE_LIFETIME for the default
// transmission parameters (computed from ACK_TIMEOUT, ACK_RANDOM_FACTOR,
// MAX_RETRANSMIT, and the assumed maximum latency); used as
// Config.ExchangeMaxTime's default the same way the vendored
// udp/client.ExchangeLifetime constant is used by plgd-dev/go-coap.
const ExchangeLifetime = 247 * time.Second

// DefaultConfig returns the RFC 7252 §4.8.1 default transmission
// parameters plus reasonable buffer/cache sizes.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        2 * time.Second,
		AckRandomFactor:   1.5,
		MaxRetransmit:     4,
		NStart:            1,
		InputBufferSize:   1152,
		OutputBufferSize:  1152,
		ResponseCacheSize: 32 * 1024,
		NotifyCacheSize:   16,
		ExchangeMaxTime:   ExchangeLifetime,
	}
}

// Validate rejects configurations forbidden by RFC 7252 §4.8 or that would
// make no operational sense. Callers that want "set if valid, otherwise
// keep the old value" semantics should call Validate on a candidate before
// swapping it in - see Context.SetTransmissionParams.
func (c Config) Validate() error {
	if c.AckTimeout < time.Second {
		return fmt.Errorf("%w: ack_timeout must be >= 1s, got %s", ErrInvalidConfig, c.AckTimeout)
	}
	if c.AckRandomFactor < 1.0 {
		return fmt.Errorf("%w: ack_random_factor must be >= 1.0, got %f", ErrInvalidConfig, c.AckRandomFactor)
	}
	if c.NStart < 1 {
		return fmt.Errorf("%w: nstart must be >= 1, got %d", ErrInvalidConfig, c.NStart)
	}
	if c.InputBufferSize <= 0 || c.OutputBufferSize <= 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidConfig)
	}
	if c.ResponseCacheSize < 0 {
		return fmt.Errorf("%w: response_cache_size must be >= 0", ErrInvalidConfig)
	}
	if c.NotifyCacheSize < 0 {
		return fmt.Errorf("%w: notify_cache_size must be >= 0", ErrInvalidConfig)
	}
	if c.ExchangeMaxTime <= 0 {
		return fmt.Errorf("%w: exchange_max_time must be positive", ErrInvalidConfig)
	}
	return nil
}
