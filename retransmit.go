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

import "time"

// retransmitState tracks the backoff schedule for one outstanding CON,
// RFC 7252 §4.2. The initial timeout is ACK_TIMEOUT randomised by a
// factor drawn uniformly from [1.0, ACK_RANDOM_FACTOR]; each subsequent
// retry doubles it, matching the correct_backoff behaviour exercised by
// original_source's udp_tx_params.c against AVS_COAP_DEFAULT_UDP_TX_PARAMS.
type retransmitState struct {
	timeout    time.Duration
	retries    uint32
	maxRetries uint32
}

// newRetransmitState draws the randomised initial timeout from prng and
// returns a state ready for its first transmission.
func newRetransmitState(cfg Config, prng PRNG) retransmitState {
	return retransmitState{
		timeout:    randomizedTimeout(cfg, prng),
		retries:    0,
		maxRetries: cfg.MaxRetransmit,
	}
}

// randomizedTimeout computes ACK_TIMEOUT * U[1.0, ACK_RANDOM_FACTOR]. A
// PRNG.NextUint32 of 0 always yields exactly ACK_TIMEOUT, and
// AckRandomFactor == 1.0 makes the result deterministic regardless of the
// PRNG, which is what lets tests and low-jitter deployments pin exact
// retransmission instants.
func randomizedTimeout(cfg Config, prng PRNG) time.Duration {
	if cfg.AckRandomFactor <= 1.0 {
		return cfg.AckTimeout
	}
	frac := float64(prng.NextUint32()) / float64(1<<32)
	factor := 1.0 + frac*(cfg.AckRandomFactor-1.0)
	return time.Duration(float64(cfg.AckTimeout) * factor)
}

// next returns the backoff duration to wait before the next retry and
// advances the retry counter. Callers must check exhausted() first.
func (r *retransmitState) next() time.Duration {
	r.retries++
	r.timeout *= 2
	return r.timeout
}

// exhausted reports whether MAX_RETRANSMIT retries have already been
// sent, i.e. any further timeout should fail the exchange with
// ErrTimeout rather than retransmit again.
func (r *retransmitState) exhausted() bool {
	return r.retries >= r.maxRetries
}
