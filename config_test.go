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
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsSubSecondAckTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 500 * time.Millisecond
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateRejectsSubUnityRandomFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckRandomFactor = 0.9
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// TestSetTransmissionParamsRejectsInvalidAtomically mirrors
// original_source's udp_tx_params.c getting_and_setting_udp_tx_params
// test: an invalid update must leave the previously active parameters in
// effect rather than partially applying.
func TestSetTransmissionParamsRejectsInvalidAtomically(t *testing.T) {
	sock := newFakeSocket()
	sched := newFakeScheduler()
	ctx, err := NewContext(DefaultConfig(), sock, sched, newFakePRNG(1), nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	bad := DefaultConfig()
	bad.AckTimeout = 10 * time.Millisecond
	if err := ctx.SetTransmissionParams(bad); err == nil {
		t.Fatalf("expected rejection of invalid transmission params")
	}
	if ctx.cfg.AckTimeout != DefaultConfig().AckTimeout {
		t.Fatalf("invalid update should not have taken effect, got AckTimeout=%v", ctx.cfg.AckTimeout)
	}
}
