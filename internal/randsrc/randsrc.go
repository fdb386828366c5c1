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

// Package randsrc provides a concrete coap.PRNG backed by math/rand,
// seeded from crypto/rand so message ids and tokens aren't predictable
// across process restarts.
package randsrc

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sync"
)

// Source is a coap.PRNG. Safe for concurrent use.
type Source struct {
	mu  sync.Mutex
	rnd *mathrand.Rand
}

// New returns a Source seeded from the OS CSPRNG.
func New() *Source {
	var seedBytes [8]byte
	if _, err := cryptorand.Read(seedBytes[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// fall back to a fixed seed rather than panicking, matching the
		// "never crash the transport layer over randomness" posture of
		// the rest of the engine.
		binary.BigEndian.PutUint64(seedBytes[:], 0x5eed5eed5eed5eed)
	}
	seed := int64(binary.BigEndian.Uint64(seedBytes[:]))
	return &Source{rnd: mathrand.New(mathrand.NewSource(seed))}
}

func (s *Source) NextUint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Uint32()
}
