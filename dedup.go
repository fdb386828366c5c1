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
	"container/list"
	"net"
)

// dedupKey identifies an inbound message for deduplication purposes: RFC
// 7252 §4.5 scopes message-id uniqueness to the sender's endpoint, so the
// peer address is part of the key.
type dedupKey struct {
	addr string
	mid  uint16
}

// dedupEntry is a cached response datagram plus its encoded size, used to
// answer a retransmitted CON/NON without re-invoking the user handler.
type dedupEntry struct {
	key     dedupKey
	raw     []byte
	element *list.Element
}

// dedupCache remembers recently-seen inbound message ids and the raw
// response bytes sent for them, so a retransmitted request can be
// answered by replay instead of re-processing, RFC 7252 §4.5. It evicts
// in insertion order once the configured byte budget is exceeded - the
// same "simplest cache that is still correct" tradeoff the vendored
// go-coap responseMsgCache uses, sized in bytes rather than entry count
// because CoAP payloads vary widely in size.
type dedupCache struct {
	capacity int
	used     int
	order    *list.List
	entries  map[dedupKey]*dedupEntry
}

func newDedupCache(capacityBytes int) *dedupCache {
	return &dedupCache{
		capacity: capacityBytes,
		order:    list.New(),
		entries:  make(map[dedupKey]*dedupEntry),
	}
}

func (c *dedupCache) key(addr net.Addr, mid uint16) dedupKey {
	return dedupKey{addr: addr.String(), mid: mid}
}

// Lookup returns the cached response for (addr, mid), if any.
func (c *dedupCache) Lookup(addr net.Addr, mid uint16) ([]byte, bool) {
	if c.capacity == 0 {
		return nil, false
	}
	e, ok := c.entries[c.key(addr, mid)]
	if !ok {
		return nil, false
	}
	return e.raw, true
}

// Store remembers raw as the response sent for (addr, mid), evicting the
// oldest entries as needed to stay within the byte budget. A capacity of
// 0 disables the cache entirely - Store becomes a no-op.
func (c *dedupCache) Store(addr net.Addr, mid uint16, raw []byte) {
	if c.capacity == 0 {
		return
	}
	k := c.key(addr, mid)
	if old, ok := c.entries[k]; ok {
		c.order.Remove(old.element)
		c.used -= len(old.raw)
		delete(c.entries, k)
	}

	e := &dedupEntry{key: k, raw: raw}
	e.element = c.order.PushBack(e)
	c.entries[k] = e
	c.used += len(raw)

	for c.used > c.capacity && c.order.Len() > 0 {
		oldest := c.order.Front()
		oe := oldest.Value.(*dedupEntry)
		c.order.Remove(oldest)
		delete(c.entries, oe.key)
		c.used -= len(oe.raw)
	}
}

// Forget removes any cached response for (addr, mid), used once an
// exchange is known to have completed and its dedup entry is no longer
// needed (e.g. after an observe registration is cancelled).
func (c *dedupCache) Forget(addr net.Addr, mid uint16) {
	k := c.key(addr, mid)
	e, ok := c.entries[k]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.entries, k)
	c.used -= len(e.raw)
}
