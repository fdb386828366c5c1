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
	"sort"
)

// OptionID is a CoAP option number, RFC 7252 §5.10 / RFC 7959 / RFC 7641.
type OptionID uint16

const (
	OptionIfMatch       OptionID = 1
	OptionURIHost       OptionID = 3
	OptionETag          OptionID = 4
	OptionIfNoneMatch   OptionID = 5
	OptionObserve       OptionID = 6 // RFC 7641
	OptionURIPort       OptionID = 7
	OptionLocationPath  OptionID = 8
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionMaxAge        OptionID = 14
	OptionURIQuery      OptionID = 15
	OptionAccept        OptionID = 17
	OptionLocationQuery OptionID = 20
	OptionBlock2        OptionID = 23 // RFC 7959
	OptionBlock1        OptionID = 27 // RFC 7959
	OptionSize2         OptionID = 28 // RFC 7959
	OptionProxyURI      OptionID = 35
	OptionProxyScheme   OptionID = 39
	OptionSize1         OptionID = 60
)

// IsCritical reports whether an unrecognised occurrence of id must cause
// the message to be rejected (odd option numbers), RFC 7252 §5.4.1.
func (id OptionID) IsCritical() bool { return id&1 == 1 }

// IsUnsafeToForward reports whether a proxy must not forward this option
// blindly, RFC 7252 §5.4.2 (bit 1 of the low nibble).
func (id OptionID) IsUnsafeToForward() bool { return id&2 == 2 }

// repeatableOptions lists option numbers that RFC 7252/7959/7641 allow to
// occur more than once in a single message.
var repeatableOptions = map[OptionID]bool{
	OptionIfMatch:      true,
	OptionETag:         true,
	OptionLocationPath: true,
	OptionURIPath:      true,
	OptionURIQuery:     true,
	OptionLocationQuery: true,
}

// IsRepeatable reports whether id is allowed to appear more than once.
func (id OptionID) IsRepeatable() bool { return repeatableOptions[id] }

func (id OptionID) String() string {
	if name, ok := optionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", uint16(id))
}

var optionNames = map[OptionID]string{
	OptionIfMatch:       "If-Match",
	OptionURIHost:       "Uri-Host",
	OptionETag:          "ETag",
	OptionIfNoneMatch:   "If-None-Match",
	OptionObserve:       "Observe",
	OptionURIPort:       "Uri-Port",
	OptionLocationPath:  "Location-Path",
	OptionURIPath:       "Uri-Path",
	OptionContentFormat: "Content-Format",
	OptionMaxAge:        "Max-Age",
	OptionURIQuery:      "Uri-Query",
	OptionAccept:        "Accept",
	OptionLocationQuery: "Location-Query",
	OptionBlock2:        "Block2",
	OptionBlock1:        "Block1",
	OptionSize2:         "Size2",
	OptionProxyURI:      "Proxy-Uri",
	OptionProxyScheme:   "Proxy-Scheme",
	OptionSize1:         "Size1",
}

// Option is a single decoded option instance.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered collection of options, kept sorted by ID (the
// order the wire format requires for delta-encoding) with stable order
// among repeats of the same ID.
type Options []Option

// Sort reorders o in place by ascending option ID, stably.
func (o Options) Sort() {
	sort.SliceStable(o, func(i, j int) bool { return o[i].ID < o[j].ID })
}

// Add appends an option, preserving sort order.
func (o Options) Add(opt Option) Options {
	o = append(o, opt)
	o.Sort()
	return o
}

// Find returns the first option with the given id, if present.
func (o Options) Find(id OptionID) (Option, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// FindAll returns every option with the given id, in original order.
func (o Options) FindAll(id OptionID) []Option {
	var out []Option
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt)
		}
	}
	return out
}

// CheckRepeatedCritical walks o and returns ErrRepeatedCriticalOption if a
// non-repeatable critical option occurs more than once, per RFC 7252
// §5.4.5. Non-critical repeats of a non-repeatable option are tolerated by
// the engine (the option is simply ignored past the first occurrence) -
// only critical repeats are fatal, mirroring the request-handling
// behaviour of the vendored go-coap reference implementation.
func (o Options) CheckRepeatedCritical() error {
	seen := make(map[OptionID]int, len(o))
	for _, opt := range o {
		seen[opt.ID]++
		if seen[opt.ID] > 1 && !opt.ID.IsRepeatable() && opt.ID.IsCritical() {
			return fmt.Errorf("%w: option %s", ErrRepeatedCriticalOption, opt.ID)
		}
	}
	return nil
}

// uintValue decodes a variable-length big-endian unsigned integer option
// value, RFC 7252 §3.2.
func uintValue(b []byte) uint32 {
	var v uint32
	for _, by := range b {
		v = v<<8 | uint32(by)
	}
	return v
}

// encodeUint produces the minimal big-endian encoding of v (zero bytes
// for v == 0), RFC 7252 §3.2.
func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// ContentFormat returns the Content-Format option's value, if present.
func (o Options) ContentFormat() (uint32, bool) {
	opt, ok := o.Find(OptionContentFormat)
	if !ok {
		return 0, false
	}
	return uintValue(opt.Value), true
}

// WithContentFormat returns o with a Content-Format option set to format,
// replacing any existing one.
func (o Options) WithContentFormat(format uint32) Options {
	return o.withUint(OptionContentFormat, format)
}

// Accept returns the Accept option's value, if present.
func (o Options) Accept() (uint32, bool) {
	opt, ok := o.Find(OptionAccept)
	if !ok {
		return 0, false
	}
	return uintValue(opt.Value), true
}

// Observe returns the Observe option's value, if present. 0 means
// "register"; any other value on a notification is the 24-bit sequence
// counter, RFC 7641 §3.
func (o Options) Observe() (uint32, bool) {
	opt, ok := o.Find(OptionObserve)
	if !ok {
		return 0, false
	}
	return uintValue(opt.Value), true
}

// WithObserve returns o with an Observe option set to seq, replacing any
// existing one.
func (o Options) WithObserve(seq uint32) Options {
	return o.withUint(OptionObserve, seq)
}

// ETag returns the ETag option's raw value, if present.
func (o Options) ETag() ([]byte, bool) {
	opt, ok := o.Find(OptionETag)
	if !ok {
		return nil, false
	}
	return opt.Value, true
}

// WithETag returns o with an ETag option set to tag, replacing any
// existing one.
func (o Options) WithETag(tag []byte) Options {
	filtered := o.without(OptionETag)
	return filtered.Add(Option{ID: OptionETag, Value: tag})
}

// UriPath reassembles the Uri-Path segments into a single "/"-joined
// path, RFC 7252 §5.10.1.
func (o Options) UriPath() string {
	segs := o.FindAll(OptionURIPath)
	if len(segs) == 0 {
		return ""
	}
	path := ""
	for _, s := range segs {
		path += "/" + string(s.Value)
	}
	return path
}

// WithUriPath returns o with its Uri-Path segments replaced by the
// "/"-separated components of path.
func (o Options) WithUriPath(path string) Options {
	filtered := o.without(OptionURIPath)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				filtered = filtered.Add(Option{ID: OptionURIPath, Value: []byte(path[start:i])})
			}
			start = i + 1
		}
	}
	return filtered
}

func (o Options) withUint(id OptionID, v uint32) Options {
	filtered := o.without(id)
	return filtered.Add(Option{ID: id, Value: encodeUint(v)})
}

func (o Options) without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// Block1 returns the decoded Block1 option, if present.
func (o Options) Block1() (BlockOption, bool, error) {
	return o.blockOption(OptionBlock1)
}

// Block2 returns the decoded Block2 option, if present.
func (o Options) Block2() (BlockOption, bool, error) {
	return o.blockOption(OptionBlock2)
}

func (o Options) blockOption(id OptionID) (BlockOption, bool, error) {
	opt, ok := o.Find(id)
	if !ok {
		return BlockOption{}, false, nil
	}
	bo, err := DecodeBlockOption(opt.Value)
	if err != nil {
		return BlockOption{}, true, err
	}
	return bo, true, nil
}

// WithBlock1 returns o with a Block1 option set to bo.
func (o Options) WithBlock1(bo BlockOption) Options {
	filtered := o.without(OptionBlock1)
	return filtered.Add(Option{ID: OptionBlock1, Value: EncodeBlockOption(bo)})
}

// WithBlock2 returns o with a Block2 option set to bo.
func (o Options) WithBlock2(bo BlockOption) Options {
	filtered := o.without(OptionBlock2)
	return filtered.Add(Option{ID: OptionBlock2, Value: EncodeBlockOption(bo)})
}
