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

import "fmt"

// Type is the CoAP message type, RFC 7252 §3.
type Type uint8

const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is the CoAP method/response code, RFC 7252 §5.9, packed as
// class.detail (c.dd) the same way the wire format does: the top 3 bits
// are the class, the bottom 5 are the detail.
type Code uint8

// NewCode packs a class.detail pair into a wire Code, e.g. NewCode(2, 5)
// for 2.05 Content.
func NewCode(class, detail uint8) Code {
	return Code((class << 5) | (detail & 0x1f))
}

// Class returns the code's class (the "2" in 2.05).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code's detail (the "05" in 2.05).
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Method and response codes actually exercised by the engine and its demo
// applications. Unrecognised codes still round-trip through the codec;
// this is not an exhaustive registry.
const (
	Empty Code = 0

	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4

	Created Code = 65 // 2.01
	Deleted Code = 66 // 2.02
	Valid   Code = 67 // 2.03
	Changed Code = 68 // 2.04
	Content Code = 69 // 2.05
	Continue Code = 95 // 2.31

	BadRequest              Code = 128 // 4.00
	Unauthorized            Code = 129 // 4.01
	BadOption               Code = 130 // 4.02
	Forbidden               Code = 131 // 4.03
	NotFound                Code = 132 // 4.04
	MethodNotAllowed        Code = 133 // 4.05
	NotAcceptable           Code = 134 // 4.06
	RequestEntityIncomplete Code = 136 // 4.08
	PreconditionFailed      Code = 140 // 4.12
	RequestEntityTooLarge   Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15

	InternalServerError  Code = 160 // 5.00
	NotImplemented       Code = 161 // 5.01
	BadGateway           Code = 162 // 5.02
	ServiceUnavailable   Code = 163 // 5.03
	GatewayTimeout       Code = 164 // 5.04
	ProxyingNotSupported Code = 165 // 5.05
)

var codeNames = map[Code]string{
	Empty: "0.00 Empty",

	GET:    "0.01 GET",
	POST:   "0.02 POST",
	PUT:    "0.03 PUT",
	DELETE: "0.04 DELETE",

	Created:  "2.01 Created",
	Deleted:  "2.02 Deleted",
	Valid:    "2.03 Valid",
	Changed:  "2.04 Changed",
	Content:  "2.05 Content",
	Continue: "2.31 Continue",

	BadRequest:               "4.00 Bad Request",
	Unauthorized:             "4.01 Unauthorized",
	BadOption:                "4.02 Bad Option",
	Forbidden:                "4.03 Forbidden",
	NotFound:                 "4.04 Not Found",
	MethodNotAllowed:         "4.05 Method Not Allowed",
	NotAcceptable:            "4.06 Not Acceptable",
	RequestEntityIncomplete:  "4.08 Request Entity Incomplete",
	PreconditionFailed:       "4.12 Precondition Failed",
	RequestEntityTooLarge:    "4.13 Request Entity Too Large",
	UnsupportedContentFormat: "4.15 Unsupported Content-Format",

	InternalServerError:  "5.00 Internal Server Error",
	NotImplemented:       "5.01 Not Implemented",
	BadGateway:           "5.02 Bad Gateway",
	ServiceUnavailable:   "5.03 Service Unavailable",
	GatewayTimeout:       "5.04 Gateway Timeout",
	ProxyingNotSupported: "5.05 Proxying Not Supported",
}

// IsRequest reports whether c is a method code (class 0, non-empty).
func (c Code) IsRequest() bool { return c.Class() == 0 && c != Empty }

// Token uniquely identifies a request/response exchange from the
// requester's point of view, RFC 7252 §5.3.1. 0-8 bytes.
type Token []byte

// Message is the decoded, in-memory representation of one CoAP datagram.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x opts=%d payload=%dB",
		m.Type, m.Code, m.MessageID, []byte(m.Token), len(m.Options), len(m.Payload))
}
