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

// Package udpsock provides a concrete coap.Socket backed by a plain
// net.UDPConn, plus the "All CoAP Nodes" multicast join from RFC 7252
// §12.8 and a couple of Linux socket-buffer knobs exposed through
// GetOpt/SetOpt.
package udpsock

import (
	"fmt"
	"net"

	coap "github.com/matrix-org/go-coap-engine"
	"golang.org/x/net/ipv4"
)

// AllCoAPNodesIPv4 is the RFC 7252 §12.8 IPv4 "All CoAP Nodes" multicast
// group address.
const AllCoAPNodesIPv4 = "224.0.1.187"

// Conn adapts *net.UDPConn to coap.Socket.
type Conn struct {
	udp *net.UDPConn
	pc  *ipv4.PacketConn
}

// Listen opens addr (host:port, "" host for any interface) as a UDP
// socket ready to hand to coap.NewContext.
func Listen(addr string) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	return newConn(udp), nil
}

func newConn(udp *net.UDPConn) *Conn {
	return &Conn{udp: udp, pc: ipv4.NewPacketConn(udp)}
}

// JoinAllCoAPNodes joins the RFC 7252 §12.8 multicast group on iface (nil
// selects the default multicast interface), so this socket also receives
// datagrams sent to the well-known CoAP multicast address.
func (c *Conn) JoinAllCoAPNodes(iface *net.Interface) error {
	group := net.ParseIP(AllCoAPNodesIPv4)
	return c.pc.JoinGroup(iface, &net.UDPAddr{IP: group})
}

// Send implements coap.Socket.
func (c *Conn) Send(addr net.Addr, b []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("udpsock: address %v is not a *net.UDPAddr", addr)
	}
	_, err := c.udp.WriteToUDP(b, udpAddr)
	return err
}

// ReadFrom reads the next datagram into buf, for the caller's event loop
// to pass on to coap.Context.HandleIncomingPacket.
func (c *Conn) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	return c.udp.ReadFromUDP(buf)
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.udp.Close() }

// GetOpt implements coap.Socket. Recognised names: "read_buffer_size",
// "write_buffer_size".
func (c *Conn) GetOpt(name string) (interface{}, error) {
	switch name {
	case "read_buffer_size", "write_buffer_size":
		return 0, fmt.Errorf("udpsock: %s is write-only on this platform", name)
	default:
		return nil, fmt.Errorf("udpsock: unknown socket option %q", name)
	}
}

// SetOpt implements coap.Socket. Recognised names: "read_buffer_size",
// "write_buffer_size" (both take an int byte count).
func (c *Conn) SetOpt(name string, value interface{}) error {
	n, ok := value.(int)
	if !ok {
		return fmt.Errorf("udpsock: option %q wants an int value", name)
	}
	switch name {
	case "read_buffer_size":
		return c.udp.SetReadBuffer(n)
	case "write_buffer_size":
		return c.udp.SetWriteBuffer(n)
	default:
		return fmt.Errorf("udpsock: unknown socket option %q", name)
	}
}

var _ coap.Socket = (*Conn)(nil)
