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

// Command coap-client sends a single CoAP request (or starts an observe
// registration) to a peer and prints the response, in the spirit of
// matrix-org/lb's cmd/coap one-shot debugging tool.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	coap "github.com/matrix-org/go-coap-engine"
	"github.com/matrix-org/go-coap-engine/internal/clock"
	"github.com/matrix-org/go-coap-engine/internal/randsrc"
	"github.com/matrix-org/go-coap-engine/internal/udpsock"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	addr    = flag.String("addr", "127.0.0.1:5683", "peer address (host:port)")
	method  = flag.String("method", "GET", "GET, POST, PUT, DELETE, or OBSERVE")
	path    = flag.String("path", "/", "Uri-Path to request")
	body    = flag.String("body", "", "request payload")
	timeout = flag.Duration("timeout", 10*time.Second, "how long to wait for a response")
	jq      = flag.String("jq", "", "gjson path to extract from a JSON response payload")
	set     = flag.String("set", "", "sjson path=value pair to patch into -body before sending, e.g. count=3")
)

// applySet patches a single sjson path=value pair (if -set was given)
// into a JSON request body before it goes out.
func applySet(body string) string {
	if *set == "" {
		return body
	}
	eq := -1
	for i, r := range *set {
		if r == '=' {
			eq = i
			break
		}
	}
	if eq < 0 {
		log.Fatalf("-set must be path=value, got %q", *set)
	}
	path, value := (*set)[:eq], (*set)[eq+1:]
	patched, err := sjson.Set(body, path, value)
	if err != nil {
		log.Fatalf("apply -set: %v", err)
	}
	return patched
}

func main() {
	flag.Parse()

	udpAddr, err := net.ResolveUDPAddr("udp4", *addr)
	if err != nil {
		log.Fatalf("resolve %q: %v", *addr, err)
	}
	conn, err := udpsock.Listen("0.0.0.0:0")
	if err != nil {
		log.Fatalf("open socket: %v", err)
	}
	defer conn.Close()

	sched := clock.New()
	ctx, err := coap.NewContext(coap.DefaultConfig(), conn, sched, randsrc.New(), stdLogger{})
	if err != nil {
		log.Fatalf("new context: %v", err)
	}

	go readLoop(conn, ctx)

	req := &coap.Message{Type: coap.Confirmable}
	req.Options = req.Options.WithUriPath(*path)
	req.Payload = []byte(applySet(*body))

	observing := *method == "OBSERVE"
	if observing {
		req.Code = coap.GET
		req.Options = req.Options.WithObserve(0)
	} else {
		req.Code = methodCode(*method)
	}

	done := make(chan struct{})
	_, err = ctx.SendAsyncRequest(udpAddr, req, nil, func(id coap.ExchangeID, result coap.Result) {
		if result.Err != nil {
			log.Printf("error: %v", result.Err)
			if !observing {
				close(done)
			}
			return
		}
		printResponse(result.Response)
		if !observing {
			close(done)
		}
	})
	if err != nil {
		log.Fatalf("send request: %v", err)
	}

	select {
	case <-done:
	case <-time.After(*timeout):
		if !observing {
			log.Fatalf("timed out waiting for response")
		}
	}
}

func readLoop(conn *udpsock.Conn, ctx *coap.Context) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if err := ctx.HandleIncomingPacket(from, append([]byte(nil), buf[:n]...)); err != nil {
			log.Printf("handle packet from %s: %v", from, err)
		}
	}
}

func methodCode(m string) coap.Code {
	switch m {
	case "GET":
		return coap.GET
	case "POST":
		return coap.POST
	case "PUT":
		return coap.PUT
	case "DELETE":
		return coap.DELETE
	default:
		log.Fatalf("unknown method %q", m)
		return coap.GET
	}
}

func printResponse(m *coap.Message) {
	if *jq != "" && len(m.Payload) > 0 {
		result := gjson.GetBytes(m.Payload, *jq)
		os.Stdout.WriteString(result.String() + "\n")
		return
	}
	log.Printf("%s payload=%s", m.Code, m.Payload)
}

// stdLogger adapts the standard log package to coap.Logger, the same
// trivial wiring cmd/coap/main.go used in matrix-org/lb.
type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }
