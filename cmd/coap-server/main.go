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

// Command coap-server is a small demonstration CoAP server: it serves a
// single observable JSON/CBOR resource at /state, echoing the logrus +
// jsoniter + fxamacker/cbor wiring matrix-org/lb's cmd/proxy daemon and
// lowbandwidth CBOR codec used for its own (HTTP-facing) resources.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	coap "github.com/matrix-org/go-coap-engine"
	"github.com/matrix-org/go-coap-engine/internal/clock"
	"github.com/matrix-org/go-coap-engine/internal/randsrc"
	"github.com/matrix-org/go-coap-engine/internal/udpsock"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ContentFormatJSON and ContentFormatCBOR are the registered RFC 7252
// Content-Format numbers for application/json and application/cbor.
const (
	ContentFormatJSON = 50
	ContentFormatCBOR = 60
)

// serverConfig is loaded from a JSON file via jsoniter, the same way
// matrix-org/lb's proxy command loads its configuration.
type serverConfig struct {
	ListenAddr  string `json:"listen_addr"`
	LogLevel    string `json:"log_level"`
	AckTimeout  string `json:"ack_timeout,omitempty"`
}

var configPath = flag.String("config", "", "path to a JSON config file (optional)")
var listenAddr = flag.String("addr", "0.0.0.0:5683", "address to listen on")

func main() {
	flag.Parse()
	log := logrus.New()

	cfg := serverConfig{ListenAddr: *listenAddr, LogLevel: "info"}
	if *configPath != "" {
		f, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := jsonAPI.Unmarshal(f, &cfg); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	conn, err := udpsock.Listen(cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	res := newStateResource()
	engineCfg := coap.DefaultConfig()
	ctx, err := coap.NewContext(engineCfg, conn, clock.New(), randsrc.New(), logrusAdapter{log})
	if err != nil {
		log.Fatalf("new context: %v", err)
	}
	ctx.SetRequestHandler(res.handle(ctx))

	log.Infof("coap-server listening on %s", cfg.ListenAddr)
	buf := make([]byte, engineCfg.InputBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			log.Errorf("read: %v", err)
			return
		}
		if err := ctx.HandleIncomingPacket(from, append([]byte(nil), buf[:n]...)); err != nil {
			log.Errorf("handle packet from %s: %v", from, err)
		}
	}
}

// stateResource is a single observable JSON document, reachable at
// /state, that can be read as application/json or application/cbor and
// replaced with PUT. Every PUT fans out a notification to observers,
// transcoding to whichever format each observer originally asked for is
// out of scope for this demo - notifications are always sent as JSON.
type stateResource struct {
	mu    sync.Mutex
	value map[string]interface{}
}

func newStateResource() *stateResource {
	return &stateResource{value: map[string]interface{}{"count": 0}}
}

func (r *stateResource) handle(ctx *coap.Context) coap.RequestHandlerFunc {
	return func(req *coap.Message, from net.Addr) (coap.RequestResult, bool) {
		if req.Options.UriPath() != "/state" {
			return coap.RequestResult{Code: coap.NotFound}, false
		}

		switch req.Code {
		case coap.GET:
			return r.handleGet(ctx, req, from), false
		case coap.PUT:
			return r.handlePut(ctx, req), false
		default:
			return coap.RequestResult{Code: coap.MethodNotAllowed}, false
		}
	}
}

func (r *stateResource) handleGet(ctx *coap.Context, req *coap.Message, from net.Addr) coap.RequestResult {
	r.mu.Lock()
	snapshot := r.value
	r.mu.Unlock()

	accept, _ := req.Options.Accept()
	var payload []byte
	var format uint32
	if accept == ContentFormatCBOR {
		b, err := cbor.Marshal(snapshot)
		if err != nil {
			return coap.RequestResult{Code: coap.InternalServerError}
		}
		payload, format = b, ContentFormatCBOR
	} else {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return coap.RequestResult{Code: coap.InternalServerError}
		}
		payload, format = b, ContentFormatJSON
	}

	opts := coap.Options(nil).WithContentFormat(format)
	if seq, ok := req.Options.Observe(); ok && seq == 0 {
		n := ctx.ObserveRegister(from, req.Token, "/state", true)
		opts = opts.WithObserve(n)
	}
	return coap.RequestResult{Code: coap.Content, Options: opts, Payload: payload}
}

func (r *stateResource) handlePut(ctx *coap.Context, req *coap.Message) coap.RequestResult {
	var decoded map[string]interface{}

	format, _ := req.Options.ContentFormat()
	var err error
	if format == ContentFormatCBOR {
		err = cbor.Unmarshal(req.Payload, &decoded)
	} else {
		err = jsonAPI.Unmarshal(req.Payload, &decoded)
	}
	if err != nil {
		return coap.RequestResult{Code: coap.BadRequest}
	}

	r.mu.Lock()
	r.value = decoded
	r.mu.Unlock()

	body, _ := json.Marshal(decoded)
	ctx.NotifyAsync("/state", coap.RequestResult{
		Code:    coap.Content,
		Options: coap.Options(nil).WithContentFormat(ContentFormatJSON),
		Payload: body,
	})

	return coap.RequestResult{Code: coap.Changed}
}

// logrusAdapter satisfies coap.Logger with a logrus.Logger, the same
// shape of adapter matrix-org/lb's cmd/proxy defines for its own Logger
// interface.
type logrusAdapter struct {
	l *logrus.Logger
}

func (a logrusAdapter) Printf(format string, v ...interface{}) { a.l.Infof(format, v...) }
