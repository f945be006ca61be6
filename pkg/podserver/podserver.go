// Copyright 2025 AUTHORS
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

// Package podserver is the data-plane gRPC pod: it binds a started pod's
// resolved [podinit.Routes] to a listener and serves the component's own
// gRPC methods directly off the wire, without ever generating or compiling
// a .proto-derived service descriptor for them. A single generic handler
// looks up the incoming "/service/method" path in the routes table and
// hands the raw request frame to podinit.Method.Handle.
package podserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/workd-run/workd/pkg/podinit"
	"github.com/workd-run/workd/pkg/podruntime"
)

// Server binds a pod's [podinit.Routes] to a net.Listener as a gRPC server
// that forwards every call to the matching route's codec-and-invoke path.
type Server struct {
	gracePeriod time.Duration
}

// New returns a Server. gracePeriod is stored on the Server but Start does
// not read it: a started server's Killer.Graceful waits for in-flight
// requests until they finish or its context ends, and the timeout after
// which Forceful runs is the one passed to StopWithTimeout.
func New(gracePeriod time.Duration) *Server {
	return &Server{gracePeriod: gracePeriod}
}

// Start implements podruntime.Server.
func (s *Server) Start(ln net.Listener, routes *podinit.Routes) (*podruntime.Killer, error) {
	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(dispatch(routes)),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(ln) }()

	killer := &podruntime.Killer{
		Graceful: func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Forceful: func() error {
			grpcServer.Stop()
			return nil
		},
	}
	return killer, nil
}

// dispatch returns the generic handler grpc-go invokes for every method not
// registered through a normal service descriptor, i.e. all of them here.
func dispatch(routes *podinit.Routes) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		fullMethod, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "podserver: no method in stream context")
		}
		key := strings.TrimPrefix(fullMethod, "/")
		method, ok := routes.Methods[key]
		if !ok {
			return status.Errorf(codes.Unimplemented, "podserver: method not found: %s", fullMethod)
		}

		req := new(rawFrame)
		if err := stream.RecvMsg(req); err != nil {
			return status.Errorf(codes.InvalidArgument, "podserver: receive request: %v", err)
		}

		respBytes, err := method.Handle(stream.Context(), req.data)
		if err != nil {
			return status.Errorf(codes.Internal, "podserver: %v", err)
		}
		return stream.SendMsg(&rawFrame{data: respBytes})
	}
}

// rawFrame carries a wire-encoded message through grpc-go's codec machinery
// untouched; rawCodec passes its bytes straight through instead of
// marshaling a proto.Message, since the component's request/response shapes
// are decoded and encoded directly by podinit's dynamic codec.
type rawFrame struct {
	data []byte
}

// rawCodec claims the "proto" content-subtype so ordinary gRPC clients that
// never set a custom codec are routed through it; grpc.ForceServerCodec
// ignores what the client actually negotiated and uses this codec
// unconditionally, so the name only needs to avoid confusing logging/metrics.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("podserver: rawCodec.Marshal: unexpected type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("podserver: rawCodec.Unmarshal: unexpected type %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}
