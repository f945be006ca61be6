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

package podinit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wire"
)

type fakeInvoker struct {
	mu          sync.Mutex
	calls       int
	lastContext *wire.Record
}

func (f *fakeInvoker) Invoke(ctx context.Context, export string, args []any) ([]any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("Invoke called with %d args, want 2 (context, request)", len(args))
	}
	headerCtx, ok := args[0].(*wire.Record)
	if !ok {
		return nil, fmt.Errorf("context arg is %T, want *wire.Record", args[0])
	}
	request, ok := args[1].(*wire.Record)
	if !ok {
		return nil, fmt.Errorf("request arg is %T, want *wire.Record", args[1])
	}

	f.mu.Lock()
	f.calls++
	f.lastContext = headerCtx
	f.mu.Unlock()
	// Echo the request record back unchanged as the sole response record.
	return []any{request}, nil
}

func echoDescriptor() *wire.Descriptor {
	return &wire.Descriptor{
		Fields: []*wire.Descriptor{
			{Tag: 1, Name: "value", Coding: wire.ScalarCoding(wire.FamilyInt32, wire.PresenceImplicit)},
		},
	}
}

func echoMetadata() *imagestore.Metadata {
	desc := echoDescriptor()
	spec := imagestore.FieldSpecFromDescriptor(desc)
	return &imagestore.Metadata{Methods: []imagestore.MethodMetadata{
		{Service: "echo", Method: "Say", Export: "say", Request: spec, Response: spec},
	}}
}

func TestBuildRoutesAndHandle(t *testing.T) {
	invoker := &fakeInvoker{}
	routes, err := buildRoutes(testComponentName(t), echoMetadata(), invoker)
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	method, ok := routes.Methods["echo/Say"]
	if !ok {
		t.Fatalf("routes.Methods = %v, want echo/Say", routes.Methods)
	}

	enc, err := wire.NewEncoder(echoDescriptor())
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	requestBytes, err := enc.Encode(&wire.Record{Desc: echoDescriptor(), Fields: []any{int32(42)}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	responseBytes, err := method.Handle(context.Background(), requestBytes)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	dec, err := wire.NewDecoder(echoDescriptor())
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	response, err := dec.Decode(responseBytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if response.Fields[0].(int32) != 42 {
		t.Fatalf("response field = %v, want 42", response.Fields[0])
	}
	if invoker.calls != 1 {
		t.Fatalf("invoker called %d times, want 1", invoker.calls)
	}
}

func TestHandleBuildsHeaderContextFromIncomingMetadata(t *testing.T) {
	invoker := &fakeInvoker{}
	routes, err := buildRoutes(testComponentName(t), echoMetadata(), invoker)
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	method := routes.Methods["echo/Say"]

	enc, err := wire.NewEncoder(echoDescriptor())
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	requestBytes, err := enc.Encode(&wire.Record{Desc: echoDescriptor(), Fields: []any{int32(1)}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	md := metadata.Pairs("x-request-id", "abc", "content-type-bin", string([]byte{0xff}))
	ctx := metadata.NewIncomingContext(context.Background(), md)
	if _, err := method.Handle(ctx, requestBytes); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	headerCtx := invoker.lastContext
	if headerCtx == nil {
		t.Fatalf("Invoke was never called with a context record")
	}
	headers, ok := headerCtx.Fields[0].([]*wire.Record)
	if !ok {
		t.Fatalf("context headers field = %T, want []*wire.Record", headerCtx.Fields[0])
	}
	if len(headers) != 1 {
		t.Fatalf("headers = %v, want exactly the one ASCII, non-binary header", headers)
	}
	if headers[0].Fields[0] != "x-request-id" || headers[0].Fields[1] != "abc" {
		t.Fatalf("header = %v, want x-request-id=abc", headers[0].Fields)
	}
}

func TestFutureWaitSharesResult(t *testing.T) {
	fut := &Future{done: make(chan struct{})}
	routes := &Routes{Methods: map[string]*Method{}}

	var wg sync.WaitGroup
	results := make([]*Routes, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := fut.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = r
		}(i)
	}

	fut.routes = routes
	close(fut.done)
	wg.Wait()

	for i, r := range results {
		if r != routes {
			t.Fatalf("waiter %d got %p, want the shared %p", i, r, routes)
		}
	}
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	fut := &Future{done: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	if err == nil {
		t.Fatalf("Wait on a never-resolved future: expected context error")
	}
}

func testComponentName(t *testing.T) names.ComponentName {
	t.Helper()
	n, err := names.Parse("00000000000000000000000000000001:echo@1.0.0").Component()
	if err != nil {
		t.Fatalf("Component: %v", err)
	}
	return n
}
