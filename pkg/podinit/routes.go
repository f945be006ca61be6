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
	"sort"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wire"
	"github.com/workd-run/workd/pkg/wlog"
)

// contextHeaderEntryDescriptor and contextDescriptor describe the fixed
// "context" value every component method takes as its first argument: a
// record carrying the call's incoming headers as (key, value) pairs. Unlike
// a method's request/response shape, this is not declared by the image's
// metadata - it is the same for every component, so it is built once here
// rather than derived per method.
var contextHeaderEntryDescriptor = &wire.Descriptor{
	Fields: []*wire.Descriptor{
		{Tag: 1, Name: "key", Coding: wire.ScalarCoding(wire.FamilyUTF8String, wire.PresenceImplicit)},
		{Tag: 2, Name: "value", Coding: wire.ScalarCoding(wire.FamilyUTF8String, wire.PresenceImplicit)},
	},
}

var contextDescriptor = &wire.Descriptor{
	Name: "context",
	Fields: []*wire.Descriptor{
		{Tag: 1, Name: "headers", Coding: wire.CodingMessageExpanded, Fields: contextHeaderEntryDescriptor.Fields},
	},
}

// Routes is a pod's resolved dispatch table: one [Method] per method the
// image declared, keyed the way the CRI-facing server looks them up.
type Routes struct {
	Methods map[string]*Method
}

// Method pairs a method's wire codec with the means to invoke it.
type Method struct {
	Service string
	Name    string
	decoder      *wire.Decoder
	encoder      *wire.Encoder
	responseDesc *wire.Descriptor
	export       string
	invoker      Invoker
}

// Key is the dispatch table lookup key for m: "<service>/<method>".
func (m *Method) Key() string { return m.Service + "/" + m.Name }

// Handle decodes a wire-encoded request, invokes the component, and returns
// the wire-encoded response. The component's exported function always takes
// exactly two arguments, a context record and the whole request record, and
// returns exactly one result, the whole response record - never one
// argument/result per request/response field.
func (m *Method) Handle(ctx context.Context, requestBytes []byte) ([]byte, error) {
	request, err := m.decoder.Decode(requestBytes)
	if err != nil {
		return nil, fmt.Errorf("decode request for %s: %w", m.Key(), err)
	}

	results, err := m.invoker.Invoke(ctx, m.export, []any{headerContext(ctx), request})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", m.Key(), err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("invoke %s: got %d results, want 1", m.Key(), len(results))
	}
	result, ok := results[0].(*wire.Record)
	if !ok {
		return nil, fmt.Errorf("invoke %s: result is %T, want *wire.Record", m.Key(), results[0])
	}

	response := &wire.Record{Desc: m.responseDesc, Fields: result.Fields}
	responseBytes, err := m.encoder.Encode(response)
	if err != nil {
		return nil, fmt.Errorf("encode response for %s: %w", m.Key(), err)
	}
	return responseBytes, nil
}

// headerContext builds the context record passed as every method's first
// argument from ctx's incoming gRPC metadata, the same per-request
// metadata-to-headers translation the reference host does ahead of every
// component call. Binary ("-bin") and non-ASCII values are dropped with a
// warning rather than passed through, since the component's header field is
// a plain string-to-string list.
func headerContext(ctx context.Context) *wire.Record {
	var headers []*wire.Record
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.HasSuffix(k, "-bin") {
				wlog.Infof(wlog.Global, "dropping binary header %q from component context", k)
				continue
			}
			for _, v := range md[k] {
				if !isASCII(v) {
					wlog.Infof(wlog.Global, "dropping non-ASCII header %q from component context", k)
					continue
				}
				headers = append(headers, &wire.Record{
					Desc:   contextHeaderEntryDescriptor,
					Fields: []any{k, v},
				})
			}
		}
	}
	if headers == nil {
		headers = []*wire.Record{}
	}
	return &wire.Record{Desc: contextDescriptor, Fields: []any{headers}}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// buildRoutes builds one [Method] per entry in metadata, wiring each to a
// codec derived from its declared request/response shape and to invoker for
// the actual component call.
func buildRoutes(name names.ComponentName, metadata *imagestore.Metadata, invoker Invoker) (*Routes, error) {
	routes := &Routes{Methods: make(map[string]*Method, len(metadata.Methods))}
	for _, m := range metadata.Methods {
		decoder, err := wire.NewDecoder(m.Request.ToDescriptor())
		if err != nil {
			return nil, fmt.Errorf("component %s: build request codec for %s/%s: %w", name, m.Service, m.Method, err)
		}
		responseDesc := m.Response.ToDescriptor()
		encoder, err := wire.NewEncoder(responseDesc)
		if err != nil {
			return nil, fmt.Errorf("component %s: build response codec for %s/%s: %w", name, m.Service, m.Method, err)
		}
		method := &Method{
			Service:      m.Service,
			Name:         m.Method,
			decoder:      decoder,
			encoder:      encoder,
			responseDesc: responseDesc,
			export:       m.Export,
			invoker:      invoker,
		}
		routes.Methods[method.Key()] = method
	}
	return routes, nil
}
