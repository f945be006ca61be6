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

// Package podinit builds the dispatch table a pod serves, from a pulled
// component image's declared methods: one wire codec and one invocation path
// per exported method. Initialization starts in the background as soon as
// CreateContainer is handled, and may still be in flight by the time
// StartContainer or the first method call arrives, so its result is a future any
// number of goroutines can wait on.
package podinit

import (
	"context"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v27"

	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wlog"
)

// Future resolves once to a [Routes] table or an error. Unlike a plain
// channel receive, any number of goroutines may call Wait concurrently and
// each observes the same outcome; unlike re-running the initializer, only
// the first caller to request it pays the work.
type Future struct {
	done   chan struct{}
	routes *Routes
	err    error
}

// Wait blocks until initialization completes or ctx is done, whichever
// comes first. It may be called from multiple goroutines.
func (f *Future) Wait(ctx context.Context) (*Routes, error) {
	select {
	case <-f.done:
		return f.routes, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek reports the outcome without blocking: ok is false while
// initialization is still in flight.
func (f *Future) Peek() (routes *Routes, err error, ok bool) {
	select {
	case <-f.done:
		return f.routes, f.err, true
	default:
		return nil, nil, false
	}
}

// Resolved returns a [Future] already resolved to routes, err. Useful for
// injecting a known outcome without running the background initializer,
// such as in tests of callers that only ever observe a Future's result.
func Resolved(routes *Routes, err error) *Future {
	f := &Future{done: make(chan struct{}), routes: routes, err: err}
	close(f.done)
	return f
}

// PodInitializer starts pod initialization on a background goroutine.
type PodInitializer struct {
	containers *imagestore.ContainerStore
	engine     *wasmtime.Engine
}

// New returns a [PodInitializer] that pulls containers from containers and
// runs components against engine.
func New(containers *imagestore.ContainerStore, engine *wasmtime.Engine) *PodInitializer {
	return &PodInitializer{containers: containers, engine: engine}
}

// Init begins initializing name's pod in the background and returns
// immediately with a [Future] plus a cancel function. Cancelling only stops
// the initializer from handing back a result; it does not recover any work
// already done, since Go goroutines cannot be forcibly aborted.
func (p *PodInitializer) Init(name names.ComponentName) (*Future, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	fut := &Future{done: make(chan struct{})}

	go func() {
		defer close(fut.done)
		routes, err := p.initialize(ctx, name)
		select {
		case <-ctx.Done():
			// Cancelled: don't bother publishing a result nobody asked for.
			fut.err = ctx.Err()
		default:
			fut.routes, fut.err = routes, err
		}
	}()

	return fut, cancel
}

func (p *PodInitializer) initialize(ctx context.Context, name names.ComponentName) (*Routes, error) {
	container, err := p.containers.Get(name)
	if err != nil {
		return nil, fmt.Errorf("initialize pod %s: %w", name, err)
	}
	if len(container.Metadata.Methods) == 0 {
		return nil, fmt.Errorf("initialize pod %s: image declares no methods", name)
	}

	invoker, err := newWasmtimeInvoker(p.engine, container.Component)
	if err != nil {
		return nil, fmt.Errorf("initialize pod %s: %w", name, err)
	}

	routes, err := buildRoutes(name, container.Metadata, invoker)
	if err != nil {
		return nil, fmt.Errorf("initialize pod %s: %w", name, err)
	}
	wlog.Infof(name, "pod initialized with %d method(s)", len(routes.Methods))
	return routes, nil
}
