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

	"github.com/bytecodealliance/wasmtime-go/v27"

	"github.com/workd-run/workd/pkg/imagestore"
)

// Invoker calls one exported component function and returns its results.
// Narrowing routes.go's dependency on wasmtime to this single method keeps
// the codec/dispatch logic, and its tests, agnostic of the runtime engine —
// the same isolation imagestore.Compiler gives the image store.
type Invoker interface {
	Invoke(ctx context.Context, export string, args []any) ([]any, error)
}

// wasmtimeInvoker instantiates a fresh store per call and reuses the
// component across calls, the same per-request-store, per-pod-component
// split the host's own instantiation path uses.
type wasmtimeInvoker struct {
	engine    *wasmtime.Engine
	component *wasmtime.Component
	linker    *wasmtime.Linker
}

func newWasmtimeInvoker(engine *wasmtime.Engine, component imagestore.CompiledComponent) (*wasmtimeInvoker, error) {
	wasmComponent, ok := component.(*wasmtime.Component)
	if !ok {
		return nil, fmt.Errorf("compiled component is not a wasmtime component")
	}
	linker := wasmtime.NewLinker(engine)
	return &wasmtimeInvoker{engine: engine, component: wasmComponent, linker: linker}, nil
}

// Invoke runs export in a fresh instance, passing args positionally and
// returning its results positionally. Host imports beyond what the linker
// was built with are not satisfied; a pod whose component requires host
// functionality this runtime doesn't provide fails to instantiate.
func (w *wasmtimeInvoker) Invoke(ctx context.Context, export string, args []any) ([]any, error) {
	store := wasmtime.NewStore(w.engine)
	store.SetWasi(wasmtime.NewWasiConfig())
	store.SetEpochDeadline(1)

	instance, err := w.linker.Instantiate(store, w.component)
	if err != nil {
		return nil, fmt.Errorf("instantiate component: %w", err)
	}
	fn := instance.GetFunc(store, export)
	if fn == nil {
		return nil, fmt.Errorf("component has no exported function %q", export)
	}

	results := make([]any, fn.Type(store).ResultArity())
	if err := fn.CallWithResults(store, args, results); err != nil {
		return nil, fmt.Errorf("call %q: %w", export, err)
	}
	return results, nil
}
