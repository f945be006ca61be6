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

package imagestore

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v27"
)

// CompiledComponent is a ready-to-link component, either freshly compiled
// from wasm bytecode or recovered from a trusted precompiled blob.
type CompiledComponent interface {
	Serialize() ([]byte, error)
}

// Compiler turns component wasm bytecode into a [CompiledComponent] and back.
// Narrowing store.go's dependency on wasmtime to this single interface keeps
// the rest of the package agnostic of the underlying engine.
type Compiler interface {
	Compile(wasmBytes []byte) (CompiledComponent, error)
	Deserialize(precompiled []byte) (CompiledComponent, error)
}

// WasmtimeCompiler compiles and deserializes components against a single
// shared [wasmtime.Engine]. It must be the same engine used to later
// instantiate the component (see pkg/podinit).
type WasmtimeCompiler struct {
	Engine *wasmtime.Engine
}

// NewWasmtimeCompiler returns a [WasmtimeCompiler] bound to engine.
func NewWasmtimeCompiler(engine *wasmtime.Engine) *WasmtimeCompiler {
	return &WasmtimeCompiler{Engine: engine}
}

func (c *WasmtimeCompiler) Compile(wasmBytes []byte) (CompiledComponent, error) {
	component, err := wasmtime.NewComponent(c.Engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile component: %w", err)
	}
	return component, nil
}

func (c *WasmtimeCompiler) Deserialize(precompiled []byte) (CompiledComponent, error) {
	component, err := wasmtime.NewComponentDeserialize(c.Engine, precompiled)
	if err != nil {
		return nil, fmt.Errorf("deserialize component (length = %d): %w", len(precompiled), err)
	}
	return component, nil
}
