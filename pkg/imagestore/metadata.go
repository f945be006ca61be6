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
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/workd-run/workd/pkg/wire"
)

// Metadata is the container's own declaration of its exported methods: the
// host-visible handler table a pod initializer links against. It travels as
// the second layer of every pulled image.
type Metadata struct {
	Methods []MethodMetadata
}

// MethodMetadata names one exported component function and the wire shape
// of its request and response.
type MethodMetadata struct {
	Service  string
	Method   string
	Export   string
	Request  FieldSpec
	Response FieldSpec
}

// FieldSpec is a flattened, gob-friendly mirror of a [wire.Descriptor] tree.
// Metadata is internal to this runtime (never decoded by a third party), so
// it is persisted with gob rather than a schema-description protocol of its
// own; ToDescriptor rebuilds the live [wire.Descriptor] the codec needs.
type FieldSpec struct {
	Tag    int
	Name   string
	Coding uint8
	Fields []FieldSpec
}

// ToDescriptor rebuilds the [wire.Descriptor] tree that a [FieldSpec]
// describes.
func (f FieldSpec) ToDescriptor() *wire.Descriptor {
	d := &wire.Descriptor{Tag: f.Tag, Name: f.Name, Coding: wire.Coding(f.Coding)}
	if len(f.Fields) > 0 {
		d.Fields = make([]*wire.Descriptor, len(f.Fields))
		for i, child := range f.Fields {
			d.Fields[i] = child.ToDescriptor()
		}
	}
	return d
}

// FieldSpecFromDescriptor flattens a [wire.Descriptor] tree for persistence.
func FieldSpecFromDescriptor(d *wire.Descriptor) FieldSpec {
	f := FieldSpec{Tag: d.Tag, Name: d.Name, Coding: uint8(d.Coding)}
	for _, child := range d.Fields {
		f.Fields = append(f.Fields, FieldSpecFromDescriptor(child))
	}
	return f
}

func encodeMetadata(m *Metadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}
