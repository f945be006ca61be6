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

package wire

import (
	"fmt"
	"math"
)

func float32FromBits(b uint32) float32 { return math.Float32frombits(b) }
func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }
func float32Bits(f float32) uint32     { return math.Float32bits(f) }
func float64Bits(f float64) uint64     { return math.Float64bits(f) }

// validateDescriptor enforces the construction-time invariants from §4.2.1:
// enum descriptors carry a zero variant, bytes/strings/messages cannot be
// packed, and oneof variants must use an explicit-presence coding.
func validateDescriptor(d *Descriptor) error {
	switch d.Coding {
	case CodingMessage, CodingMessageExpanded:
		for _, f := range d.Fields {
			if err := validateDescriptor(f); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil

	case CodingEnumImplicit, CodingEnumPacked, CodingEnumExplicit, CodingEnumExpanded:
		hasZero := false
		for _, v := range d.Fields {
			if v.Tag == 0 {
				hasZero = true
			}
		}
		if !hasZero {
			return fmt.Errorf("enum %q: missing variant numbered 0", d.Name)
		}
		return nil

	case CodingOneof:
		for _, variant := range d.Fields {
			if !isExplicitPresence(variant) {
				return fmt.Errorf("oneof %q: variant %q must use explicit presence", d.Name, variant.Name)
			}
			if err := validateDescriptor(variant); err != nil {
				return fmt.Errorf("oneof %q: %w", d.Name, err)
			}
		}
		return nil

	default:
		if !d.Coding.IsScalar() {
			return fmt.Errorf("field %q: unknown coding", d.Name)
		}
		// A root descriptor leaves Coding unset (the zero scalar coding) yet
		// describes a whole message, so its sub-fields are validated too.
		for _, f := range d.Fields {
			if err := validateDescriptor(f); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		fam := d.Coding.Family()
		if d.Coding.Presence() == PresencePacked &&
			(fam == FamilyBytes || fam == FamilyUTF8String || fam == FamilyPermissiveString) {
			return fmt.Errorf("field %q: bytes/strings cannot be packed", d.Name)
		}
		return nil
	}
}

func isExplicitPresence(variant *Descriptor) bool {
	switch variant.Coding {
	case CodingMessage, CodingEnumExplicit:
		return true
	default:
		return variant.Coding.IsScalar() && variant.Coding.Presence() == PresenceExplicit
	}
}
