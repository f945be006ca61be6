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

// Record is a decoded or to-be-encoded message value: an ordered list of
// field values parallel to its Descriptor's Fields.
//
// Each positional value's Go type is determined by the corresponding field's
// Coding:
//   - scalar implicit: the Go zero value of the family's natural type.
//   - scalar packed/expanded: a slice of the family's natural type (possibly
//     empty, never nil after decode).
//   - scalar explicit: a pointer to the family's natural type, nil if absent.
//   - message: *Record, nil if absent.
//   - message-expanded: []*Record.
//   - enum-implicit: int32 (variant number).
//   - enum-packed/enum-expanded: []int32.
//   - enum-explicit: *int32, nil if absent.
//   - oneof: *Variant, nil if no variant is set.
type Record struct {
	Desc   *Descriptor
	Fields []any
}

// Variant is the flattened representation of a set oneof: which declared
// variant is present, and its payload.
type Variant struct {
	Index int // index into the oneof Descriptor's Fields
	Value any
}

// NewDefaultRecord builds a Record for desc with every field set to its
// well-defined default, matching the empty-input decode contract.
func NewDefaultRecord(desc *Descriptor) *Record {
	r := &Record{Desc: desc, Fields: make([]any, len(desc.Fields))}
	for i, f := range desc.Fields {
		r.Fields[i] = defaultValue(f)
	}
	return r
}

func defaultValue(d *Descriptor) any {
	switch d.Coding {
	case CodingMessage:
		return (*Record)(nil)
	case CodingMessageExpanded:
		return []*Record{}
	case CodingEnumImplicit:
		return int32(0)
	case CodingEnumPacked, CodingEnumExpanded:
		return []int32{}
	case CodingEnumExplicit:
		return (*int32)(nil)
	case CodingOneof:
		return (*Variant)(nil)
	}
	if d.Coding.IsScalar() {
		switch d.Coding.Presence() {
		case PresencePacked, PresenceExpanded:
			return emptyScalarSlice(d.Coding.Family())
		case PresenceExplicit:
			return nilScalarPointer(d.Coding.Family())
		default:
			return zeroScalar(d.Coding.Family())
		}
	}
	return nil
}

func zeroScalar(f Family) any {
	switch f {
	case FamilyBytes:
		return []byte(nil)
	case FamilyUTF8String, FamilyPermissiveString:
		return ""
	case FamilyBool:
		return false
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return int32(0)
	case FamilyUint32, FamilyFixed32:
		return uint32(0)
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return int64(0)
	case FamilyUint64, FamilyFixed64:
		return uint64(0)
	case FamilyFloat:
		return float32(0)
	case FamilyDouble:
		return float64(0)
	}
	return nil
}

func emptyScalarSlice(f Family) any {
	switch f {
	case FamilyBytes:
		return [][]byte{}
	case FamilyUTF8String, FamilyPermissiveString:
		return []string{}
	case FamilyBool:
		return []bool{}
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return []int32{}
	case FamilyUint32, FamilyFixed32:
		return []uint32{}
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return []int64{}
	case FamilyUint64, FamilyFixed64:
		return []uint64{}
	case FamilyFloat:
		return []float32{}
	case FamilyDouble:
		return []float64{}
	}
	return nil
}

func nilScalarPointer(f Family) any {
	switch f {
	case FamilyBytes:
		return (*[]byte)(nil)
	case FamilyUTF8String, FamilyPermissiveString:
		return (*string)(nil)
	case FamilyBool:
		return (*bool)(nil)
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return (*int32)(nil)
	case FamilyUint32, FamilyFixed32:
		return (*uint32)(nil)
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return (*int64)(nil)
	case FamilyUint64, FamilyFixed64:
		return (*uint64)(nil)
	case FamilyFloat:
		return (*float32)(nil)
	case FamilyDouble:
		return (*float64)(nil)
	}
	return nil
}
