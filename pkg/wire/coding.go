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

// Package wire implements the dynamic Protobuf <-> component-value codec: a
// decoder that merges wire bytes directly into a typed, descriptor-shaped
// value, and an encoder that does the inverse. Both directions are driven by
// a single Descriptor tree (see Descriptor) rather than generated code.
package wire

import "fmt"

// Family is one of the sixteen scalar field families.
type Family uint8

const (
	FamilyBytes Family = iota
	FamilyUTF8String
	FamilyPermissiveString
	FamilyBool
	FamilyInt32
	FamilySint32
	FamilySfixed32
	FamilyUint32
	FamilyFixed32
	FamilyInt64
	FamilySint64
	FamilySfixed64
	FamilyUint64
	FamilyFixed64
	FamilyFloat
	FamilyDouble
	numFamilies
)

// Presence is one of the four presence modes a scalar field may be coded
// with.
type Presence uint8

const (
	PresenceImplicit Presence = iota
	PresencePacked
	PresenceExplicit
	PresenceExpanded
	numPresences
)

// Coding is either a scalar coding (family*4 + presence, values 0..63, with
// presence recoverable as coding%4) or one of the compound family codings
// (message, message-expanded, enum-*, oneof), which live past the scalar
// range.
type Coding uint8

// ScalarCoding builds the numeric coding for a scalar family and presence
// mode.
func ScalarCoding(f Family, p Presence) Coding {
	return Coding(uint8(f)*uint8(numPresences) + uint8(p))
}

const scalarCodingLimit = Coding(uint8(numFamilies) * uint8(numPresences))

// IsScalar reports whether c names one of the sixteen scalar families.
func (c Coding) IsScalar() bool { return c < scalarCodingLimit }

// Family returns the scalar family of c. Only valid when c.IsScalar().
func (c Coding) Family() Family { return Family(uint8(c) / uint8(numPresences)) }

// Presence returns the presence mode of c. Only valid for scalar codings and
// the enum-* compound codings, both of which recover it as c%4 by
// construction below.
func (c Coding) Presence() Presence {
	if c.IsScalar() {
		return Presence(uint8(c) % uint8(numPresences))
	}
	switch c {
	case CodingEnumImplicit:
		return PresenceImplicit
	case CodingEnumPacked:
		return PresencePacked
	case CodingEnumExplicit:
		return PresenceExplicit
	case CodingEnumExpanded:
		return PresenceExpanded
	default:
		return PresenceImplicit
	}
}

const (
	CodingMessage Coding = scalarCodingLimit + iota
	CodingMessageExpanded
	CodingEnumImplicit
	CodingEnumPacked
	CodingEnumExplicit
	CodingEnumExpanded
	CodingOneof
)

func (c Coding) String() string {
	switch c {
	case CodingMessage:
		return "message"
	case CodingMessageExpanded:
		return "message-expanded"
	case CodingEnumImplicit:
		return "enum-implicit"
	case CodingEnumPacked:
		return "enum-packed"
	case CodingEnumExplicit:
		return "enum-explicit"
	case CodingEnumExpanded:
		return "enum-expanded"
	case CodingOneof:
		return "oneof"
	}
	if c.IsScalar() {
		return fmt.Sprintf("%s-%s", c.Family(), c.Presence())
	}
	return fmt.Sprintf("coding(%d)", uint8(c))
}

func (f Family) String() string {
	switch f {
	case FamilyBytes:
		return "bytes"
	case FamilyUTF8String:
		return "utf8-string"
	case FamilyPermissiveString:
		return "permissive-string"
	case FamilyBool:
		return "bool"
	case FamilyInt32:
		return "int32"
	case FamilySint32:
		return "sint32"
	case FamilySfixed32:
		return "sfixed32"
	case FamilyUint32:
		return "uint32"
	case FamilyFixed32:
		return "fixed32"
	case FamilyInt64:
		return "int64"
	case FamilySint64:
		return "sint64"
	case FamilySfixed64:
		return "sfixed64"
	case FamilyUint64:
		return "uint64"
	case FamilyFixed64:
		return "fixed64"
	case FamilyFloat:
		return "float"
	case FamilyDouble:
		return "double"
	}
	return "unknown-family"
}

func (p Presence) String() string {
	switch p {
	case PresenceImplicit:
		return "implicit"
	case PresencePacked:
		return "packed"
	case PresenceExplicit:
		return "explicit"
	case PresenceExpanded:
		return "expanded"
	}
	return "unknown-presence"
}

// Descriptor is a recursive coding descriptor for a single Protobuf field
// (or, at the root, a whole message). Fields holds, in declaration order:
// sub-fields for a message, variants for a oneof, or (tag, name) variant
// pairs for an enum.
type Descriptor struct {
	Tag    int // Protobuf wire field number; variant number for an enum variant.
	Name   string
	Coding Coding
	Fields []*Descriptor
}

// byTag looks up the sub-field of d whose wire tag is tag, returning its
// positional index too.
func (d *Descriptor) byTag(tag int) (int, *Descriptor) {
	for i, f := range d.Fields {
		if f.Tag == tag {
			return i, f
		}
	}
	return -1, nil
}
