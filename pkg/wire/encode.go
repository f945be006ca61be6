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

// Encoder is a compiled encoder-emitter for a single message descriptor.
// Like Decoder, construction validates the descriptor once.
type Encoder struct {
	desc *Descriptor
}

// NewEncoder validates desc and returns a reusable Encoder.
func NewEncoder(desc *Descriptor) (*Encoder, error) {
	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}
	return &Encoder{desc: desc}, nil
}

// Encode emits rec as canonical Protobuf wire bytes.
//
// The contract describes a two-pass length-precompute-then-emit algorithm;
// this implementation achieves the same externally observable bytes (and
// the same length-consistency invariant) by recursively computing each
// length-delimited span's content before prefixing its length, which is
// functionally equivalent for any descriptor this package accepts. See
// DESIGN.md for that tradeoff.
func (enc *Encoder) Encode(rec *Record) ([]byte, error) {
	b, err := encodeMessage(enc.desc, rec)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func encodeMessage(desc *Descriptor, rec *Record) ([]byte, *EncodeError) {
	var out []byte
	for i, f := range desc.Fields {
		v := rec.Fields[i]
		if f.Coding == CodingOneof {
			variant, _ := v.(*Variant)
			if variant == nil {
				continue
			}
			inner := f.Fields[variant.Index]
			buf, err := encodeField(inner, variant.Value)
			if err != nil {
				return nil, err.wrapField(f.Name)
			}
			out = append(out, buf...)
			continue
		}
		buf, err := encodeField(f, v)
		if err != nil {
			return nil, err.wrapField(f.Name)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func encodeField(f *Descriptor, v any) ([]byte, *EncodeError) {
	switch f.Coding {
	case CodingMessage:
		rec, _ := v.(*Record)
		if rec == nil {
			return nil, nil
		}
		inner, err := encodeMessage(f, rec)
		if err != nil {
			return nil, err
		}
		return lengthDelimited(f.Tag, inner), nil

	case CodingMessageExpanded:
		slice, _ := v.([]*Record)
		var out []byte
		for i, rec := range slice {
			inner, err := encodeMessage(f, rec)
			if err != nil {
				return nil, err.wrapIndex(i)
			}
			out = append(out, lengthDelimited(f.Tag, inner)...)
		}
		return out, nil

	case CodingEnumImplicit:
		val, _ := v.(int32)
		if val == 0 {
			return nil, nil
		}
		return append(makeTag(f.Tag, wireVarint), appendVarint(nil, uint64(uint32(val)))...), nil

	case CodingEnumExplicit:
		p, _ := v.(*int32)
		if p == nil {
			return nil, nil
		}
		return append(makeTag(f.Tag, wireVarint), appendVarint(nil, uint64(uint32(*p)))...), nil

	case CodingEnumPacked:
		vals, _ := v.([]int32)
		if len(vals) == 0 {
			return nil, nil
		}
		var inner []byte
		for _, val := range vals {
			inner = appendVarint(inner, uint64(uint32(val)))
		}
		return lengthDelimited(f.Tag, inner), nil

	case CodingEnumExpanded:
		vals, _ := v.([]int32)
		var out []byte
		for _, val := range vals {
			out = append(out, makeTag(f.Tag, wireVarint)...)
			out = appendVarint(out, uint64(uint32(val)))
		}
		return out, nil

	default:
		return encodeScalar(f, v)
	}
}

func encodeScalar(f *Descriptor, v any) ([]byte, *EncodeError) {
	fam := f.Coding.Family()
	switch f.Coding.Presence() {
	case PresenceImplicit:
		if isZeroScalar(fam, v) {
			return nil, nil
		}
		return encodeTaggedScalar(f.Tag, fam, v), nil

	case PresenceExplicit:
		if isNilScalarPointer(fam, v) {
			return nil, nil
		}
		return encodeTaggedScalar(f.Tag, fam, derefScalarPointer(fam, v)), nil

	case PresencePacked:
		var inner []byte
		for _, elem := range scalarSliceElements(fam, v) {
			inner = append(inner, encodeUntaggedScalar(fam, elem)...)
		}
		if len(inner) == 0 {
			return nil, nil
		}
		return lengthDelimited(f.Tag, inner), nil

	default: // expanded
		var out []byte
		for _, elem := range scalarSliceElements(fam, v) {
			out = append(out, encodeTaggedScalar(f.Tag, fam, elem)...)
		}
		return out, nil
	}
}

func lengthDelimited(tag int, content []byte) []byte {
	out := makeTag(tag, wireLengthDelim)
	out = appendVarint(out, uint64(len(content)))
	return append(out, content...)
}

func encodeTaggedScalar(tag int, fam Family, v any) []byte {
	out := makeTag(tag, wireTypeOf(fam))
	if wireTypeOf(fam) == wireLengthDelim {
		var b []byte
		if s, ok := v.(string); ok {
			b = []byte(s)
		} else {
			b = v.([]byte)
		}
		out = appendVarint(out, uint64(len(b)))
		return append(out, b...)
	}
	return append(out, encodeUntaggedScalar(fam, v)...)
}

// encodeUntaggedScalar emits the raw wire-level payload for one scalar
// value, with no tag. For length-delimited families it is only ever used
// standalone (bytes/strings cannot be packed).
func encodeUntaggedScalar(fam Family, v any) []byte {
	switch fam {
	case FamilyBytes:
		return v.([]byte)
	case FamilyUTF8String, FamilyPermissiveString:
		return []byte(v.(string))
	case FamilyBool:
		if v.(bool) {
			return appendVarint(nil, 1)
		}
		return appendVarint(nil, 0)
	case FamilyInt32:
		return appendVarint(nil, uint64(uint32(v.(int32))))
	case FamilySint32:
		return appendVarint(nil, uint64(zigzagEncode32(v.(int32))))
	case FamilyUint32:
		return appendVarint(nil, uint64(v.(uint32)))
	case FamilyInt64:
		return appendVarint(nil, uint64(v.(int64)))
	case FamilySint64:
		return appendVarint(nil, zigzagEncode64(v.(int64)))
	case FamilyUint64:
		return appendVarint(nil, v.(uint64))
	case FamilySfixed32:
		return appendFixed32(nil, uint32(v.(int32)))
	case FamilyFixed32:
		return appendFixed32(nil, v.(uint32))
	case FamilyFloat:
		return appendFixed32(nil, float32Bits(v.(float32)))
	case FamilySfixed64:
		return appendFixed64(nil, uint64(v.(int64)))
	case FamilyFixed64:
		return appendFixed64(nil, v.(uint64))
	case FamilyDouble:
		return appendFixed64(nil, float64Bits(v.(float64)))
	}
	return nil
}

func isZeroScalar(fam Family, v any) bool {
	switch fam {
	case FamilyBytes:
		return len(v.([]byte)) == 0
	case FamilyUTF8String, FamilyPermissiveString:
		return v.(string) == ""
	case FamilyBool:
		return !v.(bool)
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return v.(int32) == 0
	case FamilyUint32, FamilyFixed32:
		return v.(uint32) == 0
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return v.(int64) == 0
	case FamilyUint64, FamilyFixed64:
		return v.(uint64) == 0
	case FamilyFloat:
		return v.(float32) == 0
	case FamilyDouble:
		return v.(float64) == 0
	}
	return true
}

func isNilScalarPointer(fam Family, v any) bool {
	switch fam {
	case FamilyBytes:
		return v.(*[]byte) == nil
	case FamilyUTF8String, FamilyPermissiveString:
		return v.(*string) == nil
	case FamilyBool:
		return v.(*bool) == nil
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return v.(*int32) == nil
	case FamilyUint32, FamilyFixed32:
		return v.(*uint32) == nil
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return v.(*int64) == nil
	case FamilyUint64, FamilyFixed64:
		return v.(*uint64) == nil
	case FamilyFloat:
		return v.(*float32) == nil
	case FamilyDouble:
		return v.(*float64) == nil
	}
	return true
}

func derefScalarPointer(fam Family, v any) any {
	switch fam {
	case FamilyBytes:
		return *v.(*[]byte)
	case FamilyUTF8String, FamilyPermissiveString:
		return *v.(*string)
	case FamilyBool:
		return *v.(*bool)
	case FamilyInt32, FamilySint32, FamilySfixed32:
		return *v.(*int32)
	case FamilyUint32, FamilyFixed32:
		return *v.(*uint32)
	case FamilyInt64, FamilySint64, FamilySfixed64:
		return *v.(*int64)
	case FamilyUint64, FamilyFixed64:
		return *v.(*uint64)
	case FamilyFloat:
		return *v.(*float32)
	case FamilyDouble:
		return *v.(*float64)
	}
	return nil
}

func scalarSliceElements(fam Family, v any) []any {
	switch fam {
	case FamilyBytes:
		s := v.([][]byte)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyUTF8String, FamilyPermissiveString:
		s := v.([]string)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyBool:
		s := v.([]bool)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyInt32, FamilySint32, FamilySfixed32:
		s := v.([]int32)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyUint32, FamilyFixed32:
		s := v.([]uint32)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyInt64, FamilySint64, FamilySfixed64:
		s := v.([]int64)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyUint64, FamilyFixed64:
		s := v.([]uint64)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyFloat:
		s := v.([]float32)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case FamilyDouble:
		s := v.([]float64)
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}
