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

import "unicode/utf8"

// Decoder is a compiled decoder-merger for a single message descriptor.
// Construction (NewDecoder) validates the descriptor once; Decode is cheap
// to call repeatedly and safe for concurrent use.
type Decoder struct {
	desc   *Descriptor
	lookup map[int]fieldLookup
}

type fieldLookup struct {
	slot       int
	field      *Descriptor
	oneof      *Descriptor
	variantIdx int
}

// NewDecoder validates desc and returns a reusable Decoder.
func NewDecoder(desc *Descriptor) (*Decoder, error) {
	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}
	return &Decoder{desc: desc, lookup: buildLookup(desc)}, nil
}

func buildLookup(desc *Descriptor) map[int]fieldLookup {
	m := make(map[int]fieldLookup)
	for i, f := range desc.Fields {
		if f.Coding == CodingOneof {
			for vi, variant := range f.Fields {
				m[variant.Tag] = fieldLookup{slot: i, field: variant, oneof: f, variantIdx: vi}
			}
			continue
		}
		m[f.Tag] = fieldLookup{slot: i, field: f}
	}
	return m
}

// Decode merges data into a default-initialized Record shaped by the
// decoder's descriptor.
func (dec *Decoder) Decode(data []byte) (*Record, error) {
	rec := NewDefaultRecord(dec.desc)
	if err := dec.mergeInto(rec, data); err != nil {
		return nil, err
	}
	return rec, nil
}

func (dec *Decoder) mergeInto(rec *Record, data []byte) *DecodeError {
	pos := 0
	for pos < len(data) {
		tag, n, err := readVarint(data[pos:])
		if err != nil {
			return asDecodeError(err)
		}
		pos += n
		fieldNum := tag >> 3
		wireType := int(tag & 7)
		if fieldNum > (1 << 32) {
			return newDecodeError("field number exceeds 2^32")
		}

		lk, ok := dec.lookup[int(fieldNum)]
		if !ok {
			n, err := skipField(wireType, data[pos:])
			if err != nil {
				return asDecodeError(err)
			}
			pos += n
			continue
		}

		value, n, derr := mergeFieldValue(lk.field, wireType, data[pos:], rec.Fields[lk.slot])
		if derr != nil {
			return derr.wrapField(int(fieldNum))
		}
		pos += n

		if lk.oneof != nil {
			rec.Fields[lk.slot] = &Variant{Index: lk.variantIdx, Value: value}
		} else {
			rec.Fields[lk.slot] = value
		}
	}
	return nil
}

func asDecodeError(err error) *DecodeError {
	if de, ok := err.(*DecodeError); ok {
		return de
	}
	return newDecodeError(err.Error())
}

// mergeFieldValue decodes one occurrence of field f (whose wire type is
// wireType) from the front of buf, returning the new field slot value
// (merged with existing, for repeated/packed fields) and bytes consumed.
func mergeFieldValue(f *Descriptor, wireType int, buf []byte, existing any) (any, int, *DecodeError) {
	switch f.Coding {
	case CodingMessage:
		sub, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		rec, derr := decodeSubMessage(f, sub)
		if derr != nil {
			return nil, 0, derr
		}
		return rec, n, nil

	case CodingMessageExpanded:
		slice, _ := existing.([]*Record)
		sub, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		rec, derr := decodeSubMessage(f, sub)
		if derr != nil {
			return nil, 0, derr.wrapIndex(len(slice))
		}
		return append(slice, rec), n, nil

	case CodingEnumImplicit, CodingEnumExplicit:
		if wireType != wireVarint {
			return nil, 0, newDecodeError("expected varint for enum field")
		}
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		val := int32(uint32(v))
		if f.Coding == CodingEnumExplicit {
			return &val, n, nil
		}
		return val, n, nil

	case CodingEnumPacked, CodingEnumExpanded:
		slice, _ := existing.([]int32)
		if wireType == wireLengthDelim {
			sub, n, err := decodeLengthDelimited(buf)
			if err != nil {
				return nil, 0, err
			}
			p := 0
			for p < len(sub) {
				v, k, err := readVarint(sub[p:])
				if err != nil {
					return nil, 0, asDecodeError(err)
				}
				p += k
				slice = append(slice, int32(uint32(v)))
			}
			return slice, n, nil
		}
		if wireType != wireVarint {
			return nil, 0, newDecodeError("expected varint or length-delimited for repeated enum")
		}
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		slice = append(slice, int32(uint32(v)))
		return slice, n, nil

	default:
		return mergeScalar(f.Coding, wireType, buf, existing)
	}
}

func decodeSubMessage(f *Descriptor, sub []byte) (*Record, *DecodeError) {
	rec := NewDefaultRecord(f)
	var tmp Decoder
	tmp.desc = f
	tmp.lookup = buildLookup(f)
	if err := tmp.mergeInto(rec, sub); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeLengthDelimited(buf []byte) ([]byte, int, *DecodeError) {
	length, n, err := readVarint(buf)
	if err != nil {
		return nil, 0, asDecodeError(err)
	}
	if uint64(n)+length > uint64(len(buf)) {
		return nil, 0, newDecodeError("length-delimited field exceeds remaining budget")
	}
	return buf[n : n+int(length)], n + int(length), nil
}

func mergeScalar(coding Coding, wireType int, buf []byte, existing any) (any, int, *DecodeError) {
	fam := coding.Family()
	presence := coding.Presence()

	switch presence {
	case PresencePacked:
		if fam == FamilyBytes || fam == FamilyUTF8String || fam == FamilyPermissiveString {
			return nil, 0, newDecodeError("bytes/strings cannot be packed")
		}
		if wireType != wireLengthDelim {
			return nil, 0, newDecodeError("expected length-delimited for packed field")
		}
		sub, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		slice, derr := decodePackedScalars(fam, existing, sub)
		if derr != nil {
			return nil, 0, derr
		}
		return slice, n, nil

	case PresenceExpanded:
		v, n, err := decodeSingleScalar(fam, wireType, buf)
		if err != nil {
			return nil, 0, err
		}
		return appendScalar(fam, existing, v), n, nil

	case PresenceExplicit:
		v, n, err := decodeSingleScalar(fam, wireType, buf)
		if err != nil {
			return nil, 0, err
		}
		return scalarPointer(fam, v), n, nil

	default: // implicit
		v, n, err := decodeSingleScalar(fam, wireType, buf)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	}
}

func decodeSingleScalar(fam Family, wireType int, buf []byte) (any, int, *DecodeError) {
	if wireType != wireTypeOf(fam) {
		return nil, 0, newDecodeError("unexpected wire type for scalar field")
	}
	switch fam {
	case FamilyBytes:
		b, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, n, nil
	case FamilyUTF8String:
		b, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		if !utf8.Valid(b) {
			return nil, 0, newDecodeError("invalid UTF-8 in string field")
		}
		return string(b), n, nil
	case FamilyPermissiveString:
		b, n, err := decodeLengthDelimited(buf)
		if err != nil {
			return nil, 0, err
		}
		return string(b), n, nil
	case FamilyBool:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return v != 0, n, nil
	case FamilyInt32:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return int32(uint32(v)), n, nil
	case FamilySint32:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return zigzagDecode32(uint32(v)), n, nil
	case FamilyUint32:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return uint32(v), n, nil
	case FamilyInt64:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return int64(v), n, nil
	case FamilySint64:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return zigzagDecode64(v), n, nil
	case FamilyUint64:
		v, n, err := readVarint(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return v, n, nil
	case FamilySfixed32:
		v, n, err := readFixed32(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return int32(v), n, nil
	case FamilyFixed32:
		v, n, err := readFixed32(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return v, n, nil
	case FamilyFloat:
		v, n, err := readFixed32(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return float32FromBits(v), n, nil
	case FamilySfixed64:
		v, n, err := readFixed64(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return int64(v), n, nil
	case FamilyFixed64:
		v, n, err := readFixed64(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return v, n, nil
	case FamilyDouble:
		v, n, err := readFixed64(buf)
		if err != nil {
			return nil, 0, asDecodeError(err)
		}
		return float64FromBits(v), n, nil
	}
	return nil, 0, newDecodeError("unknown scalar family")
}

func decodePackedScalars(fam Family, existing any, sub []byte) (any, *DecodeError) {
	pos := 0
	appendOne := func() (any, int, *DecodeError) {
		// Packed elements use the family's natural unpacked wire type.
		switch wireTypeOf(fam) {
		case wireVarint:
			return decodeSingleScalar(fam, wireVarint, sub[pos:])
		case wire32Bit:
			return decodeSingleScalar(fam, wire32Bit, sub[pos:])
		case wire64Bit:
			return decodeSingleScalar(fam, wire64Bit, sub[pos:])
		}
		return nil, 0, newDecodeError("family cannot be packed")
	}
	for pos < len(sub) {
		v, n, err := appendOne()
		if err != nil {
			return nil, err
		}
		pos += n
		existing = appendScalar(fam, existing, v)
	}
	return existing, nil
}

func appendScalar(fam Family, existing any, v any) any {
	switch fam {
	case FamilyBytes:
		s, _ := existing.([][]byte)
		return append(s, v.([]byte))
	case FamilyUTF8String, FamilyPermissiveString:
		s, _ := existing.([]string)
		return append(s, v.(string))
	case FamilyBool:
		s, _ := existing.([]bool)
		return append(s, v.(bool))
	case FamilyInt32, FamilySint32, FamilySfixed32:
		s, _ := existing.([]int32)
		return append(s, v.(int32))
	case FamilyUint32, FamilyFixed32:
		s, _ := existing.([]uint32)
		return append(s, v.(uint32))
	case FamilyInt64, FamilySint64, FamilySfixed64:
		s, _ := existing.([]int64)
		return append(s, v.(int64))
	case FamilyUint64, FamilyFixed64:
		s, _ := existing.([]uint64)
		return append(s, v.(uint64))
	case FamilyFloat:
		s, _ := existing.([]float32)
		return append(s, v.(float32))
	case FamilyDouble:
		s, _ := existing.([]float64)
		return append(s, v.(float64))
	}
	return existing
}

func scalarPointer(fam Family, v any) any {
	switch fam {
	case FamilyBytes:
		b := v.([]byte)
		return &b
	case FamilyUTF8String, FamilyPermissiveString:
		s := v.(string)
		return &s
	case FamilyBool:
		b := v.(bool)
		return &b
	case FamilyInt32, FamilySint32, FamilySfixed32:
		i := v.(int32)
		return &i
	case FamilyUint32, FamilyFixed32:
		i := v.(uint32)
		return &i
	case FamilyInt64, FamilySint64, FamilySfixed64:
		i := v.(int64)
		return &i
	case FamilyUint64, FamilyFixed64:
		i := v.(uint64)
		return &i
	case FamilyFloat:
		f := v.(float32)
		return &f
	case FamilyDouble:
		f := v.(float64)
		return &f
	}
	return nil
}
