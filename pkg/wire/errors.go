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
	"strconv"
	"strings"
)

// DecodeError is a non-recoverable decode failure. Path accumulates field
// numbers and repeated-indices as the error bubbles out of nested
// decode-mergers, outermost segment first.
type DecodeError struct {
	Path []string
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Malformed request (%s): %s", strings.Join(e.Path, ""), e.Msg)
}

// wrapField prepends a field-number segment, used as a decode error
// propagates out of the field at that tag.
func (e *DecodeError) wrapField(tag int) *DecodeError {
	return &DecodeError{Path: prepend(e.Path, "."+strconv.Itoa(tag)), Msg: e.Msg}
}

// wrapIndex prepends a repeated-index segment.
func (e *DecodeError) wrapIndex(idx int) *DecodeError {
	return &DecodeError{Path: prepend(e.Path, "["+strconv.Itoa(idx)+"]"), Msg: e.Msg}
}

func newDecodeError(msg string) *DecodeError {
	return &DecodeError{Msg: msg}
}

// EncodeError is a non-recoverable encode failure. Path accumulates field
// *names* (not numbers) as the error bubbles out of nested encoder-emitters.
type EncodeError struct {
	Path []string
	Msg  string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("EncodeError(%s): %s", strings.Join(e.Path, ""), e.Msg)
}

func (e *EncodeError) wrapField(name string) *EncodeError {
	return &EncodeError{Path: prepend(e.Path, "."+name), Msg: e.Msg}
}

func (e *EncodeError) wrapIndex(idx int) *EncodeError {
	return &EncodeError{Path: prepend(e.Path, "["+strconv.Itoa(idx)+"]"), Msg: e.Msg}
}

func newEncodeError(msg string) *EncodeError {
	return &EncodeError{Msg: msg}
}

func prepend(path []string, seg string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, seg)
	out = append(out, path...)
	return out
}
