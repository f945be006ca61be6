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

// Package wlog adds a component/pod-name tag to the standard library's log
// package, the same way callers throughout the teacher repo prefix their own
// log.Printf calls with a service name by hand.
package wlog

import (
	"fmt"
	"log"
)

// Tagged is anything that can describe itself for a log prefix: a pod name,
// a component name, or a static string.
type Tagged interface {
	String() string
}

type staticTag string

func (s staticTag) String() string { return string(s) }

// Global is used for messages with no single associated pod or component.
const Global staticTag = "workd"

// Errorf logs an error-level message tagged with who it concerns.
func Errorf(who Tagged, format string, args ...any) {
	log.Printf("ERROR [%s] %s", who, fmt.Sprintf(format, args...))
}

// Infof logs an info-level message tagged with who it concerns.
func Infof(who Tagged, format string, args ...any) {
	log.Printf("INFO  [%s] %s", who, fmt.Sprintf(format, args...))
}
