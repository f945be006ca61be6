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

package podruntime

import (
	"context"
	"time"
)

// Killer shuts down a running pod's server, gracefully at first. It is
// populated in a pod's slot only while State is Running. Pod snapshots are
// swapped atomically by the CAS loop in transitions.go, so a Killer is
// naturally taken at most once: the transition that removes it from a slot
// is the only one that ever sees it there.
type Killer struct {
	// Graceful asks the server to stop accepting new work and finish
	// in-flight requests.
	Graceful func(ctx context.Context) error

	// Forceful drops the server immediately, abandoning in-flight requests.
	Forceful func() error
}

// StopWithTimeout attempts a graceful shutdown, falling back to a forceful
// one if it fails or doesn't complete within timeout. It reports whether the
// shutdown was graceful.
func (k *Killer) StopWithTimeout(ctx context.Context, timeout time.Duration) bool {
	done := make(chan error, 1)
	go func() { done <- k.Graceful(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			_ = k.Forceful()
			return false
		}
		return true
	case <-time.After(timeout):
		_ = k.Forceful()
		return false
	}
}
