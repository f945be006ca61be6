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

// Package ipam declares the per-pod IP address lifecycle the lifecycle
// state machine (pkg/podruntime) drives: allocate on init_pod, activate on
// start_container, deactivate then deallocate on kill_pod. The contract is
// implemented by an external collaborator; pkg/ipam/local.go supplies a
// process-local reference implementation.
package ipam

import (
	"context"
	"net"

	"github.com/workd-run/workd/pkg/names"
)

// Allocator reserves addresses for pods.
type Allocator interface {
	// Allocate reserves a single-owned address for pod. The caller is
	// responsible for eventually calling Deallocate on the result exactly
	// once, even on error paths; Go has no scope-exit destructor, so unlike
	// the contract this mirrors, release is not automatic.
	Allocate(ctx context.Context, pod names.PodName) (AllocatedAddress, error)
}

// AllocatedAddress is a reserved-but-not-yet-routable address.
type AllocatedAddress interface {
	// Activate attaches the address to iface, making it routable.
	Activate(ctx context.Context, iface string) (ActiveAddress, error)

	// Deallocate releases the reservation. Safe to call more than once;
	// only the first call has effect.
	Deallocate(ctx context.Context) error

	IP() net.IP
}

// ActiveAddress is an address currently attached to a network interface.
type ActiveAddress interface {
	// Deactivate detaches the address from its interface. Safe to call
	// more than once; only the first call has effect.
	Deactivate(ctx context.Context) error

	IP() net.IP
}
