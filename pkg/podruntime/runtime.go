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
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/podinit"
)

// Server binds a pod's routes to the network once its state machine reaches
// Starting, and hands back a [Killer] once serving has begun.
type Server interface {
	Start(ln net.Listener, routes *podinit.Routes) (*Killer, error)
}

// Initializer starts a pod's dispatch-table construction in the background.
// Satisfied by [*podinit.PodInitializer]; narrowed to this single method so
// the state machine only depends on what it actually calls.
type Initializer interface {
	Init(name names.ComponentName) (*podinit.Future, context.CancelFunc)
}

// slot is one pod's entry: a CAS-updated pointer to its current immutable
// snapshot. A nil value means the slot is logically empty (never observed
// by callers; emptied slots are deleted from their component bucket).
type slot struct {
	value atomic.Pointer[Pod]
}

// componentBucket holds every pod for one component, keyed by pod ID. This
// is the lower level of the two-level sharding Runtime.domains uses, mirroring
// the reference implementation's per-domain, per-component map split: pods
// belonging to different components never contend on the same inner map.
type componentBucket struct {
	pods sync.Map // pod ID (string) -> *slot
}

// Runtime is the node-local pod lifecycle state machine.
type Runtime struct {
	domains sync.Map // domain (string) -> *sync.Map of component key (string) -> *componentBucket

	nextPodID atomic.Uint64

	initializer Initializer
	allocator   ipam.Allocator
	server      Server
}

// New returns an empty [Runtime].
func New(initializer Initializer, allocator ipam.Allocator, server Server) *Runtime {
	return &Runtime{initializer: initializer, allocator: allocator, server: server}
}

func componentKey(name names.ComponentName) string {
	return name.Server + "@" + name.Version
}

// bucket returns the componentBucket for name, creating the domain and
// component levels on first use.
func (r *Runtime) bucket(name names.ComponentName) *componentBucket {
	domainKey := name.Domain.String()
	rawDomain, _ := r.domains.LoadOrStore(domainKey, &sync.Map{})
	components := rawDomain.(*sync.Map)

	key := componentKey(name)
	rawBucket, _ := components.LoadOrStore(key, &componentBucket{})
	return rawBucket.(*componentBucket)
}

// slotFor returns the slot for pod, creating it if create is true and it
// doesn't yet exist.
func (r *Runtime) slotFor(pod names.PodName, create bool) (*slot, bool) {
	b := r.bucket(pod.ComponentName)
	if create {
		raw, _ := b.pods.LoadOrStore(pod.PodID, &slot{})
		return raw.(*slot), true
	}
	raw, ok := b.pods.Load(pod.PodID)
	if !ok {
		return nil, false
	}
	return raw.(*slot), true
}

// withPod runs fn against the current snapshot in pod's slot (nil if the
// pod doesn't exist), retrying until fn's replacement is installed without
// racing another writer. fn returns the new snapshot to install (or the
// same pointer it was given, to leave it unchanged) and a result/error. If
// fn returns a nil snapshot, the pod is deleted from its bucket.
func withPod[R any](r *Runtime, name names.PodName, create bool, fn func(old *Pod) (*Pod, R, error)) (R, error) {
	var zero R
	s, ok := r.slotFor(name, create)
	if !ok {
		return fn(nil)
	}
	for {
		old := s.value.Load()
		newPod, result, err := fn(old)
		if err != nil {
			return zero, err
		}
		if newPod == old {
			return result, nil
		}
		if newPod == nil {
			// Deletion: best-effort removal of an empty slot. A concurrent
			// writer racing us here will simply recreate the slot, which is
			// harmless since slots are looked up by ID, not by presence.
			if s.value.CompareAndSwap(old, nil) {
				b := r.bucket(name.ComponentName)
				b.pods.Delete(name.PodID)
				return result, nil
			}
			continue
		}
		if s.value.CompareAndSwap(old, newPod) {
			return result, nil
		}
	}
}

// nextPodName allocates a new, unused pod ID for component.
func (r *Runtime) nextPodName(component names.ComponentName) names.PodName {
	id := r.nextPodID.Add(1) - 1
	return names.PodName{ComponentName: component, PodID: fmt.Sprintf("%x", id)}
}

var errPodNotFound = fmt.Errorf("pod not found")

func errBadPriorState(op string, s State) error {
	return fmt.Errorf("%s: bad prior state %s", op, s)
}
