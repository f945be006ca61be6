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
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/podinit"
	"github.com/workd-run/workd/pkg/wlog"
)

// InitPod creates a new pod in the Initiated state and returns its name.
func (r *Runtime) InitPod(ctx context.Context, component names.ComponentName, sandbox SandboxMetadata, labels, annotations map[string]string) (names.PodName, error) {
	name := r.nextPodName(component)
	allocated, err := r.allocator.Allocate(ctx, name)
	if err != nil {
		return names.PodName{}, fmt.Errorf("init pod: %w", err)
	}

	pod := &Pod{
		State:           Initiated,
		Allocated:       allocated,
		Name:            name,
		SandboxMetadata: sandbox,
		PodLabels:       labels,
		PodAnnotations:  annotations,
		PodCreatedAt:    nowNanos(),
	}

	_, err = withPod[struct{}](r, name, true, func(old *Pod) (*Pod, struct{}, error) {
		if old != nil {
			return nil, struct{}{}, fmt.Errorf("init pod: pod id collision for %s", name)
		}
		return pod, struct{}{}, nil
	})
	if err != nil {
		_ = allocated.Deallocate(ctx)
		return names.PodName{}, err
	}
	wlog.Infof(name, "pod initialized")
	return name, nil
}

// CreateContainer transitions an Initiated or Removed pod to Created,
// starting its routes future; or, idempotently, re-records an unchanged
// Created/Starting/Running pod's metadata, replacing the routes future only
// if it previously failed and attempt has advanced.
func (r *Runtime) CreateContainer(name names.PodName, metadata *ContainerMetadata, labels, annotations, environment map[string]string, imageSpec *v1.Descriptor) error {
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		switch old.State {
		case Initiated, Removed:
			p := old.clone()
			p.State = Created
			p.ContainerMetadata = metadata
			p.ContainerLabels = labels
			p.ContainerAnnotations = annotations
			p.Environment = environment
			p.ImageSpec = imageSpec
			p.ContainerCreatedAt = nowNanos()
			p.Routes, _ = r.initializer.Init(old.Name.ComponentName)
			return p, struct{}{}, nil

		case Created, Starting, Running:
			if !containerMetadataEqual(old.ContainerMetadata, metadata) ||
				!stringMapEqual(old.ContainerLabels, labels) ||
				!containerAnnotationsEqual(old.ContainerAnnotations, annotations) ||
				!stringMapEqual(old.Environment, environment) ||
				!imageSpecEqual(old.ImageSpec, imageSpec) {
				return nil, struct{}{}, fmt.Errorf("create container %s: conflicting parameters for an existing container", name)
			}

			p := old.clone()
			p.State = Created
			p.ContainerMetadata = metadata
			failed := false
			if p.Routes == nil {
				failed = true
			} else if _, err, ok := p.Routes.Peek(); ok && err != nil {
				failed = true
			}
			advancedAttempt := metadata != nil && old.ContainerMetadata != nil && metadata.Attempt > old.ContainerMetadata.Attempt
			if failed && advancedAttempt {
				p.Routes, _ = r.initializer.Init(old.Name.ComponentName)
			}
			return p, struct{}{}, nil

		default:
			return nil, struct{}{}, errBadPriorState("create container", old.State)
		}
	})
	if err == nil {
		wlog.Infof(name, "container created")
	}
	return err
}

func imageSpecEqual(a, b *v1.Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Digest == b.Digest && a.Size == b.Size && a.MediaType == b.MediaType
}

// StartContainer moves a Created pod through Starting to Running: it waits
// for the routes future if necessary, binds a listener on the pod's address
// and GRPCPort, and starts serving. It is idempotent from Starting/Running.
func (r *Runtime) StartContainer(ctx context.Context, name names.PodName, iface string, listen func(net.IP, int) (net.Listener, error)) error {
	for {
		routes, waitFuture, err := r.startContainerClaim(name)
		if err != nil {
			return err
		}
		if routes == nil && waitFuture == nil {
			return nil // idempotent: already Starting/Running.
		}
		if waitFuture != nil {
			if _, err := waitFuture.Wait(ctx); err != nil {
				return fmt.Errorf("start container %s: %w", name, err)
			}
			continue // routes are ready now; retry the claim.
		}
		return r.startContainerFinish(ctx, name, iface, routes, listen)
	}
}

// startContainerClaim attempts to move a Created pod to Starting,
// establishing exclusivity over the bind step. Exactly one caller across any
// number of racing goroutines observes a non-nil routes return.
func (r *Runtime) startContainerClaim(name names.PodName) (routes *podinit.Routes, waitFuture *podinit.Future, err error) {
	_, err = withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		switch old.State {
		case Created:
			if old.Routes == nil {
				return nil, struct{}{}, fmt.Errorf("start container %s: routes future missing after create", name)
			}
			got, initErr, ok := old.Routes.Peek()
			if !ok {
				waitFuture = old.Routes
				return old, struct{}{}, nil
			}
			if initErr != nil {
				return nil, struct{}{}, fmt.Errorf("start container %s: %w", name, initErr)
			}
			routes = got
			p := old.clone()
			p.State = Starting
			return p, struct{}{}, nil

		case Starting, Running:
			return old, struct{}{}, nil // idempotent

		case Stopped:
			return nil, struct{}{}, fmt.Errorf("start container %s: restarting a stopped container is not implemented", name)

		default:
			return nil, struct{}{}, errBadPriorState("start container", old.State)
		}
	})
	return routes, waitFuture, err
}

// startContainerFinish binds a listener and starts serving, completing the
// Starting -> Running transition. On bind failure it reverts Starting back
// to Created, unless another task has since moved the pod on.
func (r *Runtime) startContainerFinish(ctx context.Context, name names.PodName, iface string, routes *podinit.Routes, listen func(net.IP, int) (net.Listener, error)) error {
	var ip net.IP
	var active ipam.ActiveAddress
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		ip = old.Allocated.IP()
		return old, struct{}{}, nil
	})
	if err != nil {
		return err
	}

	ln, bindErr := listen(ip, GRPCPort)
	if bindErr != nil {
		r.revertStartingToCreated(name)
		return fmt.Errorf("start container %s: bind: %w", name, bindErr)
	}

	killer, err := r.server.Start(ln, routes)
	if err != nil {
		_ = ln.Close()
		r.revertStartingToCreated(name)
		return fmt.Errorf("start container %s: %w", name, err)
	}

	active, activateErr := r.activate(ctx, name, iface)
	if activateErr != nil {
		_ = killer.Forceful()
		r.revertStartingToCreated(name)
		return fmt.Errorf("start container %s: activate address: %w", name, activateErr)
	}

	_, err = withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil || old.State != Starting {
			return nil, struct{}{}, fmt.Errorf("start container %s: state changed while starting", name)
		}
		p := old.clone()
		p.State = Running
		p.Killer = killer
		p.Active = active
		p.ContainerStartedAt = nowNanos()
		return p, struct{}{}, nil
	})
	if err != nil {
		_ = killer.Forceful()
		_ = active.Deactivate(ctx)
		return err
	}
	wlog.Infof(name, "container started")
	return nil
}

func (r *Runtime) revertStartingToCreated(name names.PodName) {
	_, _ = withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old != nil && old.State == Starting {
			p := old.clone()
			p.State = Created
			return p, struct{}{}, nil
		}
		return old, struct{}{}, nil
	})
}

func (r *Runtime) activate(ctx context.Context, name names.PodName, iface string) (ipam.ActiveAddress, error) {
	var allocated ipam.AllocatedAddress
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		allocated = old.Allocated
		return old, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return allocated.Activate(ctx, iface)
}

// StopContainer transitions a Starting/Running pod to Stopped, taking its
// killer and shutting the server down (gracefully within timeout, forcefully
// after). It is idempotent from Stopped.
func (r *Runtime) StopContainer(ctx context.Context, name names.PodName, timeout time.Duration) error {
	var killer *Killer
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		switch old.State {
		case Starting, Running:
			killer = old.Killer
			p := old.clone()
			p.State = Stopped
			p.Killer = nil
			p.ContainerFinishedAt = nowNanos()
			return p, struct{}{}, nil
		case Stopped:
			return old, struct{}{}, nil // idempotent
		default:
			return nil, struct{}{}, errBadPriorState("stop container", old.State)
		}
	})
	if err != nil {
		return err
	}
	if killer != nil {
		if !killer.StopWithTimeout(ctx, timeout) {
			wlog.Infof(name, "container stopped forcefully after %s", timeout)
		}
	}
	return nil
}

// RemoveContainer transitions a Stopped pod to Removed. Idempotent from
// Removed.
func (r *Runtime) RemoveContainer(name names.PodName) error {
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		switch old.State {
		case Stopped:
			p := old.clone()
			p.State = Removed
			return p, struct{}{}, nil
		case Removed:
			return old, struct{}{}, nil
		default:
			return nil, struct{}{}, errBadPriorState("remove container", old.State)
		}
	})
	return err
}

// KillPod short-circuits a pod of any prior state (except Killed) to Killed:
// if a killer is present, it attempts graceful then forceful shutdown with a
// 1-second courtesy window; the IP address is deactivated then deallocated.
// Idempotent from Killed.
func (r *Runtime) KillPod(ctx context.Context, name names.PodName) error {
	var killer *Killer
	var active ipam.ActiveAddress
	var allocated ipam.AllocatedAddress
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		if old.State == Killed {
			return old, struct{}{}, nil
		}
		killer = old.Killer
		active = old.Active
		allocated = old.Allocated
		p := old.clone()
		p.State = Killed
		p.Killer = nil
		p.Active = nil
		return p, struct{}{}, nil
	})
	if err != nil {
		return err
	}

	if killer != nil {
		killer.StopWithTimeout(ctx, time.Second)
	}
	if active != nil {
		if err := active.Deactivate(ctx); err != nil {
			wlog.Errorf(name, "deactivating address: %v", err)
		}
	}
	if allocated != nil {
		if err := allocated.Deallocate(ctx); err != nil {
			wlog.Errorf(name, "deallocating address: %v", err)
		}
	}
	wlog.Infof(name, "pod killed")
	return nil
}

// DeletePod removes a Killed pod's entry entirely.
func (r *Runtime) DeletePod(name names.PodName) error {
	_, err := withPod[struct{}](r, name, false, func(old *Pod) (*Pod, struct{}, error) {
		if old == nil {
			return nil, struct{}{}, errPodNotFound
		}
		if old.State != Killed {
			return nil, struct{}{}, errBadPriorState("delete pod", old.State)
		}
		return nil, struct{}{}, nil
	})
	return err
}

// Get returns a pod's current snapshot.
func (r *Runtime) Get(name names.PodName) (*Pod, error) {
	return withPod[*Pod](r, name, false, func(old *Pod) (*Pod, *Pod, error) {
		if old == nil {
			return nil, nil, errPodNotFound
		}
		return old, old, nil
	})
}

// List returns a snapshot of every pod belonging to component.
func (r *Runtime) List(component names.ComponentName) []*Pod {
	b := r.bucket(component)
	var pods []*Pod
	b.pods.Range(func(_, value any) bool {
		if p := value.(*slot).value.Load(); p != nil {
			pods = append(pods, p)
		}
		return true
	})
	return pods
}

// AllPods returns a snapshot of every pod across every domain and component,
// for queries that search exhaustively rather than against one component.
func (r *Runtime) AllPods() []*Pod {
	var pods []*Pod
	r.domains.Range(func(_, rawComponents any) bool {
		rawComponents.(*sync.Map).Range(func(_, rawBucket any) bool {
			rawBucket.(*componentBucket).pods.Range(func(_, value any) bool {
				if p := value.(*slot).value.Load(); p != nil {
					pods = append(pods, p)
				}
				return true
			})
			return true
		})
		return true
	})
	return pods
}
