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
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/podinit"
)

func testComponent(t *testing.T) names.ComponentName {
	t.Helper()
	n, err := names.Parse("00000000000000000000000000000001:echo@1.0.0").Component()
	if err != nil {
		t.Fatalf("Component: %v", err)
	}
	return n
}

type fakeActive struct {
	mu    sync.Mutex
	ip    net.IP
	count int
}

func (a *fakeActive) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return nil
}

func (a *fakeActive) IP() net.IP { return a.ip }

type fakeAllocated struct {
	mu       sync.Mutex
	ip       net.IP
	deallocs int
}

func (a *fakeAllocated) Activate(ctx context.Context, iface string) (ipam.ActiveAddress, error) {
	return &fakeActive{ip: a.ip}, nil
}

func (a *fakeAllocated) Deallocate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deallocs++
	return nil
}

func (a *fakeAllocated) IP() net.IP { return a.ip }

type fakeAllocator struct {
	mu   sync.Mutex
	next byte
}

func (a *fakeAllocator) Allocate(ctx context.Context, pod names.PodName) (ipam.AllocatedAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return &fakeAllocated{ip: net.IPv4(10, 0, 0, a.next)}, nil
}

type fakeServer struct {
	mu        sync.Mutex
	started   int
	graceful  int
	forceful  int
	failStart bool
	failStop  bool // Graceful never completes, forcing StopWithTimeout's fallback.
}

func (s *fakeServer) Start(ln net.Listener, routes *podinit.Routes) (*Killer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStart {
		return nil, errors.New("bind refused")
	}
	s.started++
	return &Killer{
		Graceful: func(ctx context.Context) error {
			if s.failStop {
				<-ctx.Done()
				return ctx.Err()
			}
			s.mu.Lock()
			s.graceful++
			s.mu.Unlock()
			return nil
		},
		Forceful: func() error {
			s.mu.Lock()
			s.forceful++
			s.mu.Unlock()
			return nil
		},
	}, nil
}

func fakeListen(ip net.IP, port int) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

type fakeInitializer struct {
	mu      sync.Mutex
	calls   int
	routes  *podinit.Routes
	initErr error
}

func (f *fakeInitializer) Init(name names.ComponentName) (*podinit.Future, context.CancelFunc) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return podinit.Resolved(f.routes, f.initErr), func() {}
}

func emptyRoutes() *podinit.Routes {
	return &podinit.Routes{Methods: map[string]*podinit.Method{}}
}

func newTestRuntime(init *fakeInitializer, server *fakeServer) (*Runtime, *fakeAllocator) {
	alloc := &fakeAllocator{}
	return New(init, alloc, server), alloc
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	server := &fakeServer{}
	r, _ := newTestRuntime(init, server)

	name, err := r.InitPod(ctx, testComponent(t), SandboxMetadata{UID: "sandbox-1"}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	pod, err := r.Get(name)
	if err != nil || pod.State != Initiated {
		t.Fatalf("Get after InitPod = %+v, %v; want Initiated", pod, err)
	}

	meta := &ContainerMetadata{Name: "echo", Attempt: 0}
	if err := r.CreateContainer(name, meta, nil, nil, nil, nil); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if pod, _ := r.Get(name); pod.State != Created {
		t.Fatalf("state after CreateContainer = %s, want Created", pod.State)
	}

	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	pod, err = r.Get(name)
	if err != nil || pod.State != Running {
		t.Fatalf("state after StartContainer = %+v, %v; want Running", pod, err)
	}
	if server.started != 1 {
		t.Fatalf("server.started = %d, want 1", server.started)
	}

	if err := r.StopContainer(ctx, name, time.Second); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}
	if pod, _ := r.Get(name); pod.State != Stopped {
		t.Fatalf("state after StopContainer = %s, want Stopped", pod.State)
	}
	if server.graceful != 1 {
		t.Fatalf("server.graceful = %d, want 1", server.graceful)
	}

	if err := r.RemoveContainer(name); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if pod, _ := r.Get(name); pod.State != Removed {
		t.Fatalf("state after RemoveContainer = %s, want Removed", pod.State)
	}

	if err := r.KillPod(ctx, name); err != nil {
		t.Fatalf("KillPod: %v", err)
	}
	if pod, _ := r.Get(name); pod.State != Killed {
		t.Fatalf("state after KillPod = %s, want Killed", pod.State)
	}

	if err := r.DeletePod(name); err != nil {
		t.Fatalf("DeletePod: %v", err)
	}
	if _, err := r.Get(name); err != errPodNotFound {
		t.Fatalf("Get after DeletePod = %v, want errPodNotFound", err)
	}
}

func TestCreateContainerIdempotent(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	r, _ := newTestRuntime(init, &fakeServer{})

	name, err := r.InitPod(ctx, testComponent(t), SandboxMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	meta := &ContainerMetadata{Name: "echo", Attempt: 0}
	labels := map[string]string{"a": "1"}
	if err := r.CreateContainer(name, meta, labels, nil, nil, nil); err != nil {
		t.Fatalf("first CreateContainer: %v", err)
	}
	if err := r.CreateContainer(name, meta, labels, nil, nil, nil); err != nil {
		t.Fatalf("repeat CreateContainer with identical params: %v", err)
	}
	if init.calls != 1 {
		t.Fatalf("initializer invoked %d times, want 1 (idempotent replay should not restart it)", init.calls)
	}

	conflicting := &ContainerMetadata{Name: "different", Attempt: 0}
	if err := r.CreateContainer(name, conflicting, labels, nil, nil, nil); err == nil {
		t.Fatalf("CreateContainer with conflicting metadata: want error, got nil")
	}
}

func TestCreateContainerReattemptsAfterFailure(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{initErr: errors.New("image pull failed")}
	r, _ := newTestRuntime(init, &fakeServer{})

	name, err := r.InitPod(ctx, testComponent(t), SandboxMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	meta := &ContainerMetadata{Name: "echo", Attempt: 0}
	if err := r.CreateContainer(name, meta, nil, nil, nil, nil); err != nil {
		t.Fatalf("first CreateContainer: %v", err)
	}
	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err == nil {
		t.Fatalf("StartContainer against a failed routes future: want error, got nil")
	}
	if init.calls != 1 {
		t.Fatalf("initializer invoked %d times after first create, want 1", init.calls)
	}

	init.initErr = nil
	init.routes = emptyRoutes()
	retry := &ContainerMetadata{Name: "echo", Attempt: 1}
	if err := r.CreateContainer(name, retry, nil, nil, nil, nil); err != nil {
		t.Fatalf("reattempt CreateContainer: %v", err)
	}
	if init.calls != 2 {
		t.Fatalf("initializer invoked %d times after reattempt, want 2", init.calls)
	}
	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err != nil {
		t.Fatalf("StartContainer after reattempt: %v", err)
	}
}

func TestStopContainerFallsBackToForceful(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	server := &fakeServer{failStop: true}
	r, _ := newTestRuntime(init, server)

	name, _ := r.InitPod(ctx, testComponent(t), SandboxMetadata{}, nil, nil)
	meta := &ContainerMetadata{Name: "echo"}
	if err := r.CreateContainer(name, meta, nil, nil, nil, nil); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	if err := r.StopContainer(ctx, name, 20*time.Millisecond); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}
	server.mu.Lock()
	forceful := server.forceful
	server.mu.Unlock()
	if forceful != 1 {
		t.Fatalf("server.forceful = %d, want 1", forceful)
	}
}

func TestStartContainerRejectsBadPriorState(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	r, _ := newTestRuntime(init, &fakeServer{})

	name, _ := r.InitPod(ctx, testComponent(t), SandboxMetadata{}, nil, nil)
	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err == nil {
		t.Fatalf("StartContainer on a pod with no container created: want error, got nil")
	}
}

func TestKillPodShortCircuitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	r, _ := newTestRuntime(init, &fakeServer{})

	name, _ := r.InitPod(ctx, testComponent(t), SandboxMetadata{}, nil, nil)
	meta := &ContainerMetadata{Name: "echo"}
	if err := r.CreateContainer(name, meta, nil, nil, nil, nil); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := r.StartContainer(ctx, name, "eth0", fakeListen); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	pod, err := r.Get(name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	allocated := pod.Allocated.(*fakeAllocated)
	active := pod.Active.(*fakeActive)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.KillPod(ctx, name)
		}()
	}
	wg.Wait()

	allocated.mu.Lock()
	deallocs := allocated.deallocs
	allocated.mu.Unlock()
	active.mu.Lock()
	deactivations := active.count
	active.mu.Unlock()

	if deallocs != 1 {
		t.Fatalf("Deallocate called %d times across racing KillPod callers, want exactly 1", deallocs)
	}
	if deactivations != 1 {
		t.Fatalf("Deactivate called %d times across racing KillPod callers, want exactly 1", deactivations)
	}
	if pod, _ := r.Get(name); pod.State != Killed {
		t.Fatalf("state after concurrent KillPod = %s, want Killed", pod.State)
	}
}

func TestListReturnsAllPodsForComponent(t *testing.T) {
	ctx := context.Background()
	init := &fakeInitializer{routes: emptyRoutes()}
	r, _ := newTestRuntime(init, &fakeServer{})
	component := testComponent(t)

	for i := 0; i < 3; i++ {
		if _, err := r.InitPod(ctx, component, SandboxMetadata{}, nil, nil); err != nil {
			t.Fatalf("InitPod: %v", err)
		}
	}

	pods := r.List(component)
	if len(pods) != 3 {
		t.Fatalf("List returned %d pods, want 3", len(pods))
	}
}
