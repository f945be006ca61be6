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

package crimux

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	v1 "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/podinit"
	"github.com/workd-run/workd/pkg/podruntime"
)

func TestPrefixRoundTrip(t *testing.T) {
	if got, isOCI := stripOCIPrefixed(ociPrefix("abc")); !isOCI || got != "abc" {
		t.Fatalf("stripOCIPrefixed(ociPrefix(abc)) = %q, %v; want abc, true", got, isOCI)
	}
	if _, isOCI := stripOCIPrefixed("abc"); isOCI {
		t.Fatalf("stripOCIPrefixed on an unprefixed id reported isOCI = true")
	}
}

func testPodName(t *testing.T) names.PodName {
	t.Helper()
	p, err := names.Parse("00000000000000000000000000000001:echo@1.0.0#a1").Pod()
	if err != nil {
		t.Fatalf("Pod: %v", err)
	}
	return p
}

func TestParsePodPrefixedName(t *testing.T) {
	name := testPodName(t)
	got, err := parsePodPrefixedName(podPrefix(name.String()))
	if err != nil {
		t.Fatalf("parsePodPrefixedName: %v", err)
	}
	if got != name {
		t.Fatalf("parsePodPrefixedName = %+v, want %+v", got, name)
	}
	if _, err := parsePodPrefixedName(name.String()); err == nil {
		t.Fatalf("parsePodPrefixedName without P: prefix: want error, got nil")
	}
}

func TestComponentNameFromLabels(t *testing.T) {
	labels := map[string]string{
		labelDomain:  "00000000000000000000000000000001",
		labelServer:  "echo",
		labelVersion: "1.0.0",
	}
	got, err := componentNameFromLabels(labels)
	if err != nil {
		t.Fatalf("componentNameFromLabels: %v", err)
	}
	want := testPodName(t).ComponentName
	if got != want {
		t.Fatalf("componentNameFromLabels = %+v, want %+v", got, want)
	}

	delete(labels, labelServer)
	if _, err := componentNameFromLabels(labels); err == nil {
		t.Fatalf("componentNameFromLabels with missing label: want error, got nil")
	}
}

func TestLabelsMatch(t *testing.T) {
	have := map[string]string{"a": "1", "b": "2"}
	if !labelsMatch(have, map[string]string{"a": "1"}) {
		t.Fatalf("labelsMatch: subset selector should match")
	}
	if labelsMatch(have, map[string]string{"a": "2"}) {
		t.Fatalf("labelsMatch: mismatched value should not match")
	}
	if labelsMatch(have, map[string]string{"c": "1"}) {
		t.Fatalf("labelsMatch: missing key should not match")
	}
}

func TestImageIDRoundTrip(t *testing.T) {
	component := testPodName(t).ComponentName
	id := imageIDFromComponent(localRegistry, component)
	registry, got, err := registryAndComponentFromImageID(id)
	if err != nil {
		t.Fatalf("registryAndComponentFromImageID: %v", err)
	}
	if registry != localRegistry || got != component {
		t.Fatalf("round trip = %q, %+v; want %q, %+v", registry, got, localRegistry, component)
	}
	if _, _, err := registryAndComponentFromImageID("not-an-image-id"); err == nil {
		t.Fatalf("registryAndComponentFromImageID on a malformed id: want error, got nil")
	}
}

func TestPodStateMappings(t *testing.T) {
	cases := []struct {
		state podruntime.State
		want  v1.ContainerState
	}{
		{podruntime.Created, v1.ContainerState_CONTAINER_CREATED},
		{podruntime.Running, v1.ContainerState_CONTAINER_RUNNING},
		{podruntime.Stopped, v1.ContainerState_CONTAINER_EXITED},
		{podruntime.Initiated, v1.ContainerState_CONTAINER_UNKNOWN},
	}
	for _, c := range cases {
		if got := podStateToCRIContainerState(c.state); got != c.want {
			t.Errorf("podStateToCRIContainerState(%s) = %v, want %v", c.state, got, c.want)
		}
	}
	if podStateToCRIPodState(podruntime.Killed) != v1.PodSandboxState_SANDBOX_NOTREADY {
		t.Errorf("podStateToCRIPodState(Killed) should report SANDBOX_NOTREADY")
	}
	if podStateToCRIPodState(podruntime.Running) != v1.PodSandboxState_SANDBOX_READY {
		t.Errorf("podStateToCRIPodState(Running) should report SANDBOX_READY")
	}
}

// --- fakes shared by the runtime/image service tests below ---

type fakeAllocated struct{ ip net.IP }

func (a *fakeAllocated) Activate(ctx context.Context, iface string) (ipam.ActiveAddress, error) {
	return &fakeActive{ip: a.ip}, nil
}
func (a *fakeAllocated) Deallocate(ctx context.Context) error { return nil }
func (a *fakeAllocated) IP() net.IP                            { return a.ip }

type fakeActive struct{ ip net.IP }

func (a *fakeActive) Deactivate(ctx context.Context) error { return nil }
func (a *fakeActive) IP() net.IP                           { return a.ip }

type fakeAllocator struct{ next byte }

func (a *fakeAllocator) Allocate(ctx context.Context, pod names.PodName) (ipam.AllocatedAddress, error) {
	a.next++
	return &fakeAllocated{ip: net.IPv4(10, 0, 0, a.next)}, nil
}

type fakeInitializer struct{}

func (fakeInitializer) Init(name names.ComponentName) (*podinit.Future, context.CancelFunc) {
	return podinit.Resolved(&podinit.Routes{Methods: map[string]*podinit.Method{}}, nil), func() {}
}

type fakeServer struct{}

func (fakeServer) Start(ln net.Listener, routes *podinit.Routes) (*podruntime.Killer, error) {
	return &podruntime.Killer{
		Graceful: func(ctx context.Context) error { return nil },
		Forceful: func() error { return nil },
	}, nil
}

func newTestRuntime() *podruntime.Runtime {
	return podruntime.New(fakeInitializer{}, &fakeAllocator{}, fakeServer{})
}

// stubRuntimeClient embeds the (nil) interface so only the methods a test
// exercises need overriding; any other call panics on a nil deref, which is
// the point — it means a test reached further than it meant to.
type stubRuntimeClient struct {
	v1.RuntimeServiceClient
	runPodSandbox  func(context.Context, *v1.RunPodSandboxRequest) (*v1.RunPodSandboxResponse, error)
	listPodSandbox func(context.Context, *v1.ListPodSandboxRequest) (*v1.ListPodSandboxResponse, error)
}

func (c *stubRuntimeClient) RunPodSandbox(ctx context.Context, req *v1.RunPodSandboxRequest, _ ...grpc.CallOption) (*v1.RunPodSandboxResponse, error) {
	return c.runPodSandbox(ctx, req)
}

func (c *stubRuntimeClient) ListPodSandbox(ctx context.Context, req *v1.ListPodSandboxRequest, _ ...grpc.CallOption) (*v1.ListPodSandboxResponse, error) {
	return c.listPodSandbox(ctx, req)
}

func sandboxConfigFor(t *testing.T, component names.ComponentName) *v1.PodSandboxConfig {
	t.Helper()
	return &v1.PodSandboxConfig{
		Metadata: &v1.PodSandboxMetadata{Name: "pod-a", Namespace: "default"},
		Labels: map[string]string{
			labelDomain:  string(component.Domain),
			labelServer:  component.Server,
			labelVersion: component.Version,
		},
	}
}

func TestRunPodSandboxRoutesByHandler(t *testing.T) {
	component := testPodName(t).ComponentName
	runtime := newTestRuntime()
	downstream := &stubRuntimeClient{
		runPodSandbox: func(ctx context.Context, req *v1.RunPodSandboxRequest) (*v1.RunPodSandboxResponse, error) {
			return &v1.RunPodSandboxResponse{PodSandboxId: "oci-sandbox-1"}, nil
		},
	}
	svc := NewProxyingRuntimeService(runtime, nil, downstream, "eth0", nil)

	owned, err := svc.RunPodSandbox(context.Background(), &v1.RunPodSandboxRequest{
		RuntimeHandler: ContainerRuntimeName,
		Config:         sandboxConfigFor(t, component),
	})
	if err != nil {
		t.Fatalf("RunPodSandbox (owned): %v", err)
	}
	if _, isOCI := stripOCIPrefixed(owned.PodSandboxId); isOCI {
		t.Fatalf("RunPodSandbox with our own handler returned an OCI-prefixed id: %q", owned.PodSandboxId)
	}
	if _, err := parsePodPrefixedName(owned.PodSandboxId); err != nil {
		t.Fatalf("owned sandbox id %q does not parse as a pod-prefixed name: %v", owned.PodSandboxId, err)
	}

	forwarded, err := svc.RunPodSandbox(context.Background(), &v1.RunPodSandboxRequest{RuntimeHandler: "runc"})
	if err != nil {
		t.Fatalf("RunPodSandbox (forwarded): %v", err)
	}
	stripped, isOCI := stripOCIPrefixed(forwarded.PodSandboxId)
	if !isOCI || stripped != "oci-sandbox-1" {
		t.Fatalf("RunPodSandbox forwarded id = %q, want O:oci-sandbox-1", forwarded.PodSandboxId)
	}
}

func TestListPodSandboxMergesBothRuntimes(t *testing.T) {
	component := testPodName(t).ComponentName
	runtime := newTestRuntime()
	name, err := runtime.InitPod(context.Background(), component, podruntime.SandboxMetadata{Name: "pod-a"}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}

	downstream := &stubRuntimeClient{
		listPodSandbox: func(ctx context.Context, req *v1.ListPodSandboxRequest) (*v1.ListPodSandboxResponse, error) {
			return &v1.ListPodSandboxResponse{Items: []*v1.PodSandbox{{Id: "oci-sandbox-1"}}}, nil
		},
	}
	svc := NewProxyingRuntimeService(runtime, nil, downstream, "eth0", nil)

	resp, err := svc.ListPodSandbox(context.Background(), &v1.ListPodSandboxRequest{})
	if err != nil {
		t.Fatalf("ListPodSandbox: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("ListPodSandbox returned %d items, want 2 (one owned, one downstream)", len(resp.Items))
	}

	var sawOwned, sawDownstream bool
	for _, item := range resp.Items {
		if item.Id == podPrefix(name.String()) {
			sawOwned = true
		}
		if item.Id == ociPrefix("oci-sandbox-1") {
			sawDownstream = true
		}
	}
	if !sawOwned || !sawDownstream {
		t.Fatalf("ListPodSandbox items = %+v; want one owned and one downstream-prefixed entry", resp.Items)
	}
}

func TestStopPodSandboxRoutesByPrefix(t *testing.T) {
	component := testPodName(t).ComponentName
	runtime := newTestRuntime()
	name, err := runtime.InitPod(context.Background(), component, podruntime.SandboxMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	svc := NewProxyingRuntimeService(runtime, nil, &stubRuntimeClient{}, "eth0", nil)

	if _, err := svc.StopPodSandbox(context.Background(), &v1.StopPodSandboxRequest{PodSandboxId: podPrefix(name.String())}); err != nil {
		t.Fatalf("StopPodSandbox: %v", err)
	}
	pod, err := runtime.Get(name)
	if err != nil || pod.State != podruntime.Killed {
		t.Fatalf("pod state after StopPodSandbox = %+v, %v; want Killed", pod, err)
	}
}

// stubImageClient mirrors stubRuntimeClient's narrow-override pattern for
// the image service.
type stubImageClient struct {
	v1.ImageServiceClient
	calls int
}

func (c *stubImageClient) ImageStatus(ctx context.Context, req *v1.ImageStatusRequest, _ ...grpc.CallOption) (*v1.ImageStatusResponse, error) {
	c.calls++
	return &v1.ImageStatusResponse{}, nil
}

func newTestStore(t *testing.T) *imagestore.ContainerStore {
	t.Helper()
	store, err := imagestore.New(t.TempDir(), nil, fakeCompiler{})
	if err != nil {
		t.Fatalf("imagestore.New: %v", err)
	}
	return store
}

type fakeComponent struct{}

func (fakeComponent) Serialize() ([]byte, error) { return []byte("compiled"), nil }

type fakeCompiler struct{}

func (fakeCompiler) Compile(wasmBytes []byte) (imagestore.CompiledComponent, error) {
	return fakeComponent{}, nil
}
func (fakeCompiler) Deserialize(precompiled []byte) (imagestore.CompiledComponent, error) {
	return fakeComponent{}, nil
}

func TestImageStatusNotPulledReturnsEmptyNotError(t *testing.T) {
	component := testPodName(t).ComponentName
	store := newTestStore(t)
	downstream := &stubImageClient{}
	svc := NewProxyingImageService(store, downstream)

	resp, err := svc.ImageStatus(context.Background(), &v1.ImageStatusRequest{
		Image: &v1.ImageSpec{Image: imageIDFromComponent(localRegistry, component)},
	})
	if err != nil {
		t.Fatalf("ImageStatus on a never-pulled component image: %v", err)
	}
	if resp.Image != nil {
		t.Fatalf("ImageStatus on a never-pulled component image returned a non-nil Image: %+v", resp.Image)
	}
	if downstream.calls != 0 {
		t.Fatalf("ImageStatus forwarded a component-owned image id downstream")
	}
}

func TestImageStatusForwardsUnownedImage(t *testing.T) {
	store := newTestStore(t)
	downstream := &stubImageClient{}
	svc := NewProxyingImageService(store, downstream)

	if _, err := svc.ImageStatus(context.Background(), &v1.ImageStatusRequest{
		Image: &v1.ImageSpec{Image: "docker.io/library/nginx:latest"},
	}); err != nil {
		t.Fatalf("ImageStatus on an unowned image id: %v", err)
	}
	if downstream.calls != 1 {
		t.Fatalf("ImageStatus on an unowned image id did not forward downstream")
	}
}

func containerConfigFor(component names.ComponentName) *v1.ContainerConfig {
	return &v1.ContainerConfig{
		Metadata: &v1.ContainerMetadata{Name: "main"},
		Image:    &v1.ImageSpec{Image: imageIDFromComponent(localRegistry, component)},
		Labels: map[string]string{
			labelDomain:  string(component.Domain),
			labelServer:  component.Server,
			labelVersion: component.Version,
		},
	}
}

func TestCreateContainerRejectsLabelComponentMismatch(t *testing.T) {
	component := testPodName(t).ComponentName
	other := component
	other.Server = "different"
	runtime := newTestRuntime()
	name, err := runtime.InitPod(context.Background(), component, podruntime.SandboxMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	svc := NewProxyingRuntimeService(runtime, nil, &stubRuntimeClient{}, "eth0", nil)

	config := containerConfigFor(component)
	config.Labels = containerConfigFor(other).Labels
	_, err = svc.CreateContainer(context.Background(), &v1.CreateContainerRequest{
		PodSandboxId: podPrefix(name.String()),
		Config:       config,
	})
	if err == nil {
		t.Fatalf("CreateContainer with labels naming a different component than the pod: want error, got nil")
	}
}

func TestCreateContainerRejectsImageComponentMismatch(t *testing.T) {
	component := testPodName(t).ComponentName
	other := component
	other.Server = "different"
	runtime := newTestRuntime()
	name, err := runtime.InitPod(context.Background(), component, podruntime.SandboxMetadata{}, nil, nil)
	if err != nil {
		t.Fatalf("InitPod: %v", err)
	}
	svc := NewProxyingRuntimeService(runtime, nil, &stubRuntimeClient{}, "eth0", nil)

	config := containerConfigFor(component)
	config.Image = containerConfigFor(other).Image
	_, err = svc.CreateContainer(context.Background(), &v1.CreateContainerRequest{
		PodSandboxId: podPrefix(name.String()),
		Config:       config,
	})
	if err == nil {
		t.Fatalf("CreateContainer with an image naming a different component than the pod: want error, got nil")
	}
}

func TestPullImageRejectsSandboxComponentMismatch(t *testing.T) {
	component := testPodName(t).ComponentName
	other := component
	other.Server = "different"
	store := newTestStore(t)
	svc := NewProxyingImageService(store, &stubImageClient{})

	_, err := svc.PullImage(context.Background(), &v1.PullImageRequest{
		Image:         &v1.ImageSpec{Image: imageIDFromComponent(localRegistry, component)},
		SandboxConfig: sandboxConfigFor(t, other),
	})
	if err == nil {
		t.Fatalf("PullImage with a sandbox labeled for a different component: want error, got nil")
	}
}
