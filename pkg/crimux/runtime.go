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
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	v1 "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/podruntime"
	"github.com/workd-run/workd/pkg/wlog"
)

// ProxyingRuntimeService is the node's single RuntimeServiceServer: it owns
// pod sandboxes whose runtime_handler names workd, and forwards every other
// request to a downstream OCI runtime over downstream. Existing pod/container
// ids, not runtime_handler, decide ownership for every request keyed by one.
type ProxyingRuntimeService struct {
	v1.UnimplementedRuntimeServiceServer

	runtime    *podruntime.Runtime
	store      *imagestore.ContainerStore
	downstream v1.RuntimeServiceClient

	// iface is the host network interface pod addresses are activated on.
	iface string
	// listen binds ip:port for a started pod's dispatch table.
	listen func(net.IP, int) (net.Listener, error)
}

// NewProxyingRuntimeService returns a RuntimeServiceServer backed by runtime
// for workd-owned pods and downstream for everything else.
func NewProxyingRuntimeService(runtime *podruntime.Runtime, store *imagestore.ContainerStore, downstream v1.RuntimeServiceClient, iface string, listen func(net.IP, int) (net.Listener, error)) *ProxyingRuntimeService {
	return &ProxyingRuntimeService{runtime: runtime, store: store, downstream: downstream, iface: iface, listen: listen}
}

const k8sContainerRestartCountAnnotation = "io.kubernetes.container.restartCount"

func restartCountFromAnnotations(annotations map[string]string) int64 {
	n, err := strconv.ParseInt(annotations[k8sContainerRestartCountAnnotation], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func podNotFoundStatus(err error) error {
	return status.Errorf(codes.NotFound, "%v", err)
}

// Version is answered from this process alone; Kubelet expects exactly one
// runtime identity per node and has no protocol for two.
func (s *ProxyingRuntimeService) Version(ctx context.Context, req *v1.VersionRequest) (*v1.VersionResponse, error) {
	return &v1.VersionResponse{
		Version:           kubeletAPIVersion,
		RuntimeName:       ContainerRuntimeName,
		RuntimeVersion:    containerRuntimeVersion,
		RuntimeApiVersion: containerRuntimeAPIVersion,
	}, nil
}

func (s *ProxyingRuntimeService) RunPodSandbox(ctx context.Context, req *v1.RunPodSandboxRequest) (*v1.RunPodSandboxResponse, error) {
	if req.RuntimeHandler != ContainerRuntimeName {
		resp, err := s.downstream.RunPodSandbox(ctx, req)
		if err != nil {
			return nil, err
		}
		return &v1.RunPodSandboxResponse{PodSandboxId: ociPrefix(resp.PodSandboxId)}, nil
	}

	config := req.Config
	component, err := componentNameFromLabels(config.GetLabels())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "run pod sandbox: %v", err)
	}
	var sandbox podruntime.SandboxMetadata
	if m := config.GetMetadata(); m != nil {
		sandbox = podruntime.SandboxMetadata{UID: m.Uid, Namespace: m.Namespace, Name: m.Name, Attempt: m.Attempt}
	}
	name, err := s.runtime.InitPod(ctx, component, sandbox, config.GetLabels(), config.GetAnnotations())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "run pod sandbox: %v", err)
	}
	return &v1.RunPodSandboxResponse{PodSandboxId: podPrefix(name.String())}, nil
}

func (s *ProxyingRuntimeService) StopPodSandbox(ctx context.Context, req *v1.StopPodSandboxRequest) (*v1.StopPodSandboxResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.PodSandboxId); isOCI {
		if _, err := s.downstream.StopPodSandbox(ctx, &v1.StopPodSandboxRequest{PodSandboxId: stripped}); err != nil {
			return nil, err
		}
		return &v1.StopPodSandboxResponse{}, nil
	}
	name, err := parsePodPrefixedName(req.PodSandboxId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "stop pod sandbox: %v", err)
	}
	if err := s.runtime.KillPod(ctx, name); err != nil {
		return nil, status.Errorf(codes.Internal, "stop pod sandbox: %v", err)
	}
	return &v1.StopPodSandboxResponse{}, nil
}

func (s *ProxyingRuntimeService) RemovePodSandbox(ctx context.Context, req *v1.RemovePodSandboxRequest) (*v1.RemovePodSandboxResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.PodSandboxId); isOCI {
		if _, err := s.downstream.RemovePodSandbox(ctx, &v1.RemovePodSandboxRequest{PodSandboxId: stripped}); err != nil {
			return nil, err
		}
		return &v1.RemovePodSandboxResponse{}, nil
	}
	name, err := parsePodPrefixedName(req.PodSandboxId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "remove pod sandbox: %v", err)
	}
	if err := s.runtime.KillPod(ctx, name); err != nil {
		return nil, status.Errorf(codes.Internal, "remove pod sandbox: %v", err)
	}
	if err := s.runtime.DeletePod(name); err != nil {
		return nil, status.Errorf(codes.Internal, "remove pod sandbox: %v", err)
	}
	return &v1.RemovePodSandboxResponse{}, nil
}

func (s *ProxyingRuntimeService) PodSandboxStatus(ctx context.Context, req *v1.PodSandboxStatusRequest) (*v1.PodSandboxStatusResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.PodSandboxId); isOCI {
		return s.downstream.PodSandboxStatus(ctx, &v1.PodSandboxStatusRequest{PodSandboxId: stripped, Verbose: req.Verbose})
	}
	name, err := parsePodPrefixedName(req.PodSandboxId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "pod sandbox status: %v", err)
	}
	pod, err := s.runtime.Get(name)
	if err != nil {
		return nil, podNotFoundStatus(err)
	}
	pStatus, containerStatuses := criPodSandboxStatus(pod)
	return &v1.PodSandboxStatusResponse{Status: pStatus, ContainersStatuses: containerStatuses}, nil
}

func (s *ProxyingRuntimeService) ListPodSandbox(ctx context.Context, req *v1.ListPodSandboxRequest) (*v1.ListPodSandboxResponse, error) {
	filter := req.Filter
	if filter != nil && filter.Id != "" {
		if stripped, isOCI := stripOCIPrefixed(filter.Id); isOCI {
			resp, err := s.downstream.ListPodSandbox(ctx, &v1.ListPodSandboxRequest{Filter: &v1.PodSandboxFilter{
				Id: stripped, State: filter.State, LabelSelector: filter.LabelSelector,
			}})
			if err != nil {
				return nil, err
			}
			return &v1.ListPodSandboxResponse{Items: prefixSandboxIDs(resp.Items)}, nil
		}
		name, err := parsePodPrefixedName(filter.Id)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "list pod sandbox: %v", err)
		}
		pod, err := s.runtime.Get(name)
		if err != nil {
			return &v1.ListPodSandboxResponse{}, nil
		}
		if !sandboxMatchesFilter(pod, filter) {
			return &v1.ListPodSandboxResponse{}, nil
		}
		return &v1.ListPodSandboxResponse{Items: []*v1.PodSandbox{criPodSandbox(pod)}}, nil
	}

	var items []*v1.PodSandbox
	for _, pod := range s.runtime.AllPods() {
		if sandboxMatchesFilter(pod, filter) {
			items = append(items, criPodSandbox(pod))
		}
	}

	resp, err := s.downstream.ListPodSandbox(ctx, &v1.ListPodSandboxRequest{Filter: filter})
	if err != nil {
		wlog.Errorf(wlog.Global, "list pod sandbox: downstream runtime unreachable: %v", err)
		return &v1.ListPodSandboxResponse{Items: items}, nil
	}
	items = append(items, prefixSandboxIDs(resp.Items)...)
	return &v1.ListPodSandboxResponse{Items: items}, nil
}

func prefixSandboxIDs(items []*v1.PodSandbox) []*v1.PodSandbox {
	out := make([]*v1.PodSandbox, len(items))
	for i, it := range items {
		c := *it
		c.Id = ociPrefix(it.Id)
		out[i] = &c
	}
	return out
}

func sandboxMatchesFilter(pod *podruntime.Pod, filter *v1.PodSandboxFilter) bool {
	if filter == nil {
		return true
	}
	if filter.State != nil && podStateToCRIPodState(pod.State) != filter.State.State {
		return false
	}
	return labelsMatch(pod.PodLabels, filter.LabelSelector)
}

func (s *ProxyingRuntimeService) CreateContainer(ctx context.Context, req *v1.CreateContainerRequest) (*v1.CreateContainerResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.PodSandboxId); isOCI {
		resp, err := s.downstream.CreateContainer(ctx, &v1.CreateContainerRequest{
			PodSandboxId: stripped, Config: req.Config, SandboxConfig: req.SandboxConfig,
		})
		if err != nil {
			return nil, err
		}
		return &v1.CreateContainerResponse{ContainerId: ociPrefix(resp.ContainerId)}, nil
	}

	name, err := parsePodPrefixedName(req.PodSandboxId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "create container: %v", err)
	}
	config := req.Config

	if spec := config.GetImage(); spec != nil {
		if _, imageComponent, err := registryAndComponentFromImageID(spec.Image); err == nil && imageComponent != name.ComponentName {
			return nil, status.Errorf(codes.InvalidArgument, "create container: image %s does not match pod component %s", imageComponent, name.ComponentName)
		}
	}
	if labelComponent, err := componentNameFromLabels(config.GetLabels()); err == nil && labelComponent != name.ComponentName {
		return nil, status.Errorf(codes.InvalidArgument, "create container: container labels name component %s, want pod component %s", labelComponent, name.ComponentName)
	}

	var metadata *podruntime.ContainerMetadata
	if m := config.GetMetadata(); m != nil {
		metadata = &podruntime.ContainerMetadata{
			Name:         m.Name,
			Attempt:      m.Attempt,
			RestartCount: restartCountFromAnnotations(config.GetAnnotations()),
		}
	}
	environment := make(map[string]string, len(config.GetEnvs()))
	for _, kv := range config.GetEnvs() {
		environment[kv.Key] = kv.Value
	}

	imageSpec, _, err := s.store.GetImage(name.ComponentName)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "create container: image not pulled for %s: %v", name.ComponentName, err)
	}

	if err := s.runtime.CreateContainer(name, metadata, config.GetLabels(), config.GetAnnotations(), environment, imageSpec); err != nil {
		return nil, status.Errorf(codes.Internal, "create container: %v", err)
	}
	return &v1.CreateContainerResponse{ContainerId: containerPrefix(name.String())}, nil
}

func (s *ProxyingRuntimeService) StartContainer(ctx context.Context, req *v1.StartContainerRequest) (*v1.StartContainerResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.ContainerId); isOCI {
		if _, err := s.downstream.StartContainer(ctx, &v1.StartContainerRequest{ContainerId: stripped}); err != nil {
			return nil, err
		}
		return &v1.StartContainerResponse{}, nil
	}
	name, err := parseContainerPrefixedName(req.ContainerId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "start container: %v", err)
	}
	if err := s.runtime.StartContainer(ctx, name, s.iface, s.listen); err != nil {
		return nil, status.Errorf(codes.Internal, "start container: %v", err)
	}
	return &v1.StartContainerResponse{}, nil
}

func (s *ProxyingRuntimeService) StopContainer(ctx context.Context, req *v1.StopContainerRequest) (*v1.StopContainerResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.ContainerId); isOCI {
		if _, err := s.downstream.StopContainer(ctx, &v1.StopContainerRequest{ContainerId: stripped, Timeout: req.Timeout}); err != nil {
			return nil, err
		}
		return &v1.StopContainerResponse{}, nil
	}
	name, err := parseContainerPrefixedName(req.ContainerId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "stop container: %v", err)
	}
	if err := s.runtime.StopContainer(ctx, name, time.Duration(req.Timeout)*time.Second); err != nil {
		return nil, status.Errorf(codes.Internal, "stop container: %v", err)
	}
	return &v1.StopContainerResponse{}, nil
}

func (s *ProxyingRuntimeService) RemoveContainer(ctx context.Context, req *v1.RemoveContainerRequest) (*v1.RemoveContainerResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.ContainerId); isOCI {
		if _, err := s.downstream.RemoveContainer(ctx, &v1.RemoveContainerRequest{ContainerId: stripped}); err != nil {
			return nil, err
		}
		return &v1.RemoveContainerResponse{}, nil
	}
	name, err := parseContainerPrefixedName(req.ContainerId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "remove container: %v", err)
	}
	if err := s.runtime.RemoveContainer(name); err != nil {
		return nil, status.Errorf(codes.Internal, "remove container: %v", err)
	}
	return &v1.RemoveContainerResponse{}, nil
}

func (s *ProxyingRuntimeService) ListContainers(ctx context.Context, req *v1.ListContainersRequest) (*v1.ListContainersResponse, error) {
	filter := req.Filter
	if filter != nil && filter.Id != "" {
		if stripped, isOCI := stripOCIPrefixed(filter.Id); isOCI {
			resp, err := s.downstream.ListContainers(ctx, &v1.ListContainersRequest{Filter: &v1.ContainerFilter{
				Id: stripped, PodSandboxId: unprefixIfSet(filter.PodSandboxId), State: filter.State, LabelSelector: filter.LabelSelector,
			}})
			if err != nil {
				return nil, err
			}
			return &v1.ListContainersResponse{Containers: prefixContainerIDs(resp.Containers)}, nil
		}
		name, err := parseContainerPrefixedName(filter.Id)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "list containers: %v", err)
		}
		pod, err := s.runtime.Get(name)
		if err != nil || !hasContainer(pod) || !containerMatchesFilter(pod, filter) {
			return &v1.ListContainersResponse{}, nil
		}
		return &v1.ListContainersResponse{Containers: []*v1.Container{criContainer(pod)}}, nil
	}

	var containers []*v1.Container
	for _, pod := range s.runtime.AllPods() {
		if hasContainer(pod) && containerMatchesFilter(pod, filter) {
			containers = append(containers, criContainer(pod))
		}
	}

	resp, err := s.downstream.ListContainers(ctx, &v1.ListContainersRequest{Filter: filter})
	if err != nil {
		wlog.Errorf(wlog.Global, "list containers: downstream runtime unreachable: %v", err)
		return &v1.ListContainersResponse{Containers: containers}, nil
	}
	containers = append(containers, prefixContainerIDs(resp.Containers)...)
	return &v1.ListContainersResponse{Containers: containers}, nil
}

func unprefixIfSet(id string) string {
	if id == "" {
		return ""
	}
	stripped, _ := stripOCIPrefixed(id)
	return stripped
}

func prefixContainerIDs(containers []*v1.Container) []*v1.Container {
	out := make([]*v1.Container, len(containers))
	for i, c := range containers {
		nc := *c
		nc.Id = ociPrefix(c.Id)
		nc.PodSandboxId = ociPrefix(c.PodSandboxId)
		out[i] = &nc
	}
	return out
}

func containerMatchesFilter(pod *podruntime.Pod, filter *v1.ContainerFilter) bool {
	if filter == nil {
		return true
	}
	if filter.PodSandboxId != "" {
		if name, err := parsePodPrefixedName(filter.PodSandboxId); err != nil || name != pod.Name {
			return false
		}
	}
	if filter.State != nil && !podStateIn(pod.State, criContainerStateToPodStates(filter.State.State)) {
		return false
	}
	return labelsMatch(pod.ContainerLabels, filter.LabelSelector)
}

func (s *ProxyingRuntimeService) ContainerStatus(ctx context.Context, req *v1.ContainerStatusRequest) (*v1.ContainerStatusResponse, error) {
	if stripped, isOCI := stripOCIPrefixed(req.ContainerId); isOCI {
		return s.downstream.ContainerStatus(ctx, &v1.ContainerStatusRequest{ContainerId: stripped, Verbose: req.Verbose})
	}
	name, err := parseContainerPrefixedName(req.ContainerId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "container status: %v", err)
	}
	pod, err := s.runtime.Get(name)
	if err != nil || !hasContainer(pod) {
		return nil, status.Errorf(codes.NotFound, "container status: %s: not found", req.ContainerId)
	}
	return &v1.ContainerStatusResponse{Status: criContainerStatus(pod)}, nil
}

// Status merges workd's own condition set with the downstream runtime's,
// so a single RuntimeReady=false from either side surfaces to Kubelet.
func (s *ProxyingRuntimeService) Status(ctx context.Context, req *v1.StatusRequest) (*v1.StatusResponse, error) {
	ours := []*v1.RuntimeCondition{
		{Type: v1.RuntimeReady, Status: true},
		{Type: v1.NetworkReady, Status: true},
	}
	downstream, err := s.downstream.Status(ctx, req)
	if err != nil {
		wlog.Errorf(wlog.Global, "status: downstream runtime unreachable: %v", err)
		return &v1.StatusResponse{Status: &v1.RuntimeStatus{Conditions: ours}}, nil
	}
	conditions := append(ours, downstream.GetStatus().GetConditions()...)
	return &v1.StatusResponse{Status: &v1.RuntimeStatus{Conditions: conditions}, Info: downstream.Info}, nil
}

// The remaining RuntimeServiceServer methods have no workd-owned semantics:
// they forward unconditionally to the downstream runtime. A pod interface
// this narrow never needs them, but Kubelet calls them for every pod it
// manages regardless of runtime_handler.

func (s *ProxyingRuntimeService) UpdateContainerResources(ctx context.Context, req *v1.UpdateContainerResourcesRequest) (*v1.UpdateContainerResourcesResponse, error) {
	return s.downstream.UpdateContainerResources(ctx, req)
}

func (s *ProxyingRuntimeService) ReopenContainerLog(ctx context.Context, req *v1.ReopenContainerLogRequest) (*v1.ReopenContainerLogResponse, error) {
	return s.downstream.ReopenContainerLog(ctx, req)
}

func (s *ProxyingRuntimeService) ExecSync(ctx context.Context, req *v1.ExecSyncRequest) (*v1.ExecSyncResponse, error) {
	return s.downstream.ExecSync(ctx, req)
}

func (s *ProxyingRuntimeService) Exec(ctx context.Context, req *v1.ExecRequest) (*v1.ExecResponse, error) {
	return s.downstream.Exec(ctx, req)
}

func (s *ProxyingRuntimeService) Attach(ctx context.Context, req *v1.AttachRequest) (*v1.AttachResponse, error) {
	return s.downstream.Attach(ctx, req)
}

func (s *ProxyingRuntimeService) PortForward(ctx context.Context, req *v1.PortForwardRequest) (*v1.PortForwardResponse, error) {
	return s.downstream.PortForward(ctx, req)
}

func (s *ProxyingRuntimeService) ContainerStats(ctx context.Context, req *v1.ContainerStatsRequest) (*v1.ContainerStatsResponse, error) {
	return s.downstream.ContainerStats(ctx, req)
}

func (s *ProxyingRuntimeService) ListContainerStats(ctx context.Context, req *v1.ListContainerStatsRequest) (*v1.ListContainerStatsResponse, error) {
	return s.downstream.ListContainerStats(ctx, req)
}

func (s *ProxyingRuntimeService) PodSandboxStats(ctx context.Context, req *v1.PodSandboxStatsRequest) (*v1.PodSandboxStatsResponse, error) {
	return s.downstream.PodSandboxStats(ctx, req)
}

func (s *ProxyingRuntimeService) ListPodSandboxStats(ctx context.Context, req *v1.ListPodSandboxStatsRequest) (*v1.ListPodSandboxStatsResponse, error) {
	return s.downstream.ListPodSandboxStats(ctx, req)
}

func (s *ProxyingRuntimeService) UpdateRuntimeConfig(ctx context.Context, req *v1.UpdateRuntimeConfigRequest) (*v1.UpdateRuntimeConfigResponse, error) {
	return s.downstream.UpdateRuntimeConfig(ctx, req)
}

func (s *ProxyingRuntimeService) CheckpointContainer(ctx context.Context, req *v1.CheckpointContainerRequest) (*v1.CheckpointContainerResponse, error) {
	return s.downstream.CheckpointContainer(ctx, req)
}

func (s *ProxyingRuntimeService) ListMetricDescriptors(ctx context.Context, req *v1.ListMetricDescriptorsRequest) (*v1.ListMetricDescriptorsResponse, error) {
	return s.downstream.ListMetricDescriptors(ctx, req)
}

func (s *ProxyingRuntimeService) ListPodSandboxMetrics(ctx context.Context, req *v1.ListPodSandboxMetricsRequest) (*v1.ListPodSandboxMetricsResponse, error) {
	return s.downstream.ListPodSandboxMetrics(ctx, req)
}

func (s *ProxyingRuntimeService) RuntimeConfig(ctx context.Context, req *v1.RuntimeConfigRequest) (*v1.RuntimeConfigResponse, error) {
	return s.downstream.RuntimeConfig(ctx, req)
}

// GetContainerEvents streams container state-change events; workd has no
// event bus to source these from and does not implement it.
func (s *ProxyingRuntimeService) GetContainerEvents(req *v1.GetEventsRequest, stream v1.RuntimeService_GetContainerEventsServer) error {
	return status.Error(codes.Unimplemented, "get container events not implemented")
}
