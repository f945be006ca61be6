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
	v1 "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/workd-run/workd/pkg/podruntime"
)

// podStatesContainerAll lists every pod state for which a container exists
// at all, for filters with no container-state restriction.
var podStatesContainerAll = []podruntime.State{
	podruntime.Created, podruntime.Starting, podruntime.Running, podruntime.Stopped,
}
var podStatesContainerCreated = []podruntime.State{podruntime.Created, podruntime.Starting}
var podStatesContainerRunning = []podruntime.State{podruntime.Running}
var podStatesContainerExited = []podruntime.State{podruntime.Stopped, podruntime.Removed, podruntime.Killed}

func podStateToCRIPodState(s podruntime.State) v1.PodSandboxState {
	if s == podruntime.Killed {
		return v1.PodSandboxState_SANDBOX_NOTREADY
	}
	return v1.PodSandboxState_SANDBOX_READY
}

func podStateToCRIContainerState(s podruntime.State) v1.ContainerState {
	switch s {
	case podruntime.Created, podruntime.Starting:
		return v1.ContainerState_CONTAINER_CREATED
	case podruntime.Running:
		return v1.ContainerState_CONTAINER_RUNNING
	case podruntime.Stopped:
		return v1.ContainerState_CONTAINER_EXITED
	default:
		return v1.ContainerState_CONTAINER_UNKNOWN
	}
}

func criContainerStateToPodStates(state v1.ContainerState) []podruntime.State {
	switch state {
	case v1.ContainerState_CONTAINER_CREATED:
		return podStatesContainerCreated
	case v1.ContainerState_CONTAINER_RUNNING:
		return podStatesContainerRunning
	case v1.ContainerState_CONTAINER_EXITED:
		return podStatesContainerExited
	default:
		return podStatesContainerAll
	}
}

func podStateIn(s podruntime.State, set []podruntime.State) bool {
	for _, want := range set {
		if s == want {
			return true
		}
	}
	return false
}

// hasContainer reports whether pod's state implies its container exists at
// all (Initiated/Removed/Killed pods never have a container to report).
func hasContainer(pod *podruntime.Pod) bool {
	return podStateIn(pod.State, podStatesContainerAll)
}

func criPodSandbox(pod *podruntime.Pod) *v1.PodSandbox {
	return &v1.PodSandbox{
		Id:             podPrefix(pod.Name.String()),
		RuntimeHandler: ContainerRuntimeName,
		State:          podStateToCRIPodState(pod.State),
		Metadata: &v1.PodSandboxMetadata{
			Uid:       pod.SandboxMetadata.UID,
			Namespace: pod.SandboxMetadata.Namespace,
			Name:      pod.SandboxMetadata.Name,
			Attempt:   pod.SandboxMetadata.Attempt,
		},
		CreatedAt:   pod.PodCreatedAt,
		Labels:      pod.PodLabels,
		Annotations: pod.PodAnnotations,
	}
}

// criImageSpec renders a pod's component image as the CRI's own ImageSpec,
// keyed by the same <registry>/<domain>/<server>:<version> id ImageStatus
// and PullImage use.
func criImageSpec(pod *podruntime.Pod) *v1.ImageSpec {
	return &v1.ImageSpec{Image: imageIDFromComponent(localRegistry, pod.Name.ComponentName)}
}

func criContainer(pod *podruntime.Pod) *v1.Container {
	var metadata *v1.ContainerMetadata
	if pod.ContainerMetadata != nil {
		metadata = &v1.ContainerMetadata{Name: pod.ContainerMetadata.Name, Attempt: pod.ContainerMetadata.Attempt}
	}
	imageSpec := criImageSpec(pod)
	return &v1.Container{
		Id:           containerPrefix(pod.Name.String()),
		PodSandboxId: podPrefix(pod.Name.String()),
		Metadata:     metadata,
		Image:        imageSpec,
		ImageRef:     imageSpec.Image,
		State:        podStateToCRIContainerState(pod.State),
		CreatedAt:    pod.ContainerCreatedAt,
		Labels:       pod.ContainerLabels,
		Annotations:  pod.ContainerAnnotations,
		ImageId:      imageSpec.Image,
	}
}

func criPodSandboxStatus(pod *podruntime.Pod) (*v1.PodSandboxStatus, []*v1.ContainerStatus) {
	status := &v1.PodSandboxStatus{
		Id: podPrefix(pod.Name.String()),
		Metadata: &v1.PodSandboxMetadata{
			Uid:       pod.SandboxMetadata.UID,
			Namespace: pod.SandboxMetadata.Namespace,
			Name:      pod.SandboxMetadata.Name,
			Attempt:   pod.SandboxMetadata.Attempt,
		},
		State:     podStateToCRIPodState(pod.State),
		CreatedAt: pod.PodCreatedAt,
		Network: &v1.PodSandboxNetworkStatus{
			Ip: podIP(pod),
		},
		Labels:         pod.PodLabels,
		Annotations:    pod.PodAnnotations,
		RuntimeHandler: ContainerRuntimeName,
	}

	var containerStatuses []*v1.ContainerStatus
	if hasContainer(pod) {
		containerStatuses = []*v1.ContainerStatus{criContainerStatus(pod)}
	}
	return status, containerStatuses
}

func criContainerStatus(pod *podruntime.Pod) *v1.ContainerStatus {
	var metadata *v1.ContainerMetadata
	if pod.ContainerMetadata != nil {
		metadata = &v1.ContainerMetadata{Name: pod.ContainerMetadata.Name, Attempt: pod.ContainerMetadata.Attempt}
	}
	return &v1.ContainerStatus{
		Id:          containerPrefix(pod.Name.String()),
		Metadata:    metadata,
		State:       podStateToCRIContainerState(pod.State),
		CreatedAt:   pod.ContainerCreatedAt,
		StartedAt:   pod.ContainerStartedAt,
		FinishedAt:  pod.ContainerFinishedAt,
		Image:       criImageSpec(pod),
		ImageId:     criImageSpec(pod).Image,
		Labels:      pod.ContainerLabels,
		Annotations: pod.ContainerAnnotations,
		LogPath:     "/dev/null", // logging is out of scope; nothing is ever written here.
	}
}

func podIP(pod *podruntime.Pod) string {
	if pod.Active != nil {
		return pod.Active.IP().String()
	}
	if pod.Allocated != nil {
		return pod.Allocated.IP().String()
	}
	return ""
}
