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

// Package podruntime is the node-local pod lifecycle state machine: the
// authoritative record of every pod the CRI orchestrator has asked this node
// to run, and the one place that advances a pod from Initiated through
// Killed. See State for the transition table.
package podruntime

import (
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/podinit"
)

// GRPCPort is the fixed port every pod serves its dispatch table on.
const GRPCPort = 80

// State is a pod's position in its lifecycle.
type State int

const (
	Initiated State = iota
	Created
	Starting
	Running
	Stopped
	Removed
	Killed
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "Initiated"
	case Created:
		return "Created"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Removed:
		return "Removed"
	case Killed:
		return "Killed"
	default:
		return "Unknown"
	}
}

// SandboxMetadata is the Kubelet-supplied identity of a pod sandbox, kept
// verbatim for status calls.
type SandboxMetadata struct {
	UID       string
	Namespace string
	Name      string
	Attempt   uint32
}

// ContainerMetadata is the Kubelet-supplied identity of a pod's single
// container, kept verbatim for status calls. Attempt is excluded from
// CreateContainer's equality check for idempotency purposes.
type ContainerMetadata struct {
	Name         string
	Attempt      uint32
	RestartCount int64
}

func containerMetadataEqual(a, b *ContainerMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name && a.RestartCount == b.RestartCount
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// k8sContainerRestartCountAnnotation is excluded from CreateContainer's
// annotation equality check the same way the upstream kubelet-side
// annotation key is, since it changes across an otherwise-identical retry.
const k8sContainerRestartCountAnnotation = "io.kubernetes.container.restartCount"

func containerAnnotationsEqual(a, b map[string]string) bool {
	return stringMapEqual(withoutKey(a, k8sContainerRestartCountAnnotation), withoutKey(b, k8sContainerRestartCountAnnotation))
}

func withoutKey(m map[string]string, key string) map[string]string {
	if _, ok := m[key]; !ok {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Pod is an immutable snapshot of everything known about one pod. Every
// transition replaces a slot's snapshot rather than mutating it in place,
// the same pattern the reference implementation's compute-and-swap maps use.
type Pod struct {
	State State

	Allocated ipam.AllocatedAddress
	Active    ipam.ActiveAddress // non-nil only once Running

	Name            names.PodName
	SandboxMetadata SandboxMetadata
	PodLabels       map[string]string
	PodAnnotations  map[string]string
	PodCreatedAt    int64

	Routes             *podinit.Future
	ContainerCreatedAt int64
	ContainerMetadata  *ContainerMetadata
	ContainerLabels    map[string]string
	ContainerAnnotations map[string]string
	Environment        map[string]string
	ImageSpec          *v1.Descriptor

	ContainerStartedAt int64
	Killer             *Killer

	ContainerFinishedAt int64
}

func (p *Pod) clone() *Pod {
	c := *p
	return &c
}

func nowNanos() int64 {
	n := time.Now().UnixNano()
	if n < 0 {
		return 0
	}
	return n
}
