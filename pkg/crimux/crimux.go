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

// Package crimux implements the Container Runtime Interface for workd: a
// RuntimeService/ImageService pair that runs Wasm component pods in-process
// and transparently forwards everything else to a downstream OCI runtime
// (e.g. containerd or CRI-O), so a single node can run both kinds of
// workload side by side.
//
// Business logic does not belong in this package. Its job is to accept CRI
// requests, decide which runtime owns them, and translate identifiers and
// responses at the boundary between the two.
package crimux

import (
	"fmt"
	"strings"

	"github.com/workd-run/workd/pkg/names"
)

// ContainerRuntimeName is reported in VersionResponse and used as the
// runtime_handler a pod's RunPodSandboxRequest must select to be served
// in-process rather than forwarded downstream.
const ContainerRuntimeName = "workd"

const containerRuntimeVersion = "0.0.0"
const containerRuntimeAPIVersion = "v1"

// localRegistry is the synthetic registry component image ids are rendered
// under, since locally-built components have no real registry of origin.
const localRegistry = "workd.local"

// kubeletAPIVersion is pinned per the CRI contract; Kubelet does not
// currently interpret it, but still expects it to be present.
const kubeletAPIVersion = "0.1.0"

// Prefixes distinguishing which runtime owns an identifier.
const (
	ociPrefixStr       = "O:"
	podPrefixStr       = "P:"
	containerPrefixStr = "C:"
)

// Well-known labels every in-process pod/container must carry, encoding its
// component name. Required because the CRI config surface has no other
// structured place to put it.
const (
	labelDomain  = "workd.run/domain"
	labelServer  = "workd.run/server"
	labelVersion = "workd.run/version"
)

func ociPrefix(id string) string       { return ociPrefixStr + id }
func podPrefix(id string) string       { return podPrefixStr + id }
func containerPrefix(id string) string { return containerPrefixStr + id }

// stripOCIPrefixed reports whether id is OCI-owned and, if so, returns it
// with the prefix removed.
func stripOCIPrefixed(id string) (stripped string, isOCI bool) {
	if strings.HasPrefix(id, ociPrefixStr) {
		return id[len(ociPrefixStr):], true
	}
	return id, false
}

func parsePodPrefixedName(id string) (names.PodName, error) {
	if !strings.HasPrefix(id, podPrefixStr) {
		return names.PodName{}, fmt.Errorf("invalid pod sandbox id %q: missing %q prefix", id, podPrefixStr)
	}
	return names.Parse(id[len(podPrefixStr):]).Pod()
}

func parseContainerPrefixedName(id string) (names.PodName, error) {
	if !strings.HasPrefix(id, containerPrefixStr) {
		return names.PodName{}, fmt.Errorf("invalid container id %q: missing %q prefix", id, containerPrefixStr)
	}
	return names.Parse(id[len(containerPrefixStr):]).Pod()
}

// componentNameFromLabels recovers the component a pod/container belongs to
// from its required workd.run/* labels.
func componentNameFromLabels(labels map[string]string) (names.ComponentName, error) {
	domain, ok := labels[labelDomain]
	if !ok {
		return names.ComponentName{}, fmt.Errorf("missing required label %q", labelDomain)
	}
	server, ok := labels[labelServer]
	if !ok {
		return names.ComponentName{}, fmt.Errorf("missing required label %q", labelServer)
	}
	version, ok := labels[labelVersion]
	if !ok {
		return names.ComponentName{}, fmt.Errorf("missing required label %q", labelVersion)
	}
	return names.Parse(fmt.Sprintf("%s:%s@%s", domain, server, version)).Component()
}

// labelsMatch reports whether every (key, value) in want is present in have
// with an equal value: the CRI label selector is an AND of equalities.
func labelsMatch(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
