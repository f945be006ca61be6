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
	"fmt"
	"regexp"

	"github.com/workd-run/workd/pkg/names"
)

// imageIDRE parses an ImageSpec.image string of the form
// <registry>/<domain>/<server>:<version>.
var imageIDRE = regexp.MustCompile(`^([^/]*)/([^/]*)/([^:]*):(.*)$`)

func registryAndComponentFromImageID(imageID string) (registry string, component names.ComponentName, err error) {
	m := imageIDRE.FindStringSubmatch(imageID)
	if m == nil {
		return "", names.ComponentName{}, fmt.Errorf("malformed image id %q", imageID)
	}
	domain, err := names.ParseDomainUUID(m[2])
	if err != nil {
		return "", names.ComponentName{}, fmt.Errorf("malformed image id %q: %w", imageID, err)
	}
	component = names.ComponentName{Domain: domain, Server: m[3], Version: m[4]}
	return m[1], component, nil
}

func imageIDFromComponent(registry string, component names.ComponentName) string {
	return fmt.Sprintf("%s/%s/%s:%s", registry, component.Domain, component.Server, component.Version)
}
