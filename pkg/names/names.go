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

// Package names implements the single permissive identifier grammar shared
// by server names, component names, and pod names:
//
//	<domain>:<server>@<version>#<pod-id>
//
// Any prefix of that grammar is a valid [Name]; typed, fallible conversions
// ([Name.Component], [Name.Pod]) require and validate the parts they need.
package names

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var serverLabelRE = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

var podIDRE = regexp.MustCompile(`^[0-9a-f]{1,16}$`)

// DomainUUID is a 128-bit UUID rendered as 32 lowercase hex characters, used
// as the domain component of a [Name]. It is never reformatted: String
// always reproduces the exact input string.
type DomainUUID string

// ParseDomainUUID validates that s is exactly 32 lowercase hex characters.
func ParseDomainUUID(s string) (DomainUUID, error) {
	if len(s) != 32 {
		return "", fmt.Errorf("invalid domain %q: want 32 hex characters, got %d", s, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("invalid domain %q: non-hex character %q", s, c)
		}
	}
	return DomainUUID(s), nil
}

func (d DomainUUID) String() string { return string(d) }

// Name is the result of structurally parsing an identifier string. Parsing
// never fails and never validates character content; it only records which
// of the three separators (':', '@', '#') were present.
type Name struct {
	hasDomain  bool
	domain     string
	server     string
	hasVersion bool
	version    string
	hasPod     bool
	podID      string
}

// Parse splits s structurally on the rightmost '#', then the rightmost '@'
// in what remains, then the rightmost ':' in what remains. No character
// validation is performed; this function never fails.
func Parse(s string) Name {
	rest := s
	var n Name

	if i := strings.LastIndexByte(rest, '#'); i >= 0 {
		n.hasPod = true
		n.podID = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		n.hasVersion = true
		n.version = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		n.hasDomain = true
		n.domain = rest[:i]
		n.server = rest[i+1:]
	} else {
		n.server = rest
	}
	return n
}

// String is the exact inverse of Parse: parse(n.String()) == n.
func (n Name) String() string {
	var b strings.Builder
	if n.hasDomain {
		b.WriteString(n.domain)
		b.WriteByte(':')
	}
	b.WriteString(n.server)
	if n.hasVersion {
		b.WriteByte('@')
		b.WriteString(n.version)
	}
	if n.hasPod {
		b.WriteByte('#')
		b.WriteString(n.podID)
	}
	return b.String()
}

// ComponentName is a validated <domain>:<server>@<version>.
type ComponentName struct {
	Domain  DomainUUID
	Server  string
	Version string
}

func (c ComponentName) String() string {
	return fmt.Sprintf("%s:%s@%s", c.Domain, c.Server, c.Version)
}

// Component requires that the domain and version parts are present, and
// validates the domain, server label, and version against the identifier
// grammar. It fails otherwise.
func (n Name) Component() (ComponentName, error) {
	if !n.hasDomain {
		return ComponentName{}, fmt.Errorf("invalid component name %q: missing domain", n)
	}
	if !n.hasVersion {
		return ComponentName{}, fmt.Errorf("invalid component name %q: missing version", n)
	}
	domain, err := ParseDomainUUID(n.domain)
	if err != nil {
		return ComponentName{}, fmt.Errorf("invalid component name %q: %w", n, err)
	}
	if err := validateServerLabel(n.server); err != nil {
		return ComponentName{}, fmt.Errorf("invalid component name %q: %w", n, err)
	}
	if err := validateVersion(n.version); err != nil {
		return ComponentName{}, fmt.Errorf("invalid component name %q: %w", n, err)
	}
	return ComponentName{Domain: domain, Server: n.server, Version: n.version}, nil
}

// PodName is a validated <domain>:<server>@<version>#<pod-id>.
type PodName struct {
	ComponentName
	PodID string
}

func (p PodName) String() string {
	return fmt.Sprintf("%s#%s", p.ComponentName, p.PodID)
}

// Pod requires that the domain, version, and pod-id parts are present, and
// validates all parts. It fails otherwise.
func (n Name) Pod() (PodName, error) {
	if !n.hasPod {
		return PodName{}, fmt.Errorf("invalid pod name %q: missing pod id", n)
	}
	component, err := n.Component()
	if err != nil {
		return PodName{}, err
	}
	if !podIDRE.MatchString(n.podID) {
		return PodName{}, fmt.Errorf("invalid pod name %q: malformed pod id %q", n, n.podID)
	}
	return PodName{ComponentName: component, PodID: n.podID}, nil
}

func validateServerLabel(s string) error {
	if len(s) == 0 || len(s) > 63 {
		return fmt.Errorf("invalid server label %q: length must be 1-63", s)
	}
	if !serverLabelRE.MatchString(s) {
		return fmt.Errorf("invalid server label %q: must be lowercase alphanumerics and dashes, starting alphabetic and ending alphanumeric", s)
	}
	return nil
}

func validateVersion(v string) error {
	if len(v) == 0 || len(v) > 63 {
		return fmt.Errorf("invalid version %q: length must be 1-63", v)
	}
	sv, err := semver.StrictNewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	if sv.Metadata() != "" {
		return fmt.Errorf("invalid version %q: build metadata not allowed", v)
	}
	if pre := sv.Prerelease(); pre != "" && strings.HasSuffix(pre, "-") {
		return fmt.Errorf("invalid version %q: pre-release must not end with a dash", v)
	}
	return nil
}
