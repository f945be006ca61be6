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

// Package cmdutil holds the small subprocess and confirmation-prompt
// helpers `workd install` needs around the host's own systemd tooling.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// NewStdCmd builds an *exec.Cmd wired to the current process's stdio, so a
// subprocess such as `systemctl daemon-reload` writes straight to whoever
// is running `workd install` rather than to a buffer nobody reads.
func NewStdCmd(name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Confirm prints msg to w and reports whether r's next line answers yes.
// Used before installSystemdUnit overwrites an existing unit file.
func Confirm(r io.Reader, w io.Writer, msg string) (bool, error) {
	fmt.Fprintf(w, "%s [y/N]: ", msg)

	var answer string
	if _, err := fmt.Fscanln(r, &answer); err != nil && err.Error() != "unexpected newline" {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.ToLower(answer) == "y", nil
}
