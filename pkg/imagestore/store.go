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

// Package imagestore implements the node-local content-addressed cache of
// pulled component images: a directory tree keyed by component name holding
// a precompiled component and its metadata, plus the image-spec the
// orchestrator originally asked for.
package imagestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wlog"
)

const (
	containerFilename  = "container"
	imageSpecFilename  = "image-spec.binpb"
)

// FilesystemUsage is the aggregate byte and inode count used to store
// images locally, reported to the orchestrator via ImageFsInfo.
type FilesystemUsage struct {
	Bytes  uint64
	Inodes uint64
}

// Container is a ready-to-link container: a compiled component plus its
// exported-method metadata.
type Container struct {
	Component CompiledComponent
	Metadata  *Metadata
}

// ContainerStore is the local cache of pulled component images.
type ContainerStore struct {
	root     string
	compiler Compiler
	client   *registryClient

	mu    sync.Mutex
	usage FilesystemUsage
}

// New returns a [ContainerStore] rooted at root, creating it if necessary.
// The root directory must exist at all times: Kubelet treats a missing
// image filesystem root reported via ImageFsInfo as fatal for every pod on
// the node, including pods owned by the downstream runtime.
func New(root string, insecureRegistries map[string]bool, compiler Compiler) (*ContainerStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image root directory %q: %w", root, err)
	}
	return &ContainerStore{
		root:     root,
		compiler: compiler,
		client:   newRegistryClient(insecureRegistries),
	}, nil
}

// Mountpoint is the path of the image root, reported to the orchestrator.
func (s *ContainerStore) Mountpoint() string { return s.root }

// componentPath returns the directory an image's assets live under:
// <root>/<domain>/<server>/<version>/.
func (s *ContainerStore) componentPath(name names.ComponentName) string {
	return filepath.Join(s.root, name.Domain.String(), name.Server, name.Version)
}

// Pull fetches name from registry, compiling the bytecode layer and
// persisting the container + image-spec files atomically.
func (s *ContainerStore) Pull(ctx context.Context, registry string, name names.ComponentName, imageSpec *v1.Descriptor) error {
	fetched, err := s.client.fetch(ctx, registry, name, s.compiler)
	if err != nil {
		return err
	}
	serializedComponent, err := fetched.component.Serialize()
	if err != nil {
		return fmt.Errorf("serialize compiled component: %w", err)
	}
	serializedMetadata, err := encodeMetadata(fetched.metadata)
	if err != nil {
		return err
	}
	serializedImageSpec, err := encodeImageSpecDescriptor(imageSpec)
	if err != nil {
		return err
	}

	componentPath := s.componentPath(name)
	containerPath := filepath.Join(componentPath, containerFilename)
	imageSpecPath := filepath.Join(componentPath, imageSpecFilename)

	s.mu.Lock()
	defer s.mu.Unlock()

	newInodes, newContainerFile, newImageSpecFile := countNewInodes(componentPath, containerPath, imageSpecPath)

	if err := os.MkdirAll(componentPath, 0o755); err != nil {
		return fmt.Errorf("create image directory %q: %w", componentPath, err)
	}
	s.usage.Inodes += newInodes

	containerFile, err := os.Create(containerPath)
	if err != nil {
		return fmt.Errorf("create container file %q: %w", containerPath, err)
	}
	defer containerFile.Close()
	if newContainerFile {
		s.usage.Inodes++
	}

	imageSpecFile, err := os.Create(imageSpecPath)
	if err != nil {
		return fmt.Errorf("create image spec file %q: %w", imageSpecPath, err)
	}
	defer imageSpecFile.Close()
	if newImageSpecFile {
		s.usage.Inodes++
	}

	var lengthPrefix [8]byte
	binary.LittleEndian.PutUint64(lengthPrefix[:], uint64(len(serializedComponent)))
	if _, err := containerFile.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("write container length prefix: %w", err)
	}
	s.usage.Bytes += 8
	if _, err := containerFile.Write(serializedComponent); err != nil {
		return fmt.Errorf("write compiled component: %w", err)
	}
	s.usage.Bytes += uint64(len(serializedComponent))
	if _, err := containerFile.Write(serializedMetadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	s.usage.Bytes += uint64(len(serializedMetadata))

	if _, err := imageSpecFile.Write(serializedImageSpec); err != nil {
		return fmt.Errorf("write image spec: %w", err)
	}
	s.usage.Bytes += uint64(len(serializedImageSpec))

	if err := containerFile.Sync(); err != nil {
		return fmt.Errorf("sync container file: %w", err)
	}
	if err := imageSpecFile.Sync(); err != nil {
		return fmt.Errorf("sync image spec file: %w", err)
	}

	wlog.Infof(name, "successful image pull")
	return nil
}

// countNewInodes predicts how many new directory/file inodes Pull's
// MkdirAll + two os.Create calls will create, mirroring the ancestor-walk
// the teacher's store uses for Remove's own counters.
func countNewInodes(componentPath, containerPath, imageSpecPath string) (dirsAndFiles uint64, newContainerFile, newImageSpecFile bool) {
	newContainerFile = !fileExists(containerPath)
	newImageSpecFile = !fileExists(imageSpecPath)
	if fileExists(componentPath) {
		return 0, newContainerFile, newImageSpecFile
	}
	serverPath := filepath.Dir(componentPath)
	if fileExists(serverPath) {
		return 1, newContainerFile, newImageSpecFile
	}
	domainPath := filepath.Dir(serverPath)
	if fileExists(domainPath) {
		return 2, newContainerFile, newImageSpecFile
	}
	return 3, newContainerFile, newImageSpecFile
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Get returns a compiled component and its metadata from the local cache.
func (s *ContainerStore) Get(name names.ComponentName) (*Container, error) {
	containerPath := filepath.Join(s.componentPath(name), containerFilename)
	f, err := os.Open(containerPath)
	if err != nil {
		return nil, fmt.Errorf("open container file %q: %w", containerPath, err)
	}
	defer f.Close()

	var lengthPrefix [8]byte
	if _, err := io.ReadFull(f, lengthPrefix[:]); err != nil {
		return nil, fmt.Errorf("read container length prefix: %w", err)
	}
	componentSize := binary.LittleEndian.Uint64(lengthPrefix[:])

	serializedComponent := make([]byte, componentSize)
	if _, err := io.ReadFull(f, serializedComponent); err != nil {
		return nil, fmt.Errorf("read compiled component: %w", err)
	}

	serializedMetadata, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	component, err := s.compiler.Deserialize(serializedComponent)
	if err != nil {
		return nil, err
	}
	metadata, err := decodeMetadata(serializedMetadata)
	if err != nil {
		return nil, err
	}

	return &Container{Component: component, Metadata: metadata}, nil
}

// GetImage returns the persisted image spec plus container size as an
// image descriptor for the orchestrator.
func (s *ContainerStore) GetImage(name names.ComponentName) (*v1.Descriptor, int64, error) {
	componentPath := s.componentPath(name)
	containerPath := filepath.Join(componentPath, containerFilename)
	imageSpecPath := filepath.Join(componentPath, imageSpecFilename)

	info, err := os.Stat(containerPath)
	if err != nil {
		return nil, 0, fmt.Errorf("stat container file %q: %w", containerPath, err)
	}
	b, err := os.ReadFile(imageSpecPath)
	if err != nil {
		return nil, 0, fmt.Errorf("read image spec file %q: %w", imageSpecPath, err)
	}
	imageSpec, err := decodeImageSpecDescriptor(b)
	if err != nil {
		return nil, 0, err
	}
	return imageSpec, info.Size(), nil
}

// Remove deletes a pulled image's files, then removes any now-empty
// ancestor directories (version, server, domain) bottom-up.
func (s *ContainerStore) Remove(name names.ComponentName) error {
	componentPath := s.componentPath(name)
	containerPath := filepath.Join(componentPath, containerFilename)
	imageSpecPath := filepath.Join(componentPath, imageSpecFilename)

	s.mu.Lock()
	defer s.mu.Unlock()

	containerInfo, err := os.Stat(containerPath)
	if err != nil {
		return fmt.Errorf("stat container file %q: %w", containerPath, err)
	}
	if err := os.Remove(containerPath); err != nil {
		return fmt.Errorf("remove container file %q: %w", containerPath, err)
	}
	s.usage.Bytes -= uint64(containerInfo.Size())
	s.usage.Inodes--

	imageSpecInfo, err := os.Stat(imageSpecPath)
	if err != nil {
		return fmt.Errorf("stat image spec file %q: %w", imageSpecPath, err)
	}
	if err := os.Remove(imageSpecPath); err != nil {
		return fmt.Errorf("remove image spec file %q: %w", imageSpecPath, err)
	}
	s.usage.Bytes -= uint64(imageSpecInfo.Size())
	s.usage.Inodes--

	dir := componentPath
	for i := 0; i < 3; i++ {
		if err := os.Remove(dir); err != nil {
			break
		}
		s.usage.Inodes--
		dir = filepath.Dir(dir)
	}
	return nil
}

// FilesystemUsage returns a snapshot of the aggregate counters.
func (s *ContainerStore) FilesystemUsage() FilesystemUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
