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
	"time"

	digest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	v1 "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/workd-run/workd/pkg/imagestore"
)

// ProxyingImageService is the node's single ImageServiceServer: it serves
// component images pulled into store under their <registry>/<domain>/<server>
// :<version> id, and forwards every other image to downstream.
type ProxyingImageService struct {
	v1.UnimplementedImageServiceServer

	store      *imagestore.ContainerStore
	downstream v1.ImageServiceClient
}

// NewProxyingImageService returns an ImageServiceServer backed by store for
// component images and downstream for everything else.
func NewProxyingImageService(store *imagestore.ContainerStore, downstream v1.ImageServiceClient) *ProxyingImageService {
	return &ProxyingImageService{store: store, downstream: downstream}
}

// imageDescriptorFromSpec synthesizes the OCI descriptor PullImage stores
// alongside the fetched component, since the CRI ImageSpec carries only the
// image string and nothing about the upstream manifest itself.
func imageDescriptorFromSpec(spec *v1.ImageSpec) *ociv1.Descriptor {
	return &ociv1.Descriptor{
		MediaType: ociv1.MediaTypeImageManifest,
		Digest:    digest.FromString(spec.Image),
	}
}

func nowNanosForStats() int64 {
	n := time.Now().UnixNano()
	if n < 0 {
		return 0
	}
	return n
}

func (s *ProxyingImageService) ListImages(ctx context.Context, req *v1.ListImagesRequest) (*v1.ListImagesResponse, error) {
	// A full local image inventory to merge with downstream's would require
	// walking every domain/server/version directory under the store; instead
	// ListImages is answered entirely by the downstream runtime, consistent
	// with Kubelet only ever using it for garbage-collection accounting
	// against the node's general image cache.
	return s.downstream.ListImages(ctx, req)
}

func (s *ProxyingImageService) ImageStatus(ctx context.Context, req *v1.ImageStatusRequest) (*v1.ImageStatusResponse, error) {
	spec := req.GetImage()
	if spec == nil {
		return nil, status.Error(codes.InvalidArgument, "image status: missing image spec")
	}
	_, component, err := registryAndComponentFromImageID(spec.Image)
	if err != nil {
		return s.downstream.ImageStatus(ctx, req)
	}
	descriptor, size, err := s.store.GetImage(component)
	if err != nil {
		return &v1.ImageStatusResponse{}, nil // not pulled: CRI wants a nil Image, not an error.
	}
	return &v1.ImageStatusResponse{Image: &v1.Image{
		Id:       spec.Image,
		RepoTags: []string{spec.Image},
		Size_:    uint64(size),
		Spec:     spec,
	}, Info: map[string]string{"mediaType": string(descriptor.MediaType)}}, nil
}

func (s *ProxyingImageService) PullImage(ctx context.Context, req *v1.PullImageRequest) (*v1.PullImageResponse, error) {
	spec := req.GetImage()
	if spec == nil {
		return nil, status.Error(codes.InvalidArgument, "pull image: missing image spec")
	}
	registry, component, err := registryAndComponentFromImageID(spec.Image)
	if err != nil {
		return s.downstream.PullImage(ctx, req)
	}

	sandboxComponent, labelErr := componentNameFromLabels(req.GetSandboxConfig().GetLabels())
	if labelErr == nil && sandboxComponent != component {
		return nil, status.Errorf(codes.InvalidArgument, "pull image: image %s does not match sandbox component %s", component, sandboxComponent)
	}

	descriptor := imageDescriptorFromSpec(spec)
	if err := s.store.Pull(ctx, registry, component, descriptor); err != nil {
		return nil, status.Errorf(codes.Internal, "pull image: %v", err)
	}
	return &v1.PullImageResponse{ImageRef: spec.Image}, nil
}

func (s *ProxyingImageService) RemoveImage(ctx context.Context, req *v1.RemoveImageRequest) (*v1.RemoveImageResponse, error) {
	spec := req.GetImage()
	if spec == nil {
		return nil, status.Error(codes.InvalidArgument, "remove image: missing image spec")
	}
	_, component, err := registryAndComponentFromImageID(spec.Image)
	if err != nil {
		return s.downstream.RemoveImage(ctx, req)
	}
	if err := s.store.Remove(component); err != nil {
		return nil, status.Errorf(codes.Internal, "remove image: %v", err)
	}
	return &v1.RemoveImageResponse{}, nil
}

// ImageFsInfo reports the local component image store's usage as one
// filesystem entry, then appends whatever downstream reports for its own.
func (s *ProxyingImageService) ImageFsInfo(ctx context.Context, req *v1.ImageFsInfoRequest) (*v1.ImageFsInfoResponse, error) {
	usage := s.store.FilesystemUsage()
	local := &v1.FilesystemUsage{
		Timestamp:  nowNanosForStats(),
		FsId:       &v1.FilesystemIdentifier{Mountpoint: s.store.Mountpoint()},
		UsedBytes:  &v1.UInt64Value{Value: usage.Bytes},
		InodesUsed: &v1.UInt64Value{Value: usage.Inodes},
	}

	resp, err := s.downstream.ImageFsInfo(ctx, req)
	if err != nil {
		return &v1.ImageFsInfoResponse{ImageFilesystems: []*v1.FilesystemUsage{local}}, nil
	}
	return &v1.ImageFsInfoResponse{
		ImageFilesystems:     append([]*v1.FilesystemUsage{local}, resp.ImageFilesystems...),
		ContainerFilesystems: resp.ContainerFilesystems,
	}, nil
}
