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

package imagestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/docker/distribution/reference"
	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	kzgzip "github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wlog"
)

const manifestMIME = v1.MediaTypeImageManifest

type fetchedContainer struct {
	component CompiledComponent
	metadata  *Metadata
}

// registryClient fetches images from a container registry, per the OCI
// Distribution Specification.
type registryClient struct {
	http      *http.Client
	insecure  map[string]bool
}

func newRegistryClient(insecureRegistries map[string]bool) *registryClient {
	if insecureRegistries == nil {
		insecureRegistries = map[string]bool{}
	}
	return &registryClient{http: &http.Client{}, insecure: insecureRegistries}
}

// fetch pulls the two-layer manifest for name from registry: the component
// bytecode layer, compiled via compiler, and the metadata layer, fetched in
// parallel.
func (c *registryClient) fetch(ctx context.Context, registry string, name names.ComponentName, compiler Compiler) (*fetchedContainer, error) {
	if err := validateComponentReference(name); err != nil {
		return nil, err
	}
	wlog.Infof(name, "fetching image from %q", registry)

	scheme := "https"
	if c.insecure[registry] {
		scheme = "http"
	}
	// Any URL path for "1234...:server-id" begins with
	// /v2/<domain>/<server-id>/.
	serverURL := fmt.Sprintf("%s://%s/v2/%s/%s", scheme, registry, name.Domain, name.Server)
	manifestURL := fmt.Sprintf("%s/manifests/%s", serverURL, name.Version)

	manifest, err := c.fetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	if len(manifest.Layers) != 2 {
		return nil, fmt.Errorf("fetching manifest %q: unexpected container layer count: %d", manifestURL, len(manifest.Layers))
	}

	componentLayer := manifest.Layers[0]
	metadataLayer := manifest.Layers[1]

	g, gctx := errgroup.WithContext(ctx)
	var compiled CompiledComponent
	var metadata *Metadata

	g.Go(func() error {
		blob, err := c.fetchBlob(gctx, fmt.Sprintf("%s/blobs/%s", serverURL, componentLayer.Digest), componentLayer)
		if err != nil {
			return fmt.Errorf("fetching component: %w", err)
		}
		wasm, err := maybeGunzip(componentLayer.MediaType, blob)
		if err != nil {
			return fmt.Errorf("decompressing component: %w", err)
		}
		compiled, err = compiler.Compile(wasm)
		if err != nil {
			return fmt.Errorf("component compilation error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		blob, err := c.fetchBlob(gctx, fmt.Sprintf("%s/blobs/%s", serverURL, metadataLayer.Digest), metadataLayer)
		if err != nil {
			return fmt.Errorf("fetching metadata: %w", err)
		}
		decompressed, err := maybeGunzip(metadataLayer.MediaType, blob)
		if err != nil {
			return fmt.Errorf("decompressing metadata: %w", err)
		}
		metadata, err = decodeMetadata(decompressed)
		if err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &fetchedContainer{component: compiled, metadata: metadata}, nil
}

func (c *registryClient) fetchManifest(ctx context.Context, url string) (*v1.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request %q: %w", url, err)
	}
	req.Header.Set("Accept", manifestMIME)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching manifest %q: got HTTP %d", url, resp.StatusCode)
	}
	var manifest v1.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest %q: %w", url, err)
	}
	return &manifest, nil
}

// fetchBlob downloads one layer and verifies it against its descriptor's
// digest before returning it.
func (c *registryClient) fetchBlob(ctx context.Context, url string, desc v1.Descriptor) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building blob request %q: %w", url, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching blob %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("got HTTP %d fetching blob %q", resp.StatusCode, url)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading blob %q: %w", url, err)
	}
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("blob %q declares an invalid digest: %w", url, err)
	}
	got := digest.FromBytes(b)
	if got != desc.Digest {
		return nil, fmt.Errorf("blob %q digest mismatch: got %s, want %s", url, got, desc.Digest)
	}
	return b, nil
}

// maybeGunzip decompresses b if mediaType names a gzip-compressed layer.
// estargz-formatted layers (seekable gzip with a trailing TOC) are read via
// the estargz fast path rather than a full linear gunzip; any other gzip
// layer falls back to klauspost/compress's gzip reader.
func maybeGunzip(mediaType string, b []byte) ([]byte, error) {
	if !isGzipMediaType(mediaType) {
		return b, nil
	}
	if sr := io.NewSectionReader(bytes.NewReader(b), 0, int64(len(b))); isEstargz(sr) {
		return readEstargzFirstEntry(sr)
	}
	zr, err := kzgzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func isGzipMediaType(mediaType string) bool {
	switch mediaType {
	case v1.MediaTypeImageLayerGzip, v1.MediaTypeImageLayerNonDistributableGzip: //nolint:staticcheck
		return true
	default:
		return false
	}
}

// estargzComponentEntry is the conventional name this runtime's own image
// build tooling gives the bytecode file inside an estargz-formatted layer.
// estargz layers are only ever produced by that tooling, so the name is a
// fixed convention rather than something discovered by a directory walk.
const estargzComponentEntry = "component.wasm"

func isEstargz(sr *io.SectionReader) bool {
	_, err := estargz.Open(sr)
	return err == nil
}

func readEstargzFirstEntry(sr *io.SectionReader) ([]byte, error) {
	r, err := estargz.Open(sr)
	if err != nil {
		return nil, fmt.Errorf("opening estargz layer: %w", err)
	}
	entry, ok := r.Lookup(estargzComponentEntry)
	if !ok {
		return nil, fmt.Errorf("estargz layer has no %q entry", estargzComponentEntry)
	}
	ra, err := r.OpenFile(estargzComponentEntry)
	if err != nil {
		return nil, fmt.Errorf("opening estargz entry %q: %w", estargzComponentEntry, err)
	}
	return io.ReadAll(io.NewSectionReader(ra, 0, entry.Size))
}

// validateComponentReference reuses the distribution registry's own
// reference grammar to validate the repository/tag shape a component name
// maps to, rather than hand-rolling another regex for the same job.
func validateComponentReference(name names.ComponentName) error {
	ref := fmt.Sprintf("%s/%s:%s", name.Domain, name.Server, name.Version)
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return nil
}

func encodeImageSpecDescriptor(desc *v1.Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(desc); err != nil {
		return nil, fmt.Errorf("encode image spec: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImageSpecDescriptor(b []byte) (*v1.Descriptor, error) {
	var desc v1.Descriptor
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode image spec: %w", err)
	}
	return &desc, nil
}
