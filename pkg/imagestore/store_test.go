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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/workd-run/workd/pkg/names"
)

type fakeComponent struct{ bytes []byte }

func (f *fakeComponent) Serialize() ([]byte, error) { return f.bytes, nil }

type fakeCompiler struct{}

func (fakeCompiler) Compile(wasmBytes []byte) (CompiledComponent, error) {
	return &fakeComponent{bytes: append([]byte("compiled:"), wasmBytes...)}, nil
}

func (fakeCompiler) Deserialize(precompiled []byte) (CompiledComponent, error) {
	return &fakeComponent{bytes: precompiled}, nil
}

func testComponentName(t *testing.T) names.ComponentName {
	t.Helper()
	n, err := names.Parse("00000000000000000000000000000001:echo@1.0.0").Component()
	if err != nil {
		t.Fatalf("Component: %v", err)
	}
	return n
}

func newTestRegistry(t *testing.T, componentBytes []byte, metadataBytes []byte) *httptest.Server {
	t.Helper()
	componentDigest := digest.FromBytes(componentBytes)
	metadataDigest := digest.FromBytes(metadataBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/00000000000000000000000000000001/echo/manifests/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		manifest := v1.Manifest{
			SchemaVersion: 2,
			MediaType:     v1.MediaTypeImageManifest,
			Config:        v1.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json", Digest: digest.FromString("{}"), Size: 2},
			Layers: []v1.Descriptor{
				{MediaType: "application/vnd.workd.component.v1", Digest: componentDigest, Size: int64(len(componentBytes))},
				{MediaType: "application/vnd.workd.metadata.v1", Digest: metadataDigest, Size: int64(len(metadataBytes))},
			},
		}
		w.Header().Set("Content-Type", v1.MediaTypeImageManifest)
		_ = json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/v2/00000000000000000000000000000001/echo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Base(r.URL.Path) {
		case componentDigest.String():
			_, _ = w.Write(componentBytes)
		case metadataDigest.String():
			_, _ = w.Write(metadataBytes)
		default:
			http.NotFound(w, r)
		}
	})
	return httptest.NewServer(mux)
}

func registryHostPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return u.Host
}

func TestPullGetRemoveRoundTrip(t *testing.T) {
	name := testComponentName(t)
	componentBytes := []byte("fake wasm bytecode")
	metadata := &Metadata{Methods: []MethodMetadata{
		{Service: "echo", Method: "Say", Export: "say"},
	}}
	metadataBytes, err := encodeMetadata(metadata)
	if err != nil {
		t.Fatalf("encodeMetadata: %v", err)
	}

	srv := newTestRegistry(t, componentBytes, metadataBytes)
	defer srv.Close()
	registryAddr := registryHostPort(t, srv)

	store, err := New(t.TempDir(), map[string]bool{registryAddr: true}, fakeCompiler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	imageSpec := &v1.Descriptor{MediaType: "application/vnd.oci.image.manifest.v1+json", Digest: digest.FromString("spec"), Size: 4}
	if err := store.Pull(context.Background(), registryAddr, name, imageSpec); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	usage := store.FilesystemUsage()
	if usage.Bytes == 0 || usage.Inodes == 0 {
		t.Fatalf("expected non-zero usage after pull, got %+v", usage)
	}

	container, err := store.Get(name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := container.Component.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(got), "fake wasm bytecode") {
		t.Fatalf("round-tripped component bytes = %q, want to contain original bytecode", got)
	}
	if len(container.Metadata.Methods) != 1 || container.Metadata.Methods[0].Service != "echo" {
		t.Fatalf("round-tripped metadata = %+v, want one echo method", container.Metadata)
	}

	gotSpec, size, err := store.GetImage(name)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if size == 0 {
		t.Fatalf("GetImage size = 0")
	}
	if gotSpec.Digest != imageSpec.Digest {
		t.Fatalf("GetImage digest = %s, want %s", gotSpec.Digest, imageSpec.Digest)
	}

	if err := store.Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Get(name); err == nil {
		t.Fatalf("Get after Remove: expected error")
	}

	finalUsage := store.FilesystemUsage()
	if finalUsage.Bytes != 0 || finalUsage.Inodes != 0 {
		t.Fatalf("usage after remove = %+v, want zeroed", finalUsage)
	}
}

func TestPullRejectsWrongLayerCount(t *testing.T) {
	name := testComponentName(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/00000000000000000000000000000001/echo/manifests/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		manifest := v1.Manifest{
			SchemaVersion: 2,
			MediaType:     v1.MediaTypeImageManifest,
			Layers:        []v1.Descriptor{{MediaType: "x", Digest: digest.FromString("a"), Size: 1}},
		}
		_ = json.NewEncoder(w).Encode(manifest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	registryAddr := registryHostPort(t, srv)

	store, err := New(t.TempDir(), map[string]bool{registryAddr: true}, fakeCompiler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = store.Pull(context.Background(), registryAddr, name, &v1.Descriptor{})
	if err == nil || !strings.Contains(err.Error(), "unexpected container layer count") {
		t.Fatalf("Pull with wrong layer count = %v, want layer count error", err)
	}
}

func TestFetchBlobRejectsDigestMismatch(t *testing.T) {
	name := testComponentName(t)
	componentBytes := []byte("real bytes")
	wrongDigest := digest.FromString("not the real bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/00000000000000000000000000000001/echo/manifests/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		manifest := v1.Manifest{
			SchemaVersion: 2,
			Layers: []v1.Descriptor{
				{MediaType: "x", Digest: wrongDigest, Size: int64(len(componentBytes))},
				{MediaType: "x", Digest: digest.FromString("meta"), Size: 4},
			},
		}
		_ = json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/v2/00000000000000000000000000000001/echo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(componentBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	registryAddr := registryHostPort(t, srv)

	store, err := New(t.TempDir(), map[string]bool{registryAddr: true}, fakeCompiler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = store.Pull(context.Background(), registryAddr, name, &v1.Descriptor{})
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("Pull with mismatched digest = %v, want digest mismatch error", err)
	}
}
