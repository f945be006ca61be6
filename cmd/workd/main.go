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

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v27"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	v1 "k8s.io/cri-api/pkg/apis/runtime/v1"
	"tailscale.com/util/must"

	"github.com/workd-run/workd/pkg/cmdutil"
	"github.com/workd-run/workd/pkg/crimux"
	"github.com/workd-run/workd/pkg/env"
	"github.com/workd-run/workd/pkg/imagestore"
	"github.com/workd-run/workd/pkg/ipam"
	"github.com/workd-run/workd/pkg/podinit"
	"github.com/workd-run/workd/pkg/podruntime"
	"github.com/workd-run/workd/pkg/podserver"
	"github.com/workd-run/workd/pkg/wlog"
)

const (
	criSocketEnv       = "WORKD_CRI_SOCKET"
	defaultGracePeriod = 10 * time.Second
)

var serveFlags struct {
	dataDir          string
	downstreamSocket string
	iface            string
	podCIDR          string
	insecureRegistry []string
}

func main() {
	root := &cobra.Command{
		Use:   "workd",
		Short: "node-local CRI runtime for Wasm component services",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVar(&serveFlags.dataDir, "data-dir", must.Get(filepath.Abs("data")), "root directory for the image/container store")
	root.PersistentFlags().StringVar(&serveFlags.downstreamSocket, "downstream-socket", "/run/containerd/containerd.sock", "CRI socket of the downstream OCI runtime")
	root.PersistentFlags().StringVar(&serveFlags.iface, "iface", "workd0", "host network interface pod addresses are activated on")
	root.PersistentFlags().StringVar(&serveFlags.podCIDR, "pod-cidr", "10.88.0.0/16", "CIDR pod addresses are allocated from")
	root.PersistentFlags().StringSliceVar(&serveFlags.insecureRegistry, "insecure-registry", nil, "registries to fetch over plain HTTP")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the running binary's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(versionString())
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "install workd as a systemd service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return installSystemdUnit(serveFlags.dataDir)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	socketPath := os.Getenv(criSocketEnv)
	if socketPath == "" {
		return fmt.Errorf("%s must be set to the Unix socket path to serve CRI on", criSocketEnv)
	}

	must.Do(os.MkdirAll(serveFlags.dataDir, 0700))
	storeRoot := filepath.Join(serveFlags.dataDir, "store")
	must.Do(os.MkdirAll(storeRoot, 0700))

	insecureRegistries := make(map[string]bool, len(serveFlags.insecureRegistry))
	for _, r := range serveFlags.insecureRegistry {
		insecureRegistries[r] = true
	}

	engine := wasmtime.NewEngine()
	compiler := imagestore.NewWasmtimeCompiler(engine)
	store, err := imagestore.New(storeRoot, insecureRegistries, compiler)
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}

	_, podNet, err := net.ParseCIDR(serveFlags.podCIDR)
	if err != nil {
		return fmt.Errorf("parse --pod-cidr %q: %w", serveFlags.podCIDR, err)
	}
	allocator, err := ipam.NewLocalAllocator(podNet)
	if err != nil {
		return fmt.Errorf("build IP allocator: %w", err)
	}

	initializer := podinit.New(store, engine)
	server := podserver.New(defaultGracePeriod)
	runtime := podruntime.New(initializer, allocator, server)

	downstreamConn, err := dialDownstream(serveFlags.downstreamSocket)
	if err != nil {
		return fmt.Errorf("dial downstream runtime at %s: %w", serveFlags.downstreamSocket, err)
	}
	defer downstreamConn.Close()

	runtimeService := crimux.NewProxyingRuntimeService(runtime, store, v1.NewRuntimeServiceClient(downstreamConn), serveFlags.iface, listenTCP)
	imageService := crimux.NewProxyingImageService(store, v1.NewImageServiceClient(downstreamConn))

	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	grpcServer := grpc.NewServer()
	v1.RegisterRuntimeServiceServer(grpcServer, runtimeService)
	v1.RegisterImageServiceServer(grpcServer, imageService)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(ln) }()
	wlog.Infof(wlog.Global, "serving CRI on %s, forwarding unowned traffic to %s", socketPath, serveFlags.downstreamSocket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("CRI server: %w", err)
	case sig := <-sigCh:
		wlog.Infof(wlog.Global, "received %s, shutting down", sig)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(defaultGracePeriod):
		grpcServer.Stop()
	}

	shutdownPods(runtime)
	return nil
}

// shutdownPods kills every pod this process still owns so a restart doesn't
// orphan running component instances. It runs after the CRI server has
// stopped, and pod records live only in this process's memory, so they are
// gone once workd exits.
func shutdownPods(runtime *podruntime.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracePeriod)
	defer cancel()
	for _, pod := range runtime.AllPods() {
		if err := runtime.KillPod(ctx, pod.Name); err != nil {
			wlog.Errorf(wlog.Global, "shutdown: kill pod %s: %v", pod.Name, err)
		}
	}
}

// listenTCP binds the dispatch listener a started container's data-plane
// server accepts connections on, at the pod's activated address.
func listenTCP(ip net.IP, port int) (net.Listener, error) {
	return net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: port})
}

func dialDownstream(socketPath string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// versionString mirrors the teacher's debug.ReadBuildInfo-derived version
// string, reporting the VCS revision the binary was built from.
func versionString() string {
	return fmt.Sprintf("workd %s (%s)", buildRevision(), crimux.ContainerRuntimeName)
}

// buildRevision mirrors cmd/catch's VersionCommit: the VCS revision the
// running binary was built from, "dev" if the build info carries no VCS
// revision, or "unknown" if no build info is available at all.
func buildRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var commit string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return commit + "-dirty"
	}
	return commit
}

const (
	unitPath = "/etc/systemd/system/workd.service"
	envPath  = "/etc/workd/workd.env"
)

// unitEnv is the EnvironmentFile systemd loads for the installed unit; tagged
// fields mirror env.Write's reflect-driven KEY=value format.
type unitEnv struct {
	CRISocket string `env:"WORKD_CRI_SOCKET"`
}

func installSystemdUnit(dataDir string) error {
	if _, err := os.Stat(unitPath); err == nil {
		ok, err := cmdutil.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("%s already exists, overwrite?", unitPath))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("install: %s already exists", unitPath)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	must.Do(os.MkdirAll(filepath.Dir(envPath), 0755))
	if err := env.Write(envPath, &unitEnv{CRISocket: "/run/workd/workd.sock"}); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	unit := fmt.Sprintf(systemdUnitTemplate, exe, dataDir, envPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write %s: %w", unitPath, err)
	}

	if err := cmdutil.NewStdCmd("systemctl", "daemon-reload").Run(); err != nil {
		log.Printf("systemctl daemon-reload: %v (unit installed anyway)", err)
	}
	log.Printf("wrote %s; run `systemctl enable --now workd` to start it", unitPath)
	return nil
}

const systemdUnitTemplate = `[Unit]
Description=workd CRI runtime
After=network.target

[Service]
ExecStart=%s --data-dir=%s
Restart=on-failure
EnvironmentFile=%s

[Install]
WantedBy=multi-user.target
`
