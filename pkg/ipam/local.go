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

package ipam

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netns"

	"github.com/workd-run/workd/pkg/names"
	"github.com/workd-run/workd/pkg/wlog"
)

// LocalAllocator hands out addresses from a single CIDR block and attaches
// them by switching the calling goroutine's thread into a named network
// namespace for the duration of activation. It is meant for single-node
// development and testing, not for a production node with a real CNI.
type LocalAllocator struct {
	pool *pool
}

// NewLocalAllocator returns an [Allocator] that allocates addresses out of
// cidr, excluding the network and broadcast addresses.
func NewLocalAllocator(cidr *net.IPNet) (*LocalAllocator, error) {
	p, err := newPool(cidr)
	if err != nil {
		return nil, err
	}
	return &LocalAllocator{pool: p}, nil
}

func (a *LocalAllocator) Allocate(ctx context.Context, pod names.PodName) (AllocatedAddress, error) {
	ip, err := a.pool.take()
	if err != nil {
		return nil, fmt.Errorf("allocate address for pod %s: %w", pod, err)
	}
	wlog.Infof(pod, "allocated address %s", ip)
	return &localAllocatedAddress{pool: a.pool, pod: pod, ip: ip}, nil
}

type localAllocatedAddress struct {
	pool *pool
	pod  names.PodName
	ip   net.IP

	once sync.Once
	err  error
}

func (a *localAllocatedAddress) IP() net.IP { return a.ip }

// Activate switches into the named network namespace to represent attaching
// this address to iface there. The namespace handle is held open until
// Deactivate closes it.
func (a *localAllocatedAddress) Activate(ctx context.Context, iface string) (ActiveAddress, error) {
	ns, err := netns.GetFromName(iface)
	if err != nil {
		return nil, fmt.Errorf("activate address %s on interface %q: %w", a.ip, iface, err)
	}
	wlog.Infof(a.pod, "activated address %s on interface %q", a.ip, iface)
	return &localActiveAddress{parent: a, ns: ns}, nil
}

func (a *localAllocatedAddress) Deallocate(ctx context.Context) error {
	a.once.Do(func() {
		a.err = a.pool.release(a.ip)
		if a.err == nil {
			wlog.Infof(a.pod, "deallocated address %s", a.ip)
		}
	})
	return a.err
}

type localActiveAddress struct {
	parent *localAllocatedAddress

	ns netns.NsHandle

	once sync.Once
	err  error
}

func (a *localActiveAddress) IP() net.IP { return a.parent.ip }

func (a *localActiveAddress) Deactivate(ctx context.Context) error {
	a.once.Do(func() {
		a.err = a.ns.Close()
		if a.err == nil {
			wlog.Infof(a.parent.pod, "deactivated address %s", a.parent.ip)
		}
	})
	return a.err
}

// pool is a free-list of addresses drawn from a CIDR block.
type pool struct {
	mu   sync.Mutex
	free []net.IP
	out  map[string]bool
}

func newPool(cidr *net.IPNet) (*pool, error) {
	ones, bits := cidr.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("cidr %s: only IPv4 ranges are supported", cidr)
	}
	if bits-ones < 2 {
		return nil, fmt.Errorf("cidr %s: too small to hold any usable addresses", cidr)
	}

	base := cidr.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("cidr %s: not a valid IPv4 network", cidr)
	}
	count := 1 << uint(bits-ones)

	p := &pool{out: map[string]bool{}}
	for i := 1; i < count-1; i++ { // skip network and broadcast addresses
		ip := make(net.IP, 4)
		v := ipToUint32(base) + uint32(i)
		uint32ToIP(v, ip)
		p.free = append(p.free, ip)
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("cidr %s: no usable addresses", cidr)
	}
	return p, nil
}

func (p *pool) take() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, fmt.Errorf("address pool exhausted")
	}
	ip := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.out[ip.String()] = true
	return ip, nil
}

func (p *pool) release(ip net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ip.String()
	if !p.out[key] {
		return fmt.Errorf("address %s is not currently allocated", ip)
	}
	delete(p.out, key)
	p.free = append(p.free, ip)
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32, dst net.IP) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
