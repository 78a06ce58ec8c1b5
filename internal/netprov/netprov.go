// Package netprov owns host bridge setup, tap attachment, and guest IP
// allocation. It shells out to the `ip`/`iptables` CLIs the way a real
// deployment's network namespace is prepared; the mechanism itself (actual
// kernel netlink calls) is an external concern, only naming and IP
// bookkeeping live here.
package netprov

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oriys/lambdo/internal/vmerrors"
)

// Provisioner ensures the bridge exists and allocates guest IPs against it.
type Provisioner struct {
	bridgeReady atomic.Bool
	bridgeMu    sync.Mutex
}

// EnsureBridge idempotently ensures a Linux bridge exists with the given
// IPv4/prefix and is up. Safe to call concurrently; only the first caller
// does the work.
func (p *Provisioner) EnsureBridge(name, cidr string) error {
	if p.bridgeReady.Load() {
		return nil
	}
	p.bridgeMu.Lock()
	defer p.bridgeMu.Unlock()
	if p.bridgeReady.Load() {
		return nil
	}

	if len(name) > 15 {
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("bridge name %q exceeds 15 characters", name))
	}
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("invalid cidr %q: %v", cidr, err))
	}
	ones, _ := ipNet.Mask.Size()
	gatewayAddr := fmt.Sprintf("%s/%d", nextAddr(ip), ones)

	if _, err := exec.Command("ip", "link", "show", name).Output(); err != nil {
		if out, err := exec.Command("ip", "link", "add", name, "type", "bridge").CombinedOutput(); err != nil {
			return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("create bridge: %s: %v", out, err))
		}
	}

	exec.Command("ip", "addr", "flush", "dev", name).Run()
	if out, err := exec.Command("ip", "addr", "add", gatewayAddr, "dev", name).CombinedOutput(); err != nil {
		if !strings.Contains(string(out), "File exists") {
			return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("set bridge ip: %s: %v", out, err))
		}
	}

	if out, err := exec.Command("ip", "link", "set", name, "up").CombinedOutput(); err != nil {
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("bring up bridge: %s: %v", out, err))
	}

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644); err != nil {
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("enable ip forwarding: %v", err))
	}

	if err := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", cidr, "-j", "MASQUERADE").Run(); err != nil {
		if out, err := exec.Command("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", cidr, "-j", "MASQUERADE").CombinedOutput(); err != nil {
			return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("setup nat: %s: %v", out, err))
		}
	}

	p.bridgeReady.Store(true)
	return nil
}

// AttachTap creates the tap device, attaches it to the bridge and brings it
// up. The tap is deleted again if attaching or bringing it up fails.
func (p *Provisioner) AttachTap(tapName, bridgeName string) error {
	if out, err := exec.Command("ip", "tuntap", "add", tapName, "mode", "tap").CombinedOutput(); err != nil {
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("create tap: %s: %v", out, err))
	}
	if out, err := exec.Command("ip", "link", "set", tapName, "master", bridgeName).CombinedOutput(); err != nil {
		exec.Command("ip", "link", "del", tapName).Run()
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("attach tap to bridge: %s: %v", out, err))
	}
	if out, err := exec.Command("ip", "link", "set", tapName, "up").CombinedOutput(); err != nil {
		exec.Command("ip", "link", "del", tapName).Run()
		return vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("bring up tap: %s: %v", out, err))
	}
	return nil
}

// DeleteTap tears down a tap device. Best-effort; errors are not fatal.
func DeleteTap(tapName string) {
	if tapName != "" {
		exec.Command("ip", "link", "del", tapName).Run()
	}
}

// AllocateIP returns the lowest address in bridgeCIDR strictly greater than
// the bridge's own address that is not present in inUse. Deterministic,
// lowest-first, for stable test behavior — unlike a LIFO free-list, a fresh
// scan against the live in-use set can never hand out a stale reservation.
func AllocateIP(bridgeCIDR string, inUse map[string]struct{}) (string, error) {
	bridgeIP, ipNet, err := net.ParseCIDR(bridgeCIDR)
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.ErrNetSetup, fmt.Sprintf("invalid cidr %q: %v", bridgeCIDR, err))
	}

	base := ipToUint32(bridgeIP.To4())
	for addr := base + 1; ; addr++ {
		candidate := uint32ToIP(addr)
		if !ipNet.Contains(net.ParseIP(candidate)) {
			break
		}
		if _, used := inUse[candidate]; used {
			continue
		}
		return candidate, nil
	}
	return "", vmerrors.ErrNoIPAvailable
}

// GenerateMAC derives a locally-administered MAC address from a VM id so
// every VM gets a distinct, deterministic MAC without extra bookkeeping.
func GenerateMAC(vmID string) string {
	h := 0
	for _, c := range vmID {
		h = h*31 + int(c)
	}
	return fmt.Sprintf("02:FC:00:%02X:%02X:%02X", (h>>16)&0xFF, (h>>8)&0xFF, h&0xFF)
}

func nextAddr(ip net.IP) string {
	v := ipToUint32(ip.To4())
	return uint32ToIP(v)
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	if ip == nil {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(value uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
}
