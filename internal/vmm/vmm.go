// Package vmm wraps the opaque microVM driver: boot one VM, observe its exit.
//
// The real driver (Firecracker, cloud-hypervisor, or similar) is an external
// collaborator; this package only depends on the narrow capability the
// scheduler needs — Start(opts) -> Handle — so tests substitute a fake.
package vmm

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/oriys/lambdo/internal/logging"
	"github.com/oriys/lambdo/internal/vmerrors"
	"golang.org/x/sys/unix"
)

// Options configures one microVM boot.
type Options struct {
	Kernel        string
	VCPUs         int
	MemoryMiB     int
	Initramfs     string
	Tap           string
	GuestIPCIDR   string
	Gateway       string
	Console       string
	ControlSocket string
}

// Handle is returned by Start; Done resolves when the VM exits, normally or
// via crash. Stop requests termination but does not guarantee it (see the
// dispatcher's timeout Open Question in DESIGN.md).
type Handle struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// Done returns a channel that is closed (err==nil) or receives a non-nil
// error when the VM process exits.
func (h *Handle) Done() <-chan error {
	return h.done
}

// Stop sends SIGTERM to the VM's process group. It does not wait for exit.
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return unix.Kill(-h.cmd.Process.Pid, unix.SIGTERM)
}

// Driver boots one VM per Start call on a dedicated goroutine, so the
// scheduler's own concurrency is never blocked by the VMM's blocking run loop.
type Driver struct {
	Binary string // path to the VMM binary, e.g. firecracker
}

// Start constructs, configures, and runs one VM, returning a join-handle.
func (d *Driver) Start(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Kernel == "" || opts.Initramfs == "" {
		return nil, vmerrors.Wrap(vmerrors.ErrVMMNew, "kernel and initramfs are required")
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, vmerrors.Wrap(vmerrors.ErrVMMRun, err.Error())
	}

	h := &Handle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logging.Op().Warn("vm exited with error", "tap", opts.Tap, "error", err)
		}
		h.done <- err
		close(h.done)
	}()
	return h, nil
}

func buildArgs(opts Options) []string {
	return []string{
		"--kernel", opts.Kernel,
		"--initramfs", opts.Initramfs,
		"--vcpus", fmt.Sprintf("%d", opts.VCPUs),
		"--memory-mib", fmt.Sprintf("%d", opts.MemoryMiB),
		"--tap", opts.Tap,
		"--guest-ip", opts.GuestIPCIDR,
		"--gateway", opts.Gateway,
	}
}
