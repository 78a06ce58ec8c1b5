// Package vmerrors defines the typed error taxonomy used across the control plane.
package vmerrors

import "errors"

var (
	// ErrConfig is returned for config load/parse failures, fatal at startup.
	ErrConfig = errors.New("config")
	// ErrNetSetup is returned for bridge creation/addressing failures, fatal at startup.
	ErrNetSetup = errors.New("net setup")
	// ErrNoIPAvailable is returned when the bridge subnet is exhausted.
	ErrNoIPAvailable = errors.New("no ip available")
	// ErrVMMNew is returned when the VMM driver fails to construct a VM.
	ErrVMMNew = errors.New("vmm new")
	// ErrVMMConfigure is returned when the VMM driver fails to configure a VM.
	ErrVMMConfigure = errors.New("vmm configure")
	// ErrVMMRun is returned when the VMM driver fails to run a VM.
	ErrVMMRun = errors.New("vmm run")
	// ErrVMNotFound is returned when a record is looked up by an unknown id.
	ErrVMNotFound = errors.New("vm not found")
	// ErrVMAlreadyEnded is returned when a scheduling race ends the VM before dispatch.
	ErrVMAlreadyEnded = errors.New("vm already ended")
	// ErrExecutionError is returned when the agent RPC itself fails.
	ErrExecutionError = errors.New("execution error")
	// ErrTimeout is returned when the 15s execute deadline is exceeded.
	ErrTimeout = errors.New("timeout")
)

// Wrap attaches extra context to a sentinel error while keeping it matchable with errors.Is.
func Wrap(sentinel error, context string) error {
	if context == "" {
		return sentinel
	}
	return &wrapped{sentinel: sentinel, context: context}
}

type wrapped struct {
	sentinel error
	context  string
}

func (w *wrapped) Error() string { return w.sentinel.Error() + ": " + w.context }
func (w *wrapped) Unwrap() error { return w.sentinel }
