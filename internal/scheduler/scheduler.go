// Package scheduler is the warm-pool scheduler / dispatcher: the heart of
// the system. It matches an incoming request to a ready VM or provisions a
// fresh one and awaits readiness, dispatches Execute, and refills the pool.
//
// Grounded on the teacher's acquireGeneric admission-control loop
// (internal/pool/pool_acquisition.go): lock, check the fast path, release
// the lock before any blocking boot/RPC, then resume. The teacher's
// sync.Cond wait is replaced here with the event-bus subscription the spec
// mandates, and its per-function concurrency/queue-depth bookkeeping is
// dropped — this system pools one VM per request, not N concurrent slots
// per warm VM.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/lambdo/internal/config"
	"github.com/oriys/lambdo/internal/fleet"
	"github.com/oriys/lambdo/internal/logging"
	"github.com/oriys/lambdo/internal/metrics"
	"github.com/oriys/lambdo/internal/netprov"
	"github.com/oriys/lambdo/internal/protocol"
	"github.com/oriys/lambdo/internal/vmerrors"
	"github.com/oriys/lambdo/internal/vmm"
)

// executeDeadline is the fixed 15s deadline on the Execute RPC.
const executeDeadline = 15 * time.Second

// Scheduler owns warm-pool bookkeeping on top of a fleet registry.
type Scheduler struct {
	cfg         *config.Config
	registry    *fleet.Registry
	provisioner *netprov.Provisioner
	driver      *vmm.Driver
	languages   map[string]config.Language
	refillCh    chan string // language keys needing a refill boot
}

func New(cfg *config.Config, registry *fleet.Registry, provisioner *netprov.Provisioner, driver *vmm.Driver) *Scheduler {
	languages := make(map[string]config.Language, len(cfg.Languages))
	for _, l := range cfg.Languages {
		languages[l.Key()] = l
	}
	return &Scheduler{
		cfg:         cfg,
		registry:    registry,
		provisioner: provisioner,
		driver:      driver,
		languages:   languages,
		refillCh:    make(chan string, 256),
	}
}

// Start ensures the bridge exists, boots one warm VM per configured
// language, and launches the background refill listener.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.provisioner.EnsureBridge(s.cfg.BridgeName, s.cfg.BridgeCIDR); err != nil {
		return err
	}

	go s.refillListener(ctx)
	go s.transitionListener(ctx)

	for _, lang := range s.cfg.Languages {
		if _, err := s.BootVM(ctx, lang.Key(), false); err != nil {
			return fmt.Errorf("warm boot %s: %w", lang.Key(), err)
		}
	}
	return nil
}

// RunCode is the end-to-end entry point: find or boot a VM, dispatch
// Execute, and return the aggregated response.
func (s *Scheduler) RunCode(ctx context.Context, languageKey string, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	// ClaimReady finds and marks Running atomically, so two concurrent
	// callers can never be handed the same ready VM.
	record := s.registry.ClaimReady(languageKey)

	if record == nil {
		sub := s.registry.Subscribe()
		defer s.registry.Unsubscribe(sub)

		id, err := s.BootVM(ctx, languageKey, true)
		if err != nil {
			return protocol.ExecuteResponse{}, err
		}

		record, err = s.awaitReady(ctx, sub, id)
		if err != nil {
			return protocol.ExecuteResponse{}, err
		}

		// This record was booted reserved for this request alone, so no
		// other caller can have claimed it; the transition is uncontended.
		if err := s.registry.Transition(record.ID, fleet.Running); err != nil {
			return protocol.ExecuteResponse{}, vmerrors.Wrap(vmerrors.ErrVMAlreadyEnded, err.Error())
		}
	}

	record.SetLastRequest(req)

	resp, err := s.dispatch(ctx, record, req)

	endErr := s.registry.Transition(record.ID, fleet.Ended)
	if endErr != nil {
		logging.Op().Warn("end transition rejected", "vm_id", record.ID, "error", endErr)
	}
	closeAgentClient(record)

	return resp, err
}

// closeAgentClient releases the record's agent connection once it has ended.
// Ended records are retained in the registry, so leaving the connection open
// would leak one *grpc.ClientConn per served request.
func closeAgentClient(record *fleet.Record) {
	client := record.AgentClient()
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logging.Op().Warn("agent client close failed", "vm_id", record.ID, "error", err)
	}
}

// dispatch issues Execute against the record's agent client with the fixed
// 15s deadline, translating a deadline-exceeded into vmerrors.ErrTimeout.
func (s *Scheduler) dispatch(ctx context.Context, record *fleet.Record, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	client := record.AgentClient()
	if client == nil {
		return protocol.ExecuteResponse{}, vmerrors.Wrap(vmerrors.ErrExecutionError, "no agent client")
	}

	execCtx, cancel := context.WithTimeout(ctx, executeDeadline)
	defer cancel()

	start := time.Now()
	resp, err := client.Execute(execCtx, req)
	metrics.Global().RecordExecuteDuration(float64(time.Since(start).Milliseconds()))

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			metrics.Global().RecordExecuteTimeout()
			return protocol.ExecuteResponse{}, vmerrors.ErrTimeout
		}
		return protocol.ExecuteResponse{}, vmerrors.Wrap(vmerrors.ErrExecutionError, err.Error())
	}

	record.SetLastResponse(resp)
	return resp, nil
}

// awaitReady loops on the subscription until (id, Ready) arrives, ignoring
// events for other ids. It first checks the registry directly, so a record
// that is already Ready is returned at once. Subscription lag is not
// detected: an overflowing subscription drops its oldest events without a
// signal, and the registry is re-queried only if the subscription channel
// is closed.
func (s *Scheduler) awaitReady(ctx context.Context, sub *fleet.Subscription, id string) (*fleet.Record, error) {
	if record, ok := s.registry.Get(id); ok && record.Status() == fleet.Ready {
		return record, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				// subscription closed: fall back to a direct poll.
				record, found := s.registry.Get(id)
				if !found {
					return nil, vmerrors.ErrVMNotFound
				}
				switch record.Status() {
				case fleet.Ready:
					return record, nil
				case fleet.Ended:
					return nil, vmerrors.ErrVMAlreadyEnded
				default:
					continue
				}
			}
			if ev.ID != id {
				continue
			}
			switch ev.Status {
			case fleet.Ready:
				record, found := s.registry.Get(id)
				if !found {
					return nil, vmerrors.ErrVMNotFound
				}
				return record, nil
			case fleet.Ended:
				return nil, vmerrors.ErrVMAlreadyEnded
			}
		}
	}
}

// BootVM allocates network resources, starts the VMM, and inserts a Booting
// record. Returns the new record's id.
func (s *Scheduler) BootVM(ctx context.Context, languageKey string, reserved bool) (string, error) {
	lang, ok := s.languages[languageKey]
	if !ok {
		return "", fmt.Errorf("unknown language %q", languageKey)
	}

	id := uuid.NewString()
	tapName := fmt.Sprintf("tap-%s", id[:8])

	record, err := s.registry.InsertWithAllocatedIP(s.cfg.BridgeCIDR, func(guestIP string) *fleet.Record {
		return &fleet.Record{
			ID:          id,
			LanguageKey: languageKey,
			VMOpts: fleet.Opts{
				LanguageKey: languageKey,
				GuestIP:     guestIP,
				TapName:     tapName,
				Initramfs:   lang.InitramfsPath,
			},
		}
	})
	if err != nil {
		return "", err
	}
	if reserved {
		s.registry.MarkReserved(id)
	}
	metrics.Global().RecordIPAllocated()

	if err := s.provisioner.AttachTap(tapName, s.cfg.BridgeName); err != nil {
		_ = s.registry.Transition(id, fleet.Ended)
		return "", err
	}

	handle, err := s.driver.Start(ctx, vmm.Options{
		Kernel:      s.cfg.KernelPath,
		VCPUs:       1,
		MemoryMiB:   256,
		Initramfs:   lang.InitramfsPath,
		Tap:         tapName,
		GuestIPCIDR: record.VMOpts.GuestIP + "/24",
		Gateway:     bridgeGateway(s.cfg.BridgeCIDR),
	})
	if err != nil {
		netprov.DeleteTap(tapName)
		_ = s.registry.Transition(id, fleet.Ended)
		return "", err
	}
	record.Handle = handle
	metrics.Global().RecordVMBooted()
	s.refreshMetrics()

	go s.watchExit(id, handle)

	return id, nil
}

// watchExit ends the record when its VM handle resolves, whether by normal
// exit or crash (C2's join-handle contract).
func (s *Scheduler) watchExit(id string, handle *vmm.Handle) {
	err := <-handle.Done()
	if err != nil {
		logging.Op().Error("vm exited unexpectedly", "vm_id", id, "error", err)
		metrics.Global().RecordVMCrashed()
	}
	if err := s.registry.Transition(id, fleet.Ended); err != nil {
		logging.Op().Warn("end-on-exit transition rejected", "vm_id", id, "error", err)
		return
	}
	if record, ok := s.registry.Get(id); ok {
		closeAgentClient(record)
	}
}

// refreshMetrics recomputes the fleet-size and warm-pool-depth gauges from
// the registry's current state.
func (s *Scheduler) refreshMetrics() {
	m := metrics.Global()
	for status, n := range s.registry.StatusCounts() {
		m.SetFleetSize(status.String(), n)
	}
	depths := s.registry.WarmPoolDepths()
	for lang := range s.languages {
		m.SetWarmPoolDepth(lang, depths[lang])
	}
}

// transitionListener watches every transition and enqueues a warm-pool
// refill whenever a non-reserved VM leaves Ready for Running.
func (s *Scheduler) transitionListener(ctx context.Context) {
	sub := s.registry.Subscribe()
	defer s.registry.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.refreshMetrics()
			if ev.Status != fleet.Running {
				continue
			}
			record, found := s.registry.Get(ev.ID)
			if !found || record.Reserved() {
				continue
			}
			select {
			case s.refillCh <- record.LanguageKey:
			default:
				logging.Op().Warn("refill channel full, dropping refill request", "language", record.LanguageKey)
			}
		}
	}
}

// refillListener boots one replacement VM per queued language key.
func (s *Scheduler) refillListener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case lang := <-s.refillCh:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Op().Error("refill boot panicked", "language", lang, "panic", r)
					}
				}()
				if _, err := s.BootVM(ctx, lang, false); err != nil {
					logging.Op().Error("refill boot failed", "language", lang, "error", err)
				}
			}()
		}
	}
}

func bridgeGateway(bridgeCIDR string) string {
	// The bridge's own address is the first usable address in its CIDR;
	// AllocateIP starts handing out guest addresses after it.
	ip, _, err := netSplitCIDR(bridgeCIDR)
	if err != nil {
		return ""
	}
	return ip
}

func netSplitCIDR(cidr string) (string, string, error) {
	idx := -1
	for i, c := range cidr {
		if c == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", fmt.Errorf("invalid cidr %q", cidr)
	}
	return cidr[:idx], cidr[idx+1:], nil
}
