// Package fleet owns the VM state machine, the fleet registry, and the
// broadcast event bus.
//
// Design rationale: a single mutex plus a broadcast channel is the
// deliberate choice over per-record locks — splitting locks would
// complicate the IP-uniqueness scan for what is, in practice, a small
// number of concurrent VMs.
//
// Invariants:
//   - id is unique across the fleet; guest IPv4 is unique across all
//     non-Ended records.
//   - Status progression is monotonic: Booting -> Ready -> Running -> Ended.
//     Ended is terminal.
//   - agent_client is set by the Ready handshake. When the record ends the
//     client is closed but not cleared, so an Ended record may still hold
//     its closed client.
//   - A record is dispatchable to a new request iff status==Ready && !reserved.
//
// Concurrency model: all registry mutation is serialized under one mutex.
// Every successful Transition publishes exactly one event to the bus while
// still holding the lock, so no subscriber can observe a state the bus
// hasn't announced. The bus itself is lock-free for subscribers: each has
// its own buffered channel and is never blocked by a slow peer.
package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/lambdo/internal/netprov"
	"github.com/oriys/lambdo/internal/protocol"
	"github.com/oriys/lambdo/internal/vmerrors"
	"github.com/oriys/lambdo/internal/vmm"
)

// Status is a VM's lifecycle state.
type Status int

const (
	Booting Status = iota
	Ready
	Running
	Ended
)

func (s Status) String() string {
	switch s {
	case Booting:
		return "Booting"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// validTransitions enforces the monotonic state machine.
var validTransitions = map[Status][]Status{
	Booting: {Ready, Ended},
	Ready:   {Running, Ended},
	Running: {Ended},
	Ended:   {},
}

// AgentClient is the narrow capability the fleet needs from the agent
// client: issue Execute, and release the connection when the record ends.
type AgentClient interface {
	Execute(ctx context.Context, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error)
	Close() error
}

// Opts is the immutable set of options a VM was booted with.
type Opts struct {
	LanguageKey string
	GuestIP     string
	TapName     string
	Initramfs   string
}

// Record is one VM's mutable state, owned exclusively by the registry.
type Record struct {
	ID          string
	LanguageKey string
	VMOpts      Opts
	Handle      *vmm.Handle

	mu           sync.Mutex
	status       Status
	reserved     bool
	agentPort    uint32
	agentClient  AgentClient
	lastRequest  *protocol.ExecuteRequest
	lastResponse *protocol.ExecuteResponse
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) Reserved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

func (r *Record) AgentPort() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentPort
}

func (r *Record) SetAgentPort(port uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentPort = port
}

func (r *Record) AgentClient() AgentClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentClient
}

func (r *Record) SetAgentClient(c AgentClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentClient = c
}

func (r *Record) SetLastRequest(req protocol.ExecuteRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRequest = &req
}

func (r *Record) SetLastResponse(resp protocol.ExecuteResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastResponse = &resp
}

func (r *Record) LastResponse() *protocol.ExecuteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResponse
}

// Event is one (vm_id, new_status) transition.
type Event struct {
	ID     string
	Status Status
}

const busBacklog = 128

// Subscription is a newcomer's view of the event bus. Overflowing
// subscribers have their oldest event dropped rather than blocking
// publishers.
type Subscription struct {
	ch chan Event
}

// Events returns the channel of transitions. Closed when Unsubscribe is called.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Registry is the fleet's single point of mutation: a map of id -> Record
// plus the broadcast bus of transitions.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string // insertion order of ids, for FindReady's earliest-first rule
	ips     map[string]struct{} // guest IPs in use by non-Ended records
	subs    map[*Subscription]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		ips:     make(map[string]struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Insert adds a new Booting record, asserting guest-IP uniqueness.
func (reg *Registry) Insert(r *Record) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.records[r.ID]; exists {
		return fmt.Errorf("fleet: duplicate id %s", r.ID)
	}
	if _, used := reg.ips[r.VMOpts.GuestIP]; used {
		return fmt.Errorf("fleet: guest ip %s already in use", r.VMOpts.GuestIP)
	}
	r.status = Booting
	reg.records[r.ID] = r
	reg.order = append(reg.order, r.ID)
	reg.ips[r.VMOpts.GuestIP] = struct{}{}
	return nil
}

// InsertWithAllocatedIP allocates a guest IP and inserts the new record in a
// single critical section, so two concurrent BootVM calls can never pick the
// same address.
func (reg *Registry) InsertWithAllocatedIP(bridgeCIDR string, newRecord func(guestIP string) *Record) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	inUse := make(map[string]struct{}, len(reg.ips))
	for ip := range reg.ips {
		inUse[ip] = struct{}{}
	}
	ip, err := netprov.AllocateIP(bridgeCIDR, inUse)
	if err != nil {
		return nil, err
	}

	record := newRecord(ip)
	record.status = Booting
	reg.records[record.ID] = record
	reg.order = append(reg.order, record.ID)
	reg.ips[ip] = struct{}{}
	return record, nil
}

// Get returns the record for id, if present.
func (reg *Registry) Get(id string) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.records[id]
	return r, ok
}

// FindReady returns the earliest-inserted Ready, unreserved record whose
// language matches, or nil. Insertion order is preserved by ranging over a
// stable id slice, not Go's randomized map iteration.
func (reg *Registry) FindReady(languageKey string) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, id := range reg.insertionOrderLocked() {
		r := reg.records[id]
		r.mu.Lock()
		match := r.status == Ready && !r.reserved && r.LanguageKey == languageKey
		r.mu.Unlock()
		if match {
			return r
		}
	}
	return nil
}

// ClaimReady atomically finds the earliest-inserted Ready, unreserved record
// whose language matches and transitions it straight to Running, all within
// one critical section. This is the only safe way to hand out a ready VM:
// a find-then-transition pair done as two separate calls lets two concurrent
// callers both observe the same Ready record before either transitions it
// (SPEC_FULL.md §4.6, invariant: a record is consumed by exactly one
// request).
func (reg *Registry) ClaimReady(languageKey string) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, id := range reg.insertionOrderLocked() {
		r := reg.records[id]
		r.mu.Lock()
		match := r.status == Ready && !r.reserved && r.LanguageKey == languageKey
		if match {
			r.status = Running
		}
		r.mu.Unlock()
		if match {
			reg.publishLocked(Event{ID: id, Status: Running})
			return r
		}
	}
	return nil
}

// FindByGuestIP resolves the unique non-Ended record whose guest IP matches.
// Zero or multiple matches are reported distinctly: the latter indicates an
// allocator bug (the same IP handed to two live records).
func (reg *Registry) FindByGuestIP(ip string) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var found *Record
	matches := 0
	for _, id := range reg.order {
		r := reg.records[id]
		r.mu.Lock()
		isEnded := r.status == Ended
		r.mu.Unlock()
		if isEnded {
			continue
		}
		if r.VMOpts.GuestIP == ip {
			found = r
			matches++
		}
	}
	switch matches {
	case 0:
		return nil, fmt.Errorf("no VM for this IP")
	case 1:
		return found, nil
	default:
		return nil, fmt.Errorf("multiple VMs for this IP")
	}
}

// MarkReserved flips a record's reserved bit. Used by BootVM to mark a
// freshly-booted record as earmarked for the request that triggered it.
func (reg *Registry) MarkReserved(id string) {
	reg.mu.Lock()
	r, ok := reg.records[id]
	reg.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.reserved = true
	r.mu.Unlock()
}

// insertionOrderLocked returns ids in insertion order. Callers must hold reg.mu.
func (reg *Registry) insertionOrderLocked() []string {
	return reg.order
}

// Transition performs a checked, monotonic status change and publishes the
// event under the fleet lock so every visible transition has a matching
// bus event.
func (reg *Registry) Transition(id string, newStatus Status) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.records[id]
	if !ok {
		return vmerrors.Wrap(vmerrors.ErrVMNotFound, id)
	}

	r.mu.Lock()
	current := r.status
	allowed := false
	for _, s := range validTransitions[current] {
		if s == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		r.mu.Unlock()
		return fmt.Errorf("fleet: invalid transition %s -> %s for %s", current, newStatus, id)
	}
	r.status = newStatus
	if newStatus == Ended {
		delete(reg.ips, r.VMOpts.GuestIP)
	}
	r.mu.Unlock()

	reg.publishLocked(Event{ID: id, Status: newStatus})
	return nil
}

// StatusCounts returns the number of records currently in each status, for
// the health endpoint.
func (reg *Registry) StatusCounts() map[Status]int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	counts := map[Status]int{Booting: 0, Ready: 0, Running: 0, Ended: 0}
	for _, r := range reg.records {
		r.mu.Lock()
		counts[r.status]++
		r.mu.Unlock()
	}
	return counts
}

// WarmPoolDepths returns the count of Ready, unreserved records per
// language key, for the warm-pool-depth gauge.
func (reg *Registry) WarmPoolDepths() map[string]int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	depths := make(map[string]int)
	for _, r := range reg.records {
		r.mu.Lock()
		if r.status == Ready && !r.reserved {
			depths[r.LanguageKey]++
		}
		r.mu.Unlock()
	}
	return depths
}

// InUseIPs returns a snapshot of guest IPs held by non-Ended records, for
// AllocateIP's scan.
func (reg *Registry) InUseIPs() map[string]struct{} {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[string]struct{}, len(reg.ips))
	for ip := range reg.ips {
		out[ip] = struct{}{}
	}
	return out
}

// Subscribe registers a new subscription. Callers must subscribe before
// triggering the transition they intend to observe, since a newcomer may
// miss events published before Subscribe returns.
func (reg *Registry) Subscribe() *Subscription {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	sub := &Subscription{ch: make(chan Event, busBacklog)}
	reg.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (reg *Registry) Unsubscribe(sub *Subscription) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.subs[sub]; ok {
		delete(reg.subs, sub)
		close(sub.ch)
	}
}

// publishLocked fans out ev to every subscriber, dropping the oldest queued
// event for any subscriber whose buffer is full rather than blocking the
// publisher (the fleet lock is held here, so a blocked publisher would stall
// every other component).
func (reg *Registry) publishLocked(ev Event) {
	for sub := range reg.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
