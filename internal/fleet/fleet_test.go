package fleet

import (
	"sync"
	"testing"
)

func newTestRecord(id, languageKey, guestIP string) *Record {
	return &Record{ID: id, LanguageKey: languageKey, VMOpts: Opts{LanguageKey: languageKey, GuestIP: guestIP}}
}

func TestInsertRejectsDuplicateIP(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := reg.Insert(newTestRecord("b", "node/1.0", "10.0.0.2")); err == nil {
		t.Fatalf("expected duplicate ip rejection")
	}
}

func TestStateMonotonicity(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))

	if err := reg.Transition("a", Running); err == nil {
		t.Fatalf("expected Booting->Running to be rejected")
	}
	if err := reg.Transition("a", Ready); err != nil {
		t.Fatalf("Booting->Ready: %v", err)
	}
	if err := reg.Transition("a", Running); err != nil {
		t.Fatalf("Ready->Running: %v", err)
	}
	if err := reg.Transition("a", Ended); err != nil {
		t.Fatalf("Running->Ended: %v", err)
	}
	if err := reg.Transition("a", Ready); err == nil {
		t.Fatalf("expected Ended to be terminal")
	}
}

func TestTransitionRejectsSameStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)
	reg.Transition("a", Running)

	if err := reg.Transition("a", Running); err == nil {
		t.Fatalf("expected Running->Running to be rejected, not a silent no-op")
	}
}

func TestFindReadyEarliestFirst(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Insert(newTestRecord("b", "node/1.0", "10.0.0.3"))
	reg.Transition("a", Ready)
	reg.Transition("b", Ready)

	r := reg.FindReady("node/1.0")
	if r == nil || r.ID != "a" {
		t.Fatalf("expected earliest-inserted record a, got %+v", r)
	}
}

func TestFindReadySkipsReserved(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)
	reg.MarkReserved("a")

	if r := reg.FindReady("node/1.0"); r != nil {
		t.Fatalf("expected no ready record, reserved one should be excluded")
	}
}

func TestClaimReadyTransitionsToRunning(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)

	r := reg.ClaimReady("node/1.0")
	if r == nil || r.ID != "a" {
		t.Fatalf("expected to claim record a, got %+v", r)
	}
	if r.Status() != Running {
		t.Fatalf("expected claimed record to be Running, got %s", r.Status())
	}
}

func TestClaimReadySkipsReserved(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)
	reg.MarkReserved("a")

	if r := reg.ClaimReady("node/1.0"); r != nil {
		t.Fatalf("expected no claimable record, reserved one should be excluded")
	}
}

func TestClaimReadyIsExclusiveUnderConcurrency(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)

	const callers = 50
	var wg sync.WaitGroup
	claims := make([]*Record, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i] = reg.ClaimReady("node/1.0")
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range claims {
		if r != nil {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one caller to claim the single ready record, got %d", claimed)
	}
}

func TestWarmPoolDepths(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Insert(newTestRecord("b", "node/1.0", "10.0.0.3"))
	reg.Insert(newTestRecord("c", "python/3.0", "10.0.0.4"))
	reg.Transition("a", Ready)
	reg.Transition("b", Ready)
	reg.MarkReserved("b")
	reg.Transition("c", Ready)

	depths := reg.WarmPoolDepths()
	if depths["node/1.0"] != 1 {
		t.Fatalf("expected 1 unreserved ready node VM, got %d", depths["node/1.0"])
	}
	if depths["python/3.0"] != 1 {
		t.Fatalf("expected 1 ready python VM, got %d", depths["python/3.0"])
	}
}

func TestTransitionPublishesOneEventPerChange(t *testing.T) {
	reg := NewRegistry()
	sub := reg.Subscribe()
	defer reg.Unsubscribe(sub)

	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))
	reg.Transition("a", Ready)
	reg.Transition("a", Running)
	reg.Transition("a", Ended)

	var got []Status
	for i := 0; i < 3; i++ {
		ev := <-sub.Events()
		got = append(got, ev.Status)
	}
	want := []Status{Ready, Running, Ended}
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("event %d: want %s got %s", i, s, got[i])
		}
	}
}

func TestFindByGuestIPUniqueness(t *testing.T) {
	reg := NewRegistry()
	reg.Insert(newTestRecord("a", "node/1.0", "10.0.0.2"))

	r, err := reg.FindByGuestIP("10.0.0.2")
	if err != nil || r.ID != "a" {
		t.Fatalf("expected record a, got %+v err=%v", r, err)
	}

	if _, err := reg.FindByGuestIP("10.0.0.9"); err == nil {
		t.Fatalf("expected no-match error")
	}
}

func TestInsertWithAllocatedIPAtomic(t *testing.T) {
	reg := NewRegistry()
	r1, err := reg.InsertWithAllocatedIP("10.0.0.1/24", func(ip string) *Record {
		return newTestRecord("a", "node/1.0", ip)
	})
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	if r1.VMOpts.GuestIP != "10.0.0.2" {
		t.Fatalf("expected 10.0.0.2, got %s", r1.VMOpts.GuestIP)
	}

	r2, err := reg.InsertWithAllocatedIP("10.0.0.1/24", func(ip string) *Record {
		return newTestRecord("b", "node/1.0", ip)
	})
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if r2.VMOpts.GuestIP != "10.0.0.3" {
		t.Fatalf("expected 10.0.0.3, got %s", r2.VMOpts.GuestIP)
	}
}
