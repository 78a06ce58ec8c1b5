package netprov

import "testing"

func TestAllocateIPLowestFirst(t *testing.T) {
	inUse := map[string]struct{}{}
	ip, err := AllocateIP("172.30.0.1/24", inUse)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if ip != "172.30.0.2" {
		t.Fatalf("expected 172.30.0.2, got %s", ip)
	}
}

func TestAllocateIPSkipsInUse(t *testing.T) {
	inUse := map[string]struct{}{"172.30.0.2": {}, "172.30.0.3": {}}
	ip, err := AllocateIP("172.30.0.1/24", inUse)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if ip != "172.30.0.4" {
		t.Fatalf("expected 172.30.0.4, got %s", ip)
	}
}

func TestAllocateIPExhausted(t *testing.T) {
	inUse := map[string]struct{}{}
	for i := 2; i <= 255; i++ {
		inUse[uint32ToIP(uint32(0xAC1E0000)+uint32(i))] = struct{}{}
	}
	_, err := AllocateIP("172.30.0.1/24", inUse)
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestGenerateMACDeterministic(t *testing.T) {
	a := GenerateMAC("vm-1")
	b := GenerateMAC("vm-1")
	c := GenerateMAC("vm-2")
	if a != b {
		t.Fatalf("expected same mac for same id, got %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("expected different macs for different ids")
	}
}
