package portregistry

import "testing"

func TestAllocateReleaseFIFO(t *testing.T) {
	r := New(15000, 15010)

	p1, err := r.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	r.Release(p1)

	p2, err := r.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}

	if p1 != p2 {
		t.Fatalf("expected FIFO reuse to return %d, got %d", p1, p2)
	}
}

func TestPortExhaustion(t *testing.T) {
	r := New(15100, 15101)

	p, err := r.Allocate()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}

	if _, err := r.Allocate(); err == nil {
		t.Fatalf("expected exhaustion error, got port allocated while %d still held", p)
	}
}

func TestAllocateSpecificReusesFreePort(t *testing.T) {
	r := New(15200, 15210)

	p, err := r.AllocateSpecific(15205)
	if err != nil {
		t.Fatalf("allocate specific: %v", err)
	}
	if p != 15205 {
		t.Fatalf("expected port 15205, got %d", p)
	}
}
