package tracer

import "testing"

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := newRegistry()
	c := newChild(42, false, nil)
	r.insert(c)

	got, ok := r.lookup(42)
	if !ok || got.PID != 42 {
		t.Fatalf("lookup(42) = %v, %v", got, ok)
	}
	if r.count() != 1 {
		t.Fatalf("count() = %d, want 1", r.count())
	}

	r.remove(42)
	if _, ok := r.lookup(42); ok {
		t.Fatal("expected 42 to be gone after remove")
	}
	if r.count() != 0 {
		t.Fatalf("count() = %d, want 0", r.count())
	}
}

func TestRegistryAllIsASnapshot(t *testing.T) {
	r := newRegistry()
	r.insert(newChild(1, false, nil))
	r.insert(newChild(2, true, nil))

	all := r.all()
	if len(all) != 2 {
		t.Fatalf("all() returned %d children, want 2", len(all))
	}

	r.remove(1)
	if len(all) != 2 {
		t.Fatal("snapshot slice must not be affected by later removals")
	}
}

func TestNewChildDefaults(t *testing.T) {
	c := newChild(7, true, nil)
	if !c.PreSyscall {
		t.Error("a new child must start expecting a syscall-entry stop")
	}
	if c.memFD != -1 {
		t.Errorf("memFD = %d, want -1 (closed)", c.memFD)
	}
	if c.deniedNr != deniedNone {
		t.Errorf("deniedNr = %d, want deniedNone", c.deniedNr)
	}
	if !c.Attached {
		t.Error("Attached must reflect the constructor argument")
	}
}
