package emulator

import (
	"errors"
	"testing"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/chain"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

func provisionedRegistry(t *testing.T) (*Registry, *codegen.Program) {
	t.Helper()
	ch := &chain.Chain{
		Name:   "reg_test",
		Hook:   types.HookXDP,
		Policy: types.VerdictAccept,
		Sets: []chain.Set{{
			Name:  "hosts",
			Key:   chain.SetKeyIPv4,
			Elems: []string{"192.0.2.1", "192.0.2.2"},
		}},
		Rules: []chain.Rule{{
			Matchers: []chain.Matcher{{Type: chain.MatchIP4SrcSet, Set: 0}},
			Counter:  true,
			Verdict:  types.VerdictDrop,
		}},
	}
	p, err := codegen.New(ch, types.FrontCLI, codegen.Options{Ifindex: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	reg := NewRegistry()
	if err := reg.Provision(p); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	return reg, p
}

func TestRegistryResolver(t *testing.T) {
	reg, _ := provisionedRegistry(t)

	seen := map[int32]bool{}
	for _, name := range []string{
		"bpf_dynptr_from_xdp",
		"bpf_dynptr_from_skb",
		"bpf_dynptr_slice",
		"bpf_dynptr_size",
	} {
		id, err := reg.KfuncID(name)
		if err != nil {
			t.Fatalf("KfuncID(%q) error = %v", name, err)
		}
		if id <= 0 || seen[id] {
			t.Errorf("KfuncID(%q) = %d, want positive and distinct", name, id)
		}
		seen[id] = true
	}
	if _, err := reg.KfuncID("bpf_probe_read"); !errors.Is(err, ErrUnknownFunc) {
		t.Errorf("KfuncID(unknown) error = %v, want %v", err, ErrUnknownFunc)
	}

	cfd, err := reg.CountersMapFD()
	if err != nil {
		t.Fatalf("CountersMapFD() error = %v", err)
	}
	sfd, err := reg.SetMapFD(0)
	if err != nil {
		t.Fatalf("SetMapFD(0) error = %v", err)
	}
	if cfd == sfd {
		t.Errorf("counters fd %d equals set fd %d", cfd, sfd)
	}
	if _, err := reg.SetMapFD(1); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("SetMapFD(1) error = %v, want %v", err, ErrNotProvisioned)
	}
}

func TestRegistryUnprovisioned(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.CountersMapFD(); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("CountersMapFD() error = %v, want %v", err, ErrNotProvisioned)
	}
	if _, err := reg.ReadCounter(0); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("ReadCounter() error = %v, want %v", err, ErrNotProvisioned)
	}
}

func TestRegistryProvisionOnce(t *testing.T) {
	reg, p := provisionedRegistry(t)
	if err := reg.Provision(p); !errors.Is(err, ErrProvisioned) {
		t.Errorf("second Provision() error = %v, want %v", err, ErrProvisioned)
	}
}

func TestRegistryCounters(t *testing.T) {
	reg, p := provisionedRegistry(t)

	for i := uint32(0); i < p.NumCounters(); i++ {
		c, err := reg.ReadCounter(i)
		if err != nil {
			t.Fatalf("ReadCounter(%d) error = %v", i, err)
		}
		if c.Packets != 0 || c.Bytes != 0 {
			t.Errorf("fresh counter %d = %+v, want zero", i, c)
		}
	}

	want := types.Counter{Packets: 12, Bytes: 3400}
	if err := reg.WriteCounter(1, want); err != nil {
		t.Fatalf("WriteCounter() error = %v", err)
	}
	got, err := reg.ReadCounter(1)
	if err != nil {
		t.Fatalf("ReadCounter(1) error = %v", err)
	}
	if got != want {
		t.Errorf("ReadCounter(1) = %+v, want %+v", got, want)
	}

	if _, err := reg.ReadCounter(p.NumCounters()); err == nil {
		t.Error("ReadCounter(out of range) succeeded")
	}
}

func TestTableLookup(t *testing.T) {
	reg := NewRegistry()
	tbl := reg.newTable(4, 16)
	tbl.insert([]byte{1, 2, 3, 4})
	tbl.insert([]byte{1, 2, 3, 4})
	tbl.insert([]byte{5, 6, 7, 8})

	a1, ok := tbl.lookup([]byte{1, 2, 3, 4})
	if !ok {
		t.Fatal("lookup(present) missed")
	}
	a2, ok := tbl.lookup([]byte{5, 6, 7, 8})
	if !ok {
		t.Fatal("lookup(present) missed")
	}
	if a1 == a2 {
		t.Errorf("distinct keys share value address %#x", a1)
	}
	if _, ok := tbl.lookup([]byte{9, 9, 9, 9}); ok {
		t.Error("lookup(absent) hit")
	}

	// Duplicate insert kept the first slot.
	again, _ := tbl.lookup([]byte{1, 2, 3, 4})
	if again != a1 {
		t.Errorf("address moved after duplicate insert: %#x != %#x", again, a1)
	}
}
