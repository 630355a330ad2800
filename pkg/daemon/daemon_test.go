package daemon

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/chain"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
	"github.com/cygnetlabs/cygnet/pkg/progstore"
)

func testChain(name string) *chain.Chain {
	return &chain.Chain{
		Name:   name,
		Hook:   types.HookXDP,
		Policy: types.VerdictAccept,
		Rules: []chain.Rule{{
			Matchers: []chain.Matcher{
				{Type: chain.MatchMetaL4Proto, Proto: 6},
				{Type: chain.MatchTCPDstPort, Port: 22},
			},
			Counter: true,
			Verdict: types.VerdictDrop,
		}},
	}
}

// fixedResolver hands out constant IDs so programs can be finalized
// without a kernel.
type fixedResolver struct{}

func (fixedResolver) KfuncID(string) (int32, error) { return 0x101, nil }
func (fixedResolver) CountersMapFD() (int, error)   { return 40, nil }
func (fixedResolver) SetMapFD(i int) (int, error)   { return 50 + i, nil }

// resolvedFrame builds a finalized program for ch and returns its
// marshalled frame. The ifindex is deliberately one no host has, so a
// reload attempt fails at attach instead of touching a real interface.
func resolvedFrame(t *testing.T, ch *chain.Chain) []byte {
	t.Helper()
	prog, err := codegen.New(ch, types.FrontCLI, codegen.Options{Ifindex: 1 << 20})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := prog.Generate(ch); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := prog.Finalize(fixedResolver{}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	frame, err := prog.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return frame
}

func seedStore(t *testing.T, dir string, rec *progstore.Record) {
	t.Helper()
	st, err := progstore.Open(progstore.DefaultConfig(filepath.Join(dir, storeFile)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.Put(rec); err != nil {
		st.Close()
		t.Fatalf("Put() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func newTestDaemon(t *testing.T, dir string) *Daemon {
	t.Helper()
	d, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir != "/var/lib/cygnet" {
		t.Errorf("expected DataDir '/var/lib/cygnet', got %q", cfg.DataDir)
	}
	if cfg.BPFFSRoot != "/sys/fs/bpf/cygnet" {
		t.Errorf("expected BPFFSRoot '/sys/fs/bpf/cygnet', got %q", cfg.BPFFSRoot)
	}
	if cfg.CgroupRoot != "/sys/fs/cgroup" {
		t.Errorf("expected CgroupRoot '/sys/fs/cgroup', got %q", cfg.CgroupRoot)
	}
	if cfg.DetachOnClose {
		t.Error("expected DetachOnClose to be false")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid config",
			config: Config{DataDir: "/tmp/test", BPFFSRoot: "/sys/fs/bpf/t", CgroupRoot: "/sys/fs/cgroup"},
		},
		{
			name:   "pinning disabled",
			config: Config{DataDir: "/tmp/test"},
		},
		{
			name:    "missing data dir",
			config:  Config{BPFFSRoot: "/sys/fs/bpf/t"},
			wantErr: true,
		},
		{
			name:    "relative bpffs root",
			config:  Config{DataDir: "/tmp/test", BPFFSRoot: "bpf"},
			wantErr: true,
		},
		{
			name:    "relative cgroup root",
			config:  Config{DataDir: "/tmp/test", CgroupRoot: "cgroup"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("Validate() error = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	d := newTestDaemon(t, t.TempDir())

	if d.config.CgroupRoot != "/sys/fs/cgroup" {
		t.Errorf("expected default CgroupRoot, got %q", d.config.CgroupRoot)
	}
	// An explicitly empty pin root must stay empty: it means pinning off.
	if d.config.BPFFSRoot != "" {
		t.Errorf("expected empty BPFFSRoot to be kept, got %q", d.config.BPFFSRoot)
	}
}

func TestSetChainValidation(t *testing.T) {
	d := newTestDaemon(t, t.TempDir())

	if err := d.SetChain(&chain.Chain{}, ""); !errors.Is(err, chain.ErrInvalidChain) {
		t.Errorf("SetChain(empty chain) error = %v, want ErrInvalidChain", err)
	}

	if err := d.SetChain(testChain("fw_input"), ""); !errors.Is(err, codegen.ErrMissingResource) {
		t.Errorf("SetChain(xdp, no iface) error = %v, want ErrMissingResource", err)
	}
}

func TestChainNotFound(t *testing.T) {
	d := newTestDaemon(t, t.TempDir())

	if _, err := d.Counters("nope"); !errors.Is(err, ErrChainNotFound) {
		t.Errorf("Counters() error = %v, want ErrChainNotFound", err)
	}
	if err := d.DeleteChain("nope"); !errors.Is(err, ErrChainNotFound) {
		t.Errorf("DeleteChain() error = %v, want ErrChainNotFound", err)
	}
}

func TestDeleteStoredChain(t *testing.T) {
	dir := t.TempDir()
	ch := testChain("fw_stored")
	seedStore(t, dir, &progstore.Record{Chain: ch, Frame: resolvedFrame(t, ch)})

	d := newTestDaemon(t, dir)

	if err := d.DeleteChain("fw_stored"); err != nil {
		t.Fatalf("DeleteChain() error = %v", err)
	}
	if err := d.DeleteChain("fw_stored"); !errors.Is(err, ErrChainNotFound) {
		t.Errorf("second DeleteChain() error = %v, want ErrChainNotFound", err)
	}
}

func TestDeleteCorruptedRecord(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, &progstore.Record{Chain: testChain("fw_bad"), Frame: []byte("not a frame")})

	d := newTestDaemon(t, dir)

	// A record whose frame no longer unmarshals must still be removable.
	if err := d.DeleteChain("fw_bad"); err != nil {
		t.Fatalf("DeleteChain() error = %v", err)
	}
	if err := d.DeleteChain("fw_bad"); !errors.Is(err, ErrChainNotFound) {
		t.Errorf("second DeleteChain() error = %v, want ErrChainNotFound", err)
	}
}

func TestRestoreEmpty(t *testing.T) {
	d := newTestDaemon(t, t.TempDir())

	n, err := d.Restore()
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if got := d.Status(); len(got) != 0 {
		t.Errorf("Status() has %d chains, want 0", len(got))
	}
}

func TestRestoreSkipsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, &progstore.Record{Chain: testChain("fw_bad"), Frame: []byte("not a frame")})

	d := newTestDaemon(t, dir)

	n, err := d.Restore()
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
}

func TestRestoreUnloadableChain(t *testing.T) {
	dir := t.TempDir()
	ch := testChain("fw_gone")
	seedStore(t, dir, &progstore.Record{Chain: ch, Frame: resolvedFrame(t, ch)})

	d := newTestDaemon(t, dir)

	// The frame unmarshals but was loaded without pins and its interface
	// does not exist, so the reload fails and the chain is skipped.
	n, err := d.Restore()
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if got := d.Status(); len(got) != 0 {
		t.Errorf("Status() has %d chains, want 0", len(got))
	}
}

func TestDaemonClosed(t *testing.T) {
	d := newTestDaemon(t, t.TempDir())

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := d.SetChain(testChain("fw_input"), "eth0"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetChain() error = %v, want ErrClosed", err)
	}
	if _, err := d.Counters("fw_input"); !errors.Is(err, ErrClosed) {
		t.Errorf("Counters() error = %v, want ErrClosed", err)
	}
	if err := d.DeleteChain("fw_input"); !errors.Is(err, ErrClosed) {
		t.Errorf("DeleteChain() error = %v, want ErrClosed", err)
	}
	if _, err := d.Restore(); !errors.Is(err, ErrClosed) {
		t.Errorf("Restore() error = %v, want ErrClosed", err)
	}
}
