// Package kernel loads generated filter programs into the running
// kernel and manages the BPF objects behind them: maps, programs,
// links and their bpffs pins. It is the only package that issues
// bpf(2) and netlink calls; everything above it works through the
// handles it returns.
package kernel

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf/btf"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

var (
	// ErrClosed is returned when using an attachment whose handles have
	// been released.
	ErrClosed = errors.New("attachment closed")

	// ErrNotPinned is returned when restoring a program that was loaded
	// without a pin root.
	ErrNotPinned = errors.New("program has no pins")
)

// Config carries the host-side attachment parameters that are not part
// of any chain definition.
type Config struct {
	// CgroupRoot is the cgroup v2 directory cgroup-bound programs
	// attach to.
	CgroupRoot string

	// NFPriority orders netfilter programs within a hook. Zero sits at
	// the traditional filter table position.
	NFPriority int32
}

// DefaultConfig returns the config used when no overrides are given.
func DefaultConfig() Config {
	return Config{CgroupRoot: "/sys/fs/cgroup"}
}

// Validate checks the config for values that cannot work.
func (c Config) Validate() error {
	if c.CgroupRoot == "" || c.CgroupRoot[0] != '/' {
		return fmt.Errorf("cgroup root must be an absolute path, got %q", c.CgroupRoot)
	}
	return nil
}

// Kernel mediates access to the BPF subsystem. The zero value is not
// usable; call New.
type Kernel struct {
	cfg Config
	log *logrus.Entry

	btfOnce sync.Once
	btf     *btf.Spec
	btfErr  error
}

// New returns a Kernel using cfg.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Kernel{
		cfg: cfg,
		log: logrus.WithField("component", "kernel"),
	}, nil
}

// KfuncID resolves a kernel function name to its BTF type ID. The
// kernel's BTF blob is parsed on first use and cached for the life of
// the Kernel.
func (k *Kernel) KfuncID(name string) (int32, error) {
	spec, err := k.kernelBTF()
	if err != nil {
		return 0, err
	}
	var fn *btf.Func
	if err := spec.TypeByName(name, &fn); err != nil {
		return 0, fmt.Errorf("%w: kfunc %q: %v", codegen.ErrUnresolvedSymbol, name, err)
	}
	id, err := spec.TypeID(fn)
	if err != nil {
		return 0, fmt.Errorf("kfunc %q: %w", name, err)
	}
	return int32(id), nil
}

func (k *Kernel) kernelBTF() (*btf.Spec, error) {
	k.btfOnce.Do(func() {
		k.btf, k.btfErr = btf.LoadKernelSpec()
	})
	if k.btfErr != nil {
		return nil, fmt.Errorf("load kernel BTF: %w", k.btfErr)
	}
	return k.btf, nil
}

// IfindexByName resolves a network interface name to its index.
func (k *Kernel) IfindexByName(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q: %w", name, err)
	}
	return l.Attrs().Index, nil
}

// RemovePins removes every bpffs pin belonging to p's objects. Missing
// pins are skipped, so it is safe to call on a program whose pins were
// only partially created or already cleaned up.
func (k *Kernel) RemovePins(p *codegen.Program) error {
	if p.ProgPin() == "" {
		return nil
	}
	paths := []string{p.ProgPin(), p.LinkPin(), p.CountersPin(), p.PrinterPin()}
	if p.Hook().Netfilter() {
		paths = append(paths, nfLinkPin(p.LinkPin(), types.NFProtoIPv6))
	}
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
