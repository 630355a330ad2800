// Package daemon orchestrates the life of filter chains across the other
// packages:
//   - codegen compiles a chain definition into a BPF program
//   - kernel loads, attaches, replaces and unloads the result
//   - progstore keeps the marshalled program for the next restart
//
// One daemon manages any number of chains, one loaded program per chain.
// Operations are serialized behind a single mutex; distinct chains are
// otherwise independent.
package daemon

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/chain"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
	"github.com/cygnetlabs/cygnet/pkg/kernel"
	"github.com/cygnetlabs/cygnet/pkg/progstore"
)

// Daemon errors.
var (
	ErrClosed        = errors.New("daemon is closed")
	ErrConfigInvalid = errors.New("invalid daemon configuration")
	ErrChainNotFound = errors.New("chain not found")
)

// storeFile is the program store's filename under DataDir.
const storeFile = "programs.db"

// Config holds daemon configuration.
type Config struct {
	// DataDir is the directory holding the program store.
	DataDir string

	// BPFFSRoot is the bpffs directory loaded programs pin their objects
	// under. Pins keep filters attached across daemon restarts; empty
	// disables pinning, tying every filter to the daemon process.
	BPFFSRoot string

	// CgroupRoot is the cgroup v2 directory cgroup-bound hooks attach to.
	CgroupRoot string

	// NFPriority orders netfilter-hook programs within their hook. Zero
	// sits at the traditional filter table position.
	NFPriority int32

	// DetachOnClose removes loaded filters on Close instead of leaving
	// them attached through their pins. Stored chains are kept either way
	// and come back on the next Restore.
	DetachOnClose bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:    "/var/lib/cygnet",
		BPFFSRoot:  "/sys/fs/bpf/cygnet",
		CgroupRoot: "/sys/fs/cgroup",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.BPFFSRoot != "" && !filepath.IsAbs(c.BPFFSRoot) {
		return fmt.Errorf("%w: bpffs root must be absolute, got %q", ErrConfigInvalid, c.BPFFSRoot)
	}
	if c.CgroupRoot != "" && !filepath.IsAbs(c.CgroupRoot) {
		return fmt.Errorf("%w: cgroup root must be absolute, got %q", ErrConfigInvalid, c.CgroupRoot)
	}
	return nil
}

// entry is one managed chain: its definition, the program compiled from
// it, and the program's live attachment.
type entry struct {
	chain *chain.Chain
	prog  *codegen.Program
	att   *kernel.Attachment
}

// Daemon manages filter chains from definition to running kernel program
// and back out.
type Daemon struct {
	config Config
	log    *logrus.Entry

	kern    *kernel.Kernel
	store   progstore.Store
	printer *kernel.Printer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New opens the program store under config.DataDir and returns a daemon
// ready for operations. Stored chains are not loaded until Restore.
func New(config *Config) (*Daemon, error) {
	if config == nil {
		def := DefaultConfig()
		config = &def
	}

	// Apply defaults. BPFFSRoot stays as given: empty means pinning off.
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}
	if config.CgroupRoot == "" {
		config.CgroupRoot = DefaultConfig().CgroupRoot
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	kern, err := kernel.New(kernel.Config{
		CgroupRoot: config.CgroupRoot,
		NFPriority: config.NFPriority,
	})
	if err != nil {
		return nil, err
	}

	store, err := progstore.Open(progstore.DefaultConfig(filepath.Join(config.DataDir, storeFile)))
	if err != nil {
		return nil, fmt.Errorf("open program store: %w", err)
	}

	return &Daemon{
		config:  *config,
		log:     logrus.WithField("component", "daemon"),
		kern:    kern,
		store:   store,
		printer: kernel.NewPrinter(),
		entries: make(map[string]*entry),
	}, nil
}

// SetChain compiles ch into a fresh program, loads it, and persists the
// result. A program already loaded for the same chain name is replaced
// without a filtering gap, and its counters carry over when the rule
// count is unchanged. iface names the target interface for
// interface-bound hooks; other hooks ignore it.
func (d *Daemon) SetChain(ch *chain.Chain, iface string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := ch.Validate(); err != nil {
		return err
	}

	opts := codegen.Options{PinRoot: d.config.BPFFSRoot}
	if ch.Hook.InterfaceBound() {
		if iface == "" {
			return fmt.Errorf("%w: hook %v needs an interface", codegen.ErrMissingResource, ch.Hook)
		}
		ifindex, err := d.kern.IfindexByName(iface)
		if err != nil {
			return err
		}
		opts.Ifindex = ifindex
	}

	prog, err := codegen.New(ch, types.FrontCLI, opts)
	if err != nil {
		return err
	}
	if err := prog.Generate(ch); err != nil {
		return err
	}

	old := d.entries[ch.Name]
	var oldAtt *kernel.Attachment
	var carried []types.Counter
	if old != nil {
		oldAtt = old.att
		if old.prog.NumCounters() == prog.NumCounters() {
			carried = d.counterSnapshot(old.prog)
		}
	}

	att, loadErr := d.kern.Load(prog, d.printer, oldAtt)
	if att == nil {
		return loadErr
	}
	if loadErr != nil {
		d.log.WithError(loadErr).WithField("chain", ch.Name).Warn("program attached but pinning incomplete")
	}

	// The new program is attached from here on. Remaining failures are
	// reported but no longer undo the switch.
	d.entries[ch.Name] = &entry{chain: ch, prog: prog, att: att}
	if old != nil {
		if err := old.prog.MarkReplaced(); err != nil {
			d.log.WithError(err).WithField("chain", ch.Name).Warn("replaced program in unexpected state")
		}
		if err := old.att.Close(); err != nil {
			d.log.WithError(err).WithField("chain", ch.Name).Warn("release of replaced program failed")
		}
	}
	if carried != nil {
		if err := prog.SetCounters(carried); err != nil {
			d.log.WithError(err).WithField("chain", ch.Name).Warn("counter carry-over failed")
		}
	}

	frame, err := prog.Marshal()
	if err == nil {
		err = d.store.Put(&progstore.Record{Chain: ch, Frame: frame})
	}
	if err != nil {
		return errors.Join(loadErr, fmt.Errorf("persist chain %q: %w", ch.Name, err))
	}

	d.log.WithFields(logrus.Fields{
		"chain": ch.Name,
		"hook":  ch.Hook,
		"rules": len(ch.Rules),
	}).Info("chain set")
	return loadErr
}

// counterSnapshot reads every counter slot of a loaded program so the
// values can be written into its replacement. Returns nil when the
// program cannot be read; the replacement then starts from zero.
func (d *Daemon) counterSnapshot(p *codegen.Program) []types.Counter {
	out := make([]types.Counter, p.NumCounters())
	for i := range out {
		c, err := p.GetCounter(uint32(i))
		if err != nil {
			d.log.WithError(err).WithField("chain", p.Name()).Warn("counter snapshot failed")
			return nil
		}
		out[i] = c
	}
	return out
}

// DeleteChain unloads the chain's program and removes its stored record.
// A chain that is stored but not loaded is cleaned up too, including any
// pins left behind by a previous run.
func (d *Daemon) DeleteChain(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	e := d.entries[name]
	if e == nil {
		return d.deleteStored(name)
	}

	if err := d.kern.Unload(e.prog, e.att); err != nil {
		d.log.WithError(err).WithField("chain", name).Warn("unload incomplete")
	}
	delete(d.entries, name)
	if err := d.store.Delete(name); err != nil {
		return fmt.Errorf("delete chain %q: %w", name, err)
	}
	d.log.WithField("chain", name).Info("chain deleted")
	return nil
}

// deleteStored removes a chain that exists only in the store, typically
// left behind when a restore could not bring it back up.
func (d *Daemon) deleteStored(name string) error {
	rec, err := d.store.Get(name)
	switch {
	case errors.Is(err, progstore.ErrNotFound):
		return fmt.Errorf("%w: %q", ErrChainNotFound, name)
	case errors.Is(err, progstore.ErrCorrupted):
		d.log.WithError(err).WithField("chain", name).Warn("deleting corrupted record")
	case err != nil:
		return err
	}
	if rec != nil {
		if p, err := codegen.Unmarshal(rec.Frame, rec.Chain); err == nil {
			if err := d.kern.RemovePins(p); err != nil {
				d.log.WithError(err).WithField("chain", name).Warn("stale pin removal failed")
			}
		}
	}
	if err := d.store.Delete(name); err != nil {
		return fmt.Errorf("delete chain %q: %w", name, err)
	}
	d.log.WithField("chain", name).Info("stored chain deleted")
	return nil
}

// Counters returns every counter slot of the chain's loaded program in
// index order: one slot per rule, then the policy slot, then the
// internal-error slot.
func (d *Daemon) Counters(name string) ([]types.Counter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	e := d.entries[name]
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrChainNotFound, name)
	}

	out := make([]types.Counter, e.prog.NumCounters())
	for i := range out {
		c, err := e.prog.GetCounter(uint32(i))
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// ChainStatus describes one managed chain.
type ChainStatus struct {
	Name    string
	Hook    types.Hook
	Rules   int
	State   codegen.State
	Ifindex int
}

// Status reports every managed chain, sorted by name.
func (d *Daemon) Status() []ChainStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ChainStatus, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, ChainStatus{
			Name:    e.prog.Name(),
			Hook:    e.prog.Hook(),
			Rules:   e.prog.RuleCount(),
			State:   e.prog.State(),
			Ifindex: e.prog.Ifindex(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore brings every stored chain back up. Programs whose pinned
// objects survive are reattached in place with their counters intact;
// otherwise the chain is recompiled from its stored definition and
// loaded fresh. Chains that cannot be restored are logged and skipped,
// never blocking the rest. Returns the number of chains restored.
func (d *Daemon) Restore() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	names, err := d.store.List()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, name := range names {
		if _, ok := d.entries[name]; ok {
			continue
		}
		rec, err := d.store.Get(name)
		if err != nil {
			d.log.WithError(err).WithField("chain", name).Warn("stored chain unreadable")
			continue
		}
		if err := d.restoreRecord(rec); err != nil {
			d.log.WithError(err).WithField("chain", name).Warn("chain restore failed")
			continue
		}
		n++
	}
	if n > 0 {
		d.log.WithField("chains", n).Info("restored chains")
	}
	return n, nil
}

// restoreRecord brings one stored chain back up. Reattaching to pinned
// objects is tried first: it preserves live counters and never touches
// the datapath. When the pins are gone or unusable the program is
// recompiled from the stored chain and loaded fresh. The stored image
// itself is never reloaded; its map references belong to the previous
// process.
func (d *Daemon) restoreRecord(rec *progstore.Record) error {
	name := rec.Chain.Name
	prog, err := codegen.Unmarshal(rec.Frame, rec.Chain)
	if err != nil {
		return err
	}

	if prog.State() == codegen.StateFinalized && prog.ProgPin() != "" {
		att, err := d.kern.OpenPinned(prog)
		if err == nil {
			d.entries[name] = &entry{chain: rec.Chain, prog: prog, att: att}
			d.log.WithField("chain", name).Info("chain reattached")
			return nil
		}
		d.log.WithError(err).WithField("chain", name).Info("pinned objects unavailable, reloading")
		if err := d.kern.RemovePins(prog); err != nil {
			d.log.WithError(err).WithField("chain", name).Warn("stale pin removal failed")
		}
	}

	fresh, err := codegen.New(rec.Chain, prog.Front(), codegen.Options{
		Ifindex: prog.Ifindex(),
		PinRoot: d.config.BPFFSRoot,
	})
	if err != nil {
		return err
	}
	if err := fresh.Generate(rec.Chain); err != nil {
		return err
	}
	att, err := d.kern.Load(fresh, d.printer, nil)
	if att == nil {
		return err
	}
	if err != nil {
		d.log.WithError(err).WithField("chain", name).Warn("program attached but pinning incomplete")
	}
	d.entries[name] = &entry{chain: rec.Chain, prog: fresh, att: att}

	// Refresh the stored frame so the record points at the new pins.
	if frame, err := fresh.Marshal(); err == nil {
		if err := d.store.Put(&progstore.Record{Chain: rec.Chain, Frame: frame}); err != nil {
			d.log.WithError(err).WithField("chain", name).Warn("refresh of stored program failed")
		}
	}
	d.log.WithField("chain", name).Info("chain reloaded")
	return nil
}

// Close releases the daemon. By default loaded filters stay attached and
// pinned so packet filtering continues without the daemon running;
// DetachOnClose tears them down instead. Stored chains are kept either
// way.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for name, e := range d.entries {
		if d.config.DetachOnClose {
			if err := d.kern.Unload(e.prog, e.att); err != nil {
				errs = append(errs, fmt.Errorf("unload %q: %w", name, err))
			}
		} else if err := e.att.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", name, err))
		}
	}
	d.entries = nil
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("daemon closed")
	return errors.Join(errs...)
}
