package kernel

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// Attachment is the kernel half of one loaded program: the program and
// map handles, the links holding it at its hook, and the bpffs pins
// keeping those objects alive across daemon restarts. It implements
// codegen.Runtime so the owning program can read and migrate counters.
type Attachment struct {
	prog     *ebpf.Program
	counters *ebpf.Map
	sets     []*ebpf.Map
	printer  *ebpf.Map
	links    []link.Link
	linkPins []string
	objPins  []string
	log      *logrus.Entry
	closed   bool
}

// ReadCounter returns one counter slot from the kernel map.
func (a *Attachment) ReadCounter(idx uint32) (types.Counter, error) {
	if a.closed {
		return types.Counter{}, ErrClosed
	}
	var c types.Counter
	if err := a.counters.Lookup(idx, &c); err != nil {
		return types.Counter{}, fmt.Errorf("read counter %d: %w", idx, err)
	}
	return c, nil
}

// WriteCounter overwrites one counter slot in the kernel map.
func (a *Attachment) WriteCounter(idx uint32, c types.Counter) error {
	if a.closed {
		return ErrClosed
	}
	if err := a.counters.Put(idx, c); err != nil {
		return fmt.Errorf("write counter %d: %w", idx, err)
	}
	return nil
}

// updateLinks points every link at prog, replacing the previous
// program atomically at each hook point. On a partial failure the
// already switched links are rolled back to the attachment's own
// program.
func (a *Attachment) updateLinks(prog *ebpf.Program) error {
	for i, l := range a.links {
		if err := l.Update(prog); err != nil {
			for _, prev := range a.links[:i] {
				if rerr := prev.Update(a.prog); rerr != nil {
					a.log.WithError(rerr).Error("link rollback failed, hook families out of sync")
				}
			}
			return fmt.Errorf("update link: %w", err)
		}
	}
	return nil
}

// pinLinks pins each link at its derived path. Empty paths mean
// pinning is disabled.
func (a *Attachment) pinLinks() error {
	for i, l := range a.links {
		path := a.linkPins[i]
		if path == "" {
			continue
		}
		if err := l.Pin(path); err != nil {
			return fmt.Errorf("pin link at %s: %w", path, err)
		}
	}
	return nil
}

// pinObjects pins the program, counters map and printer map under
// their derived paths. Set maps are not pinned; the program's own
// references keep them alive.
func (a *Attachment) pinObjects(p *codegen.Program) error {
	if p.ProgPin() == "" {
		return nil
	}
	pins := []struct {
		path string
		obj  interface{ Pin(string) error }
	}{
		{p.ProgPin(), a.prog},
		{p.CountersPin(), a.counters},
		{p.PrinterPin(), a.printer},
	}
	for _, pn := range pins {
		if err := pn.obj.Pin(pn.path); err != nil {
			return fmt.Errorf("pin %s: %w", pn.path, err)
		}
		a.objPins = append(a.objPins, pn.path)
	}
	return nil
}

// removeObjectPins drops the program and map pins, leaving links
// untouched. Used when a replacement takes over the pin paths.
func (a *Attachment) removeObjectPins() {
	for _, path := range a.objPins {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.log.WithError(err).WithField("pin", path).Warn("failed to remove stale pin")
		}
	}
	a.objPins = nil
}

func (a *Attachment) detachLinks() {
	for i, l := range a.links {
		if a.linkPins[i] != "" {
			if err := os.Remove(a.linkPins[i]); err != nil && !os.IsNotExist(err) {
				a.log.WithError(err).WithField("pin", a.linkPins[i]).Warn("failed to remove link pin")
			}
		}
		l.Close()
	}
	a.links = nil
	a.linkPins = nil
}

// Detach removes the program from its hook: every pin is removed, the
// links closed and all object handles released. The filter stops
// processing packets.
func (a *Attachment) Detach() error {
	if a.closed {
		return nil
	}
	var errs []error
	for i, l := range a.links {
		if a.linkPins[i] != "" {
			if err := os.Remove(a.linkPins[i]); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove link pin %s: %w", a.linkPins[i], err))
			}
		}
		l.Close()
	}
	a.links = nil
	a.linkPins = nil
	for _, path := range a.objPins {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove pin %s: %w", path, err))
		}
	}
	a.objPins = nil
	a.closeHandles()
	a.closed = true
	return errors.Join(errs...)
}

// Close releases the process-side handles without detaching anything.
// Pinned links and programs keep the filters running; unpinned ones
// fall away when the last descriptor closes.
func (a *Attachment) Close() error {
	if a.closed {
		return nil
	}
	for _, l := range a.links {
		l.Close()
	}
	a.links = nil
	a.linkPins = nil
	a.closeHandles()
	a.closed = true
	return nil
}

func (a *Attachment) closeHandles() {
	if a.prog != nil {
		a.prog.Close()
	}
	if a.counters != nil {
		a.counters.Close()
	}
	for _, m := range a.sets {
		m.Close()
	}
	if a.printer != nil {
		a.printer.Close()
	}
}

// OpenPinned reattaches to the kernel objects a previous daemon left
// pinned for p. The program must carry a resolved image restored from
// its persisted frame and a pin root. On success p transitions to
// loaded with the reopened attachment as its runtime.
func (k *Kernel) OpenPinned(p *codegen.Program) (*Attachment, error) {
	if p.State() != codegen.StateFinalized {
		return nil, fmt.Errorf("%w: open pinned in state %s", codegen.ErrInvalidState, p.State())
	}
	if p.ProgPin() == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotPinned, p.Name())
	}

	att := &Attachment{log: k.log.WithField("prog", p.ProgName())}
	ok := false
	defer func() {
		if !ok {
			att.Close()
		}
	}()

	prog, err := ebpf.LoadPinnedProgram(p.ProgPin(), nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned program %s: %w", p.ProgPin(), err)
	}
	att.prog = prog

	counters, err := ebpf.LoadPinnedMap(p.CountersPin(), nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned counters %s: %w", p.CountersPin(), err)
	}
	att.counters = counters
	if counters.MaxEntries() != p.NumCounters() {
		return nil, fmt.Errorf("pinned counters %s hold %d slots, want %d",
			p.CountersPin(), counters.MaxEntries(), p.NumCounters())
	}

	printer, err := ebpf.LoadPinnedMap(p.PrinterPin(), nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned printer %s: %w", p.PrinterPin(), err)
	}
	att.printer = printer

	linkPins := []string{p.LinkPin()}
	if p.Hook().Netfilter() {
		linkPins = append(linkPins, nfLinkPin(p.LinkPin(), types.NFProtoIPv6))
	}
	for _, path := range linkPins {
		l, err := link.LoadPinnedLink(path, nil)
		if err != nil {
			return nil, fmt.Errorf("open pinned link %s: %w", path, err)
		}
		att.links = append(att.links, l)
	}
	att.linkPins = linkPins
	att.objPins = []string{p.ProgPin(), p.CountersPin(), p.PrinterPin()}

	if err := p.MarkLoaded(att); err != nil {
		return nil, err
	}
	ok = true
	att.log.WithField("hook", p.Hook().String()).Info("reattached to pinned program")
	return att, nil
}
