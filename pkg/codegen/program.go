package codegen

import (
	"fmt"
	"io"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/chain"
)

// State tracks a program through its lifecycle. Transitions only move
// forward: a program is generated once, finalized once, loaded once, and
// ends replaced or unloaded. Anything else is rejected with
// ErrInvalidState.
type State uint8

const (
	StateEmpty State = iota
	StateGenerating
	StateFinalized
	StateLoaded
	StateReplaced
	StateUnloaded
)

var stateNames = map[State]string{
	StateEmpty:      "empty",
	StateGenerating: "generating",
	StateFinalized:  "finalized",
	StateLoaded:     "loaded",
	StateReplaced:   "replaced",
	StateUnloaded:   "unloaded",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", s)
}

// Runtime is the set of live resources backing a loaded program. The
// kernel package implements it over real maps and links, the emulator
// over in-memory state.
type Runtime interface {
	// ReadCounter returns the aggregated value of one counter slot.
	ReadCounter(idx uint32) (types.Counter, error)

	// WriteCounter overwrites one counter slot, used to carry counters
	// over when a program replaces an older one.
	WriteCounter(idx uint32, c types.Counter) error
}

// SetSpec is the map-shaped view of a chain set: fixed-size keys, value
// ignored. Programs keep these so the loader can create and fill the set
// maps without reaching back into the chain.
type SetSpec struct {
	KeySize uint32
	Elems   [][]byte
}

// Options carries the load-time parameters that are not part of the
// chain definition.
type Options struct {
	// Ifindex is the target interface for interface-bound hooks. Other
	// hooks ignore it.
	Ifindex int

	// PinRoot is the bpffs directory programs pin their objects under.
	// Empty disables pinning.
	PinRoot string
}

// Program owns the generated instruction image for one chain on one
// hook, the fixup ledger describing its external references, and the
// lifecycle state machine gating what can happen to it next.
type Program struct {
	hook  types.Hook
	front types.Front
	name  string
	opts  Options

	flavor      flavor
	numCounters uint32
	numRules    int
	policy      types.Verdict
	sets        []SetSpec

	names objNames
	pins  pinPaths

	img    image
	fixups []fixup

	// funcs maps generated functions to the word index of their first
	// instruction once emitted.
	funcs map[funcID]int

	// ruleStarts records the byte offset of each rule's first
	// instruction, in rule order. epilogue is the byte offset of the
	// policy epilogue once generation reaches it.
	ruleStarts   []uint32
	epilogue     uint32
	haveEpilogue bool

	state    State
	resolved bool
	rt       Runtime
}

// New builds an empty program for a validated chain. The chain is read,
// never retained: sets are copied out as specs and rules are consumed
// during generation.
func New(ch *chain.Chain, front types.Front, opts Options) (*Program, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if !front.Valid() {
		return nil, fmt.Errorf("%w: front %d", types.ErrUnknownFront, front)
	}
	fl, err := flavorFor(ch.Hook)
	if err != nil {
		return nil, err
	}
	if ch.Hook.InterfaceBound() && opts.Ifindex <= 0 {
		return nil, fmt.Errorf("%w: hook %v requires an interface", ErrMissingResource, ch.Hook)
	}
	names, err := deriveNames(ch.Name, len(ch.Sets))
	if err != nil {
		return nil, err
	}
	pins, err := derivePins(names, opts.PinRoot)
	if err != nil {
		return nil, err
	}

	sets := make([]SetSpec, len(ch.Sets))
	for i := range ch.Sets {
		elems, err := ch.Sets[i].ElemBytes()
		if err != nil {
			return nil, err
		}
		sets[i] = SetSpec{KeySize: uint32(ch.Sets[i].Key.Size()), Elems: elems}
	}

	return &Program{
		hook:        ch.Hook,
		front:       front,
		name:        ch.Name,
		opts:        opts,
		flavor:      fl,
		numCounters: uint32(ch.NumCounters()),
		numRules:    len(ch.Rules),
		policy:      ch.Policy,
		sets:        sets,
		names:       names,
		pins:        pins,
		funcs:       make(map[funcID]int),
		state:       StateEmpty,
	}, nil
}

// objNames is the program's kernel identity block: the object names for
// the program, its attachment link, the counters map, and the printer
// map. Assembled once at construction, never truncated.
type objNames struct {
	prog     string
	link     string
	counters string
	printer  string
}

// pinPaths holds the bpffs paths the program's objects pin under, one
// per object, named after it. All empty when pinning is disabled.
type pinPaths struct {
	prog     string
	link     string
	counters string
	printer  string
}

// deriveNames assembles the kernel object names for a chain: a short
// prefix plus a digest of the chain name, so every name fits the
// kernel's 15-character limit whatever the chain is called and stays
// stable across restarts. Set-map names are derived the same way per
// index and validated here alongside the fixed four.
func deriveNames(chainName string, numSets int) (objNames, error) {
	id := types.ShortID(chainName)
	n := objNames{
		prog:     "cgn_p" + id,
		link:     "cgn_l" + id,
		counters: "cgn_c" + id,
		printer:  "cgn_m" + id,
	}
	all := []string{n.prog, n.link, n.counters, n.printer}
	for i := 0; i < numSets; i++ {
		all = append(all, setMapName(chainName, i))
	}
	for _, name := range all {
		if err := types.ValidateObjName(name); err != nil {
			return objNames{}, err
		}
	}
	return n, nil
}

func setMapName(chainName string, i int) string {
	return "cgn_s" + types.ShortID(fmt.Sprintf("%s/%d", chainName, i))
}

// derivePins builds the bpffs pin paths for the program's objects under
// root. An empty root disables pinning.
func derivePins(n objNames, root string) (pinPaths, error) {
	if root == "" {
		return pinPaths{}, nil
	}
	if err := types.ValidatePinPath(root); err != nil {
		return pinPaths{}, err
	}
	var p pinPaths
	var err error
	if p.prog, err = types.JoinPin(root, n.prog); err != nil {
		return pinPaths{}, err
	}
	if p.link, err = types.JoinPin(root, n.link); err != nil {
		return pinPaths{}, err
	}
	if p.counters, err = types.JoinPin(root, n.counters); err != nil {
		return pinPaths{}, err
	}
	if p.printer, err = types.JoinPin(root, n.printer); err != nil {
		return pinPaths{}, err
	}
	return p, nil
}

func (p *Program) Hook() types.Hook   { return p.hook }
func (p *Program) Front() types.Front { return p.front }
func (p *Program) Name() string       { return p.name }
func (p *Program) State() State       { return p.state }
func (p *Program) RuleCount() int     { return p.numRules }
func (p *Program) Ifindex() int       { return p.opts.Ifindex }

// NumCounters returns the number of counter slots: one per rule, then
// the policy counter, then the error counter.
func (p *Program) NumCounters() uint32 { return p.numCounters }

// PolicyCounterIdx is the slot counting packets that fell through every
// rule.
func (p *Program) PolicyCounterIdx() uint32 { return p.numCounters - 2 }

// ErrorCounterIdx is the slot counting packets the program accepted
// because a runtime failure stopped evaluation.
func (p *Program) ErrorCounterIdx() uint32 { return p.numCounters - 1 }

// Sets returns the set specs the program references, in chain order.
func (p *Program) Sets() []SetSpec { return p.sets }

// Image returns a copy of the instruction image.
func (p *Program) Image() []bpf.Instruction {
	out := make([]bpf.Instruction, p.img.wordCount())
	copy(out, p.img.words)
	return out
}

// ImageBytes returns the image in wire encoding, little-endian.
func (p *Program) ImageBytes() []byte { return p.img.bytes() }

// ProgName returns the kernel object name for the program.
func (p *Program) ProgName() string { return p.names.prog }

// LinkName returns the object name for the attachment link. Links carry
// no kernel-side name, so it only appears as the link's pin filename.
func (p *Program) LinkName() string { return p.names.link }

// CountersMapName returns the kernel object name for the counters map.
func (p *Program) CountersMapName() string { return p.names.counters }

// PrinterMapName returns the kernel object name for the program's
// printer map, the id-to-message table populated from the shared
// printer at load time.
func (p *Program) PrinterMapName() string { return p.names.printer }

// SetMapName derives the kernel object name for the set map at index i.
func (p *Program) SetMapName(i int) string { return setMapName(p.name, i) }

// ProgPin returns the pin path for the program object, empty when
// pinning is disabled.
func (p *Program) ProgPin() string { return p.pins.prog }

// LinkPin returns the pin path for the program's attachment link, empty
// when pinning is disabled.
func (p *Program) LinkPin() string { return p.pins.link }

// CountersPin returns the pin path for the counters map, empty when
// pinning is disabled.
func (p *Program) CountersPin() string { return p.pins.counters }

// PrinterPin returns the pin path for the printer map, empty when
// pinning is disabled.
func (p *Program) PrinterPin() string { return p.pins.printer }

func (p *Program) ensure(allowed ...State) error {
	for _, s := range allowed {
		if p.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: program is %v", ErrInvalidState, p.state)
}

// Emit appends instructions to the image. The first emit moves the
// program from empty to generating.
func (p *Program) Emit(ins ...bpf.Instruction) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	p.state = StateGenerating
	return p.img.emitAll(ins...)
}

// EmitKfuncCall records a kfunc fixup and emits the call with a
// placeholder BTF ID.
func (p *Program) EmitKfuncCall(name string) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	p.fixups = append(p.fixups, fixup{
		kind:   fixupKfuncCall,
		offset: p.img.currentOffset(),
		kfunc:  name,
	})
	return p.Emit(bpf.KfuncCall(0))
}

// EmitFixupCall records a function-call fixup and emits the call with a
// placeholder displacement.
func (p *Program) EmitFixupCall(fn funcID) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	p.fixups = append(p.fixups, fixup{
		kind:   fixupCall,
		offset: p.img.currentOffset(),
		fn:     fn,
	})
	return p.Emit(bpf.CallRel(0))
}

// EmitFixupJmpNextRule records a jump-to-next-rule fixup and emits the
// jump with a placeholder offset. ins must be a jump instruction.
func (p *Program) EmitFixupJmpNextRule(ins bpf.Instruction) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	if ins.Class() != bpf.ClassJmp && ins.Class() != bpf.ClassJmp32 {
		return fmt.Errorf("%w: jump fixup on non-jump opcode %#02x", ErrUnsupportedConstruct, ins.Op())
	}
	p.fixups = append(p.fixups, fixup{
		kind:   fixupJmpNextRule,
		offset: p.img.currentOffset(),
	})
	return p.Emit(ins)
}

// EmitLoadCountersFD records a counters-map fixup and emits a wide load
// with a placeholder file descriptor. The fixup owns both words.
func (p *Program) EmitLoadCountersFD(dst uint8) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	p.fixups = append(p.fixups, fixup{
		kind:   fixupCountersMapFD,
		offset: p.img.currentOffset(),
	})
	w := bpf.LoadMapFD(dst, 0)
	return p.Emit(w[0], w[1])
}

// EmitLoadSetFD records a set-map fixup for the chain set at setIndex
// and emits a wide load with a placeholder file descriptor. The fixup
// owns both words.
func (p *Program) EmitLoadSetFD(dst uint8, setIndex int) error {
	if err := p.ensure(StateEmpty, StateGenerating); err != nil {
		return err
	}
	if setIndex < 0 || setIndex >= len(p.sets) {
		return fmt.Errorf("%w: set %d of %d", ErrMissingResource, setIndex, len(p.sets))
	}
	p.fixups = append(p.fixups, fixup{
		kind:     fixupSetMapFD,
		offset:   p.img.currentOffset(),
		setIndex: setIndex,
	})
	w := bpf.LoadMapFD(dst, 0)
	return p.Emit(w[0], w[1])
}

// beginRule marks the current offset as the start of the next rule's
// instructions. Pending jump-to-next-rule fixups resolve to the most
// recent mark after their own offset.
func (p *Program) beginRule() {
	p.ruleStarts = append(p.ruleStarts, p.img.currentOffset())
}

// markEpilogue marks the current offset as the policy epilogue, the
// jump target for the last rule's non-matching packets.
func (p *Program) markEpilogue() {
	p.epilogue = p.img.currentOffset()
	p.haveEpilogue = true
}

// markFunc records the current offset as the location of a generated
// function.
func (p *Program) markFunc(fn funcID) {
	p.funcs[fn] = int(p.img.currentOffset() / bpf.InsnSize)
}

// nextRuleBoundary returns the word index a jump recorded at byte off
// must land on: the first rule starting after it, or the policy
// epilogue.
func (p *Program) nextRuleBoundary(off uint32) (int, error) {
	for _, start := range p.ruleStarts {
		if start > off {
			return int(start / bpf.InsnSize), nil
		}
	}
	if !p.haveEpilogue {
		return 0, fmt.Errorf("%w: jump at byte %d has no following rule or epilogue", ErrUnresolvedSymbol, off)
	}
	return int(p.epilogue / bpf.InsnSize), nil
}

// Finalize resolves every recorded fixup against the resolver and
// freezes the image. It requires a fully generated program and runs
// once.
func (p *Program) Finalize(r Resolver) error {
	if err := p.ensure(StateGenerating); err != nil {
		return err
	}
	if !p.haveEpilogue {
		return fmt.Errorf("%w: generation incomplete", ErrInvalidState)
	}
	if err := p.resolveFixups(r); err != nil {
		return err
	}
	p.state = StateFinalized
	return nil
}

// MarkLoaded attaches the runtime resources of a successful load and
// moves the program to loaded.
func (p *Program) MarkLoaded(rt Runtime) error {
	if err := p.ensure(StateFinalized); err != nil {
		return err
	}
	if rt == nil {
		return fmt.Errorf("%w: load without runtime", ErrMissingResource)
	}
	p.rt = rt
	p.state = StateLoaded
	return nil
}

// MarkReplaced records that a newer program took over the hook. The
// program's resources are gone; only its identity and image remain
// readable.
func (p *Program) MarkReplaced() error {
	if err := p.ensure(StateLoaded); err != nil {
		return err
	}
	p.rt = nil
	p.state = StateReplaced
	return nil
}

// MarkUnloaded records that the program was detached from its hook.
func (p *Program) MarkUnloaded() error {
	if err := p.ensure(StateLoaded); err != nil {
		return err
	}
	p.rt = nil
	p.state = StateUnloaded
	return nil
}

// GetCounter reads one counter slot from the loaded program.
func (p *Program) GetCounter(idx uint32) (types.Counter, error) {
	if idx >= p.numCounters {
		return types.Counter{}, fmt.Errorf("%w: counter %d of %d", ErrCounterOutOfRange, idx, p.numCounters)
	}
	if p.state != StateLoaded {
		return types.Counter{}, fmt.Errorf("%w: counters unreadable while %v", ErrInvalidState, p.state)
	}
	return p.rt.ReadCounter(idx)
}

// SetCounters overwrites every counter slot, used to carry counters
// from a replaced program into its successor. len(cs) must equal
// NumCounters.
func (p *Program) SetCounters(cs []types.Counter) error {
	if uint32(len(cs)) != p.numCounters {
		return fmt.Errorf("%w: %d counters for %d slots", ErrCounterOutOfRange, len(cs), p.numCounters)
	}
	if p.state != StateLoaded {
		return fmt.Errorf("%w: counters unwritable while %v", ErrInvalidState, p.state)
	}
	for i := range cs {
		if err := p.rt.WriteCounter(uint32(i), cs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes the disassembled image to w, one instruction per line.
func (p *Program) Dump(w io.Writer) error {
	for _, line := range bpf.Disasm(p.Image()) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// countFixups returns how many ledger entries of one kind the program
// recorded.
func (p *Program) countFixups(kind fixupKind) int {
	n := 0
	for i := range p.fixups {
		if p.fixups[i].kind == kind {
			n++
		}
	}
	return n
}
