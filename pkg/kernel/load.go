package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/sirupsen/logrus"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// progLicense is the license string submitted with every program.
// Kfuncs and several helpers are GPL-gated.
const progLicense = "GPL"

// decodeImage lifts a finalized instruction image into cilium/ebpf's
// assembler form. Wide loads occupy two raw words but decode to a
// single instruction carrying the 64-bit constant.
func decodeImage(raw []byte) (asm.Instructions, error) {
	if len(raw) == 0 || len(raw)%bpf.InsnSize != 0 {
		return nil, fmt.Errorf("image length %d is not a whole number of instructions", len(raw))
	}
	r := bytes.NewReader(raw)
	var insns asm.Instructions
	for {
		var ins asm.Instruction
		_, err := ins.Unmarshal(r, binary.LittleEndian)
		if errors.Is(err, io.EOF) {
			return insns, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode instruction %d: %w", len(insns), err)
		}
		insns = append(insns, ins)
	}
}

func (k *Kernel) loadProgram(p *codegen.Program) (*ebpf.Program, error) {
	tgt, err := hookTargetFor(p.Hook())
	if err != nil {
		return nil, err
	}
	insns, err := decodeImage(p.ImageBytes())
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", p.ProgName(), err)
	}
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         p.ProgName(),
		Type:         tgt.prog,
		AttachType:   tgt.attach,
		Instructions: insns,
		License:      progLicense,
	})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			k.log.WithField("prog", p.ProgName()).Debugf("verifier log:\n%+v", verr)
			return nil, fmt.Errorf("%w: %s: %v", codegen.ErrVerifierRejected, p.ProgName(), err)
		}
		return nil, fmt.Errorf("load program %s: %w", p.ProgName(), err)
	}
	return prog, nil
}

// Load materializes a generated program in the kernel: it creates the
// program's maps, resolves the image against them, submits it to the
// verifier and attaches it at its hook. When old is non-nil its links
// are updated in place so the swap is atomic and filtering is never
// interrupted; otherwise fresh links are created. On success p
// transitions to loaded with the returned attachment as its runtime.
//
// Pins are swapped after the attachment switch. A pin failure at that
// point is returned together with the live attachment; the new program
// stays attached. Failures before the switch leave old untouched.
func (k *Kernel) Load(p *codegen.Program, pr *Printer, old *Attachment) (*Attachment, error) {
	if p.State() != codegen.StateGenerating {
		return nil, fmt.Errorf("%w: load in state %s", codegen.ErrInvalidState, p.State())
	}

	maps, err := k.createMaps(p, pr)
	if err != nil {
		return nil, err
	}
	attached := false
	defer func() {
		if !attached {
			maps.close()
		}
	}()

	if err := p.Finalize(maps); err != nil {
		return nil, err
	}

	prog, err := k.loadProgram(p)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !attached {
			prog.Close()
		}
	}()

	att := &Attachment{
		prog:     prog,
		counters: maps.counters,
		sets:     maps.sets,
		printer:  maps.printer,
		log:      k.log.WithField("prog", p.ProgName()),
	}

	if old != nil && len(old.links) > 0 {
		if err := old.updateLinks(prog); err != nil {
			return nil, err
		}
		att.links = old.links
		att.linkPins = old.linkPins
		old.links = nil
		old.linkPins = nil
	} else {
		links, pins, err := k.attachLinks(p, prog)
		if err != nil {
			return nil, err
		}
		att.links = links
		att.linkPins = pins
		if err := att.pinLinks(); err != nil {
			att.detachLinks()
			return nil, err
		}
	}
	attached = true

	if err := p.MarkLoaded(att); err != nil {
		return att, err
	}

	// The old program's auxiliary pins point at objects the hook no
	// longer runs; swap them for the new ones.
	if old != nil {
		old.removeObjectPins()
	}
	if err := att.pinObjects(p); err != nil {
		return att, err
	}

	att.log.WithFields(logrus.Fields{
		"hook":  p.Hook().String(),
		"rules": p.RuleCount(),
	}).Info("program loaded")
	return att, nil
}

// Unload detaches p's program and removes every kernel object backing
// it. Unloading a program that is not loaded is a no-op.
func (k *Kernel) Unload(p *codegen.Program, att *Attachment) error {
	if p.State() != codegen.StateLoaded {
		return nil
	}
	var derr error
	if att != nil {
		derr = att.Detach()
	}
	if err := p.MarkUnloaded(); err != nil {
		return err
	}
	if derr != nil {
		return derr
	}
	k.log.WithField("prog", p.ProgName()).Info("program unloaded")
	return nil
}
