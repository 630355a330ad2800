package codegen

import (
	"fmt"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

// Kernel functions generated programs call. Their BTF IDs are resolved
// through the fixup ledger at finalize time.
const (
	kfuncDynptrFromXDP = "bpf_dynptr_from_xdp"
	kfuncDynptrFromSkb = "bpf_dynptr_from_skb"
	kfuncDynptrSlice   = "bpf_dynptr_slice"
	kfuncDynptrSize    = "bpf_dynptr_size"
)

// Hook return codes.
const (
	xdpPass = 2
	xdpDrop = 1

	tcActOK   = 0
	tcActShot = 2

	cgroupAllow = 1
	cgroupDeny  = 0

	nfAccept = 1
	nfDrop   = 0
)

// Program argument field offsets, fixed by the kernel ABI.
const (
	xdpMDData           = 0
	xdpMDDataEnd        = 4
	xdpMDIngressIfindex = 12

	skbLen      = 0
	skbProtocol = 16
	skbIfindex  = 40

	nfCtxSkb = 8
)

// flavor captures what differs between hook families: how the runtime
// context is filled from the program argument and how verdicts map to
// return codes. Parsing and rule emission are flavor-blind.
type flavor interface {
	// l2Capable reports whether packets start at the link layer.
	l2Capable() bool

	// emitEntry fills pkt_size and ifindex from the program argument in
	// R6, initializes the packet dynptr, and for flavors without a link
	// layer leaves the L3 protocol in R7.
	emitEntry(g *generator) error

	// verdictCode maps a chain verdict to the hook's return value.
	verdictCode(v types.Verdict) int32
}

func flavorFor(h types.Hook) (flavor, error) {
	switch h {
	case types.HookXDP:
		return xdpFlavor{}, nil
	case types.HookTCIngress, types.HookTCEgress:
		return tcFlavor{}, nil
	case types.HookCgroupIngress, types.HookCgroupEgress:
		return cgroupFlavor{}, nil
	case types.HookNFPreRouting, types.HookNFLocalIn, types.HookNFForward,
		types.HookNFLocalOut, types.HookNFPostRouting:
		return nfFlavor{}, nil
	}
	return nil, fmt.Errorf("%w: hook %v", ErrUnsupportedConstruct, h)
}

// emitDynptrArgs loads R1 with a pointer to the ctx dynptr slot and R2
// with zero flags, the common tail of every dynptr constructor call.
func emitDynptrArgs(g *generator) error {
	return g.emit(
		bpf.Mov64Imm(bpf.R2, 0),
		bpf.Mov64Reg(bpf.R3, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R3, int32(ctxOff(ctxOffDynptr))),
	)
}

type xdpFlavor struct{}

func (xdpFlavor) l2Capable() bool { return true }

func (xdpFlavor) emitEntry(g *generator) error {
	err := g.emit(
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, xdpMDData),
		bpf.Ldx(bpf.SizeW, bpf.R3, bpf.R6, xdpMDDataEnd),
		bpf.Alu64Reg(bpf.AluSub, bpf.R3, bpf.R2),
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R3, ctxOff(ctxOffPktSize)),
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, xdpMDIngressIfindex),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R2, ctxOff(ctxOffIfindex)),
		bpf.Mov64Reg(bpf.R1, bpf.R6),
	)
	if err != nil {
		return err
	}
	if err := emitDynptrArgs(g); err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrFromXDP); err != nil {
		return err
	}
	return g.jumpTo(labelError, bpf.JmpImm(bpf.JmpJne, bpf.R0, 0, 0))
}

func (xdpFlavor) verdictCode(v types.Verdict) int32 {
	if v == types.VerdictDrop {
		return xdpDrop
	}
	return xdpPass
}

type tcFlavor struct{}

func (tcFlavor) l2Capable() bool { return true }

func (tcFlavor) emitEntry(g *generator) error {
	err := g.emit(
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, skbLen),
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R2, ctxOff(ctxOffPktSize)),
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, skbIfindex),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R2, ctxOff(ctxOffIfindex)),
		bpf.Mov64Reg(bpf.R1, bpf.R6),
	)
	if err != nil {
		return err
	}
	if err := emitDynptrArgs(g); err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrFromSkb); err != nil {
		return err
	}
	return g.jumpTo(labelError, bpf.JmpImm(bpf.JmpJne, bpf.R0, 0, 0))
}

func (tcFlavor) verdictCode(v types.Verdict) int32 {
	if v == types.VerdictDrop {
		return tcActShot
	}
	return tcActOK
}

// cgroupFlavor sees packets from the network header on, so the L3
// protocol comes from the socket buffer instead of an ethernet header.
type cgroupFlavor struct{}

func (cgroupFlavor) l2Capable() bool { return false }

func (cgroupFlavor) emitEntry(g *generator) error {
	err := g.emit(
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, skbLen),
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R2, ctxOff(ctxOffPktSize)),
		bpf.Ldx(bpf.SizeW, bpf.R2, bpf.R6, skbIfindex),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R2, ctxOff(ctxOffIfindex)),
		bpf.Ldx(bpf.SizeW, bpf.R7, bpf.R6, skbProtocol),
		bpf.ToBe(bpf.R7, 16),
		bpf.Mov64Reg(bpf.R1, bpf.R6),
	)
	if err != nil {
		return err
	}
	if err := emitDynptrArgs(g); err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrFromSkb); err != nil {
		return err
	}
	return g.jumpTo(labelError, bpf.JmpImm(bpf.JmpJne, bpf.R0, 0, 0))
}

func (cgroupFlavor) verdictCode(v types.Verdict) int32 {
	if v == types.VerdictDrop {
		return cgroupDeny
	}
	return cgroupAllow
}

// nfFlavor programs receive a hook context holding the socket buffer.
// The packet length comes from the dynptr and the L3 protocol from the
// IP version nibble, so one generated program serves both address
// families.
type nfFlavor struct{}

func (nfFlavor) l2Capable() bool { return false }

func (nfFlavor) emitEntry(g *generator) error {
	if err := g.emit(bpf.Ldx(bpf.SizeDW, bpf.R1, bpf.R6, nfCtxSkb)); err != nil {
		return err
	}
	if err := emitDynptrArgs(g); err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrFromSkb); err != nil {
		return err
	}
	if err := g.jumpTo(labelError, bpf.JmpImm(bpf.JmpJne, bpf.R0, 0, 0)); err != nil {
		return err
	}

	err := g.emit(
		bpf.Mov64Reg(bpf.R1, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R1, int32(ctxOff(ctxOffDynptr))),
	)
	if err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrSize); err != nil {
		return err
	}
	if err := g.emit(bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffPktSize))); err != nil {
		return err
	}

	// IP version nibble selects the L3 protocol.
	if err := g.emitSlice(-1, ctxOffScratch, 1, labelParseDone); err != nil {
		return err
	}
	err = g.emit(
		bpf.Ldx(bpf.SizeB, bpf.R7, bpf.R0, 0),
		bpf.Alu32Imm(bpf.AluRsh, bpf.R7, 4),
	)
	if err != nil {
		return err
	}
	if err := g.emit(bpf.Jmp32Imm(bpf.JmpJeq, bpf.R7, 6, 3)); err != nil {
		return err
	}
	if err := g.jumpTo(labelParseDone, bpf.Jmp32Imm(bpf.JmpJne, bpf.R7, 4, 0)); err != nil {
		return err
	}
	return g.emit(
		bpf.Mov64Imm(bpf.R7, etherTypeIPv4),
		bpf.Ja(1),
		bpf.Mov64Imm(bpf.R7, etherTypeIPv6),
	)
}

func (nfFlavor) verdictCode(v types.Verdict) int32 {
	if v == types.VerdictDrop {
		return nfDrop
	}
	return nfAccept
}
