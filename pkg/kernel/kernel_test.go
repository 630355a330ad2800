package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/cilium/ebpf"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

func TestHookTargetFor(t *testing.T) {
	tests := []struct {
		hook   types.Hook
		prog   ebpf.ProgramType
		attach ebpf.AttachType
	}{
		{types.HookXDP, ebpf.XDP, ebpf.AttachNone},
		{types.HookTCIngress, ebpf.SchedCLS, ebpf.AttachTCXIngress},
		{types.HookTCEgress, ebpf.SchedCLS, ebpf.AttachTCXEgress},
		{types.HookCgroupIngress, ebpf.CGroupSKB, ebpf.AttachCGroupInetIngress},
		{types.HookCgroupEgress, ebpf.CGroupSKB, ebpf.AttachCGroupInetEgress},
		{types.HookNFPreRouting, ebpf.Netfilter, ebpf.AttachNetfilter},
		{types.HookNFLocalIn, ebpf.Netfilter, ebpf.AttachNetfilter},
		{types.HookNFForward, ebpf.Netfilter, ebpf.AttachNetfilter},
		{types.HookNFLocalOut, ebpf.Netfilter, ebpf.AttachNetfilter},
		{types.HookNFPostRouting, ebpf.Netfilter, ebpf.AttachNetfilter},
	}
	for _, tt := range tests {
		tgt, err := hookTargetFor(tt.hook)
		if err != nil {
			t.Fatalf("hookTargetFor(%s) error = %v", tt.hook, err)
		}
		if tgt.prog != tt.prog || tgt.attach != tt.attach {
			t.Errorf("hookTargetFor(%s) = (%v, %v), want (%v, %v)",
				tt.hook, tgt.prog, tgt.attach, tt.prog, tt.attach)
		}
	}
	if _, err := hookTargetFor(types.Hook(250)); !errors.Is(err, types.ErrUnknownHook) {
		t.Errorf("hookTargetFor(invalid) error = %v, want %v", err, types.ErrUnknownHook)
	}
}

func TestDecodeImageRoundTrip(t *testing.T) {
	mapLoad := bpf.LoadMapFD(bpf.R1, 13)
	wide := bpf.Lddw(bpf.R8, 0x1122334455667788)
	words := []bpf.Instruction{
		bpf.Mov64Reg(bpf.R6, bpf.R1),
		mapLoad[0], mapLoad[1],
		wide[0], wide[1],
		bpf.Ldx(bpf.SizeW, bpf.R7, bpf.R6, 4),
		bpf.ToBe(bpf.R7, 16),
		bpf.Jmp32Imm(bpf.JmpJeq, bpf.R7, 0x0800, 2),
		bpf.St(bpf.SizeDW, bpf.RFP, -56, 0),
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R7, -64),
		bpf.AtomicAdd64(bpf.R0, bpf.R7, 8),
		bpf.Call(bpf.HelperMapLookupElem),
		bpf.CallRel(3),
		bpf.KfuncCall(0x7f001122),
		bpf.Ja(1),
		bpf.Mov64Imm(bpf.R0, 2),
		bpf.Exit(),
	}
	var raw []byte
	for _, w := range words {
		raw = w.AppendWord(raw)
	}

	insns, err := decodeImage(raw)
	if err != nil {
		t.Fatalf("decodeImage() error = %v", err)
	}
	// Each wide load collapses its two raw words into one decoded
	// instruction.
	if want := len(words) - 2; len(insns) != want {
		t.Fatalf("decodeImage() yielded %d instructions, want %d", len(insns), want)
	}

	var out bytes.Buffer
	if err := insns.Marshal(&out, binary.LittleEndian); err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), raw) {
		t.Errorf("re-encoded image differs from the generated one")
	}
}

func TestDecodeImageRejectsBadInput(t *testing.T) {
	if _, err := decodeImage(nil); err == nil {
		t.Error("decodeImage(empty) = nil error, want error")
	}
	raw := bpf.Exit().AppendWord(nil)
	if _, err := decodeImage(raw[:5]); err == nil {
		t.Error("decodeImage(ragged length) = nil error, want error")
	}
	mapLoad := bpf.LoadMapFD(bpf.R1, 3)
	if _, err := decodeImage(mapLoad[0].AppendWord(nil)); err == nil {
		t.Error("decodeImage(truncated wide load) = nil error, want error")
	}
}

func TestPrinterIntern(t *testing.T) {
	pr := NewPrinter()
	id1, err := pr.Intern("rule matched")
	if err != nil {
		t.Fatalf("Intern() error = %v", err)
	}
	id2, err := pr.Intern("packet dropped")
	if err != nil {
		t.Fatalf("Intern() error = %v", err)
	}
	if id1 != 0 || id2 != 1 {
		t.Errorf("Intern() assigned ids %d, %d, want 0, 1", id1, id2)
	}

	again, err := pr.Intern("rule matched")
	if err != nil {
		t.Fatalf("Intern(duplicate) error = %v", err)
	}
	if again != id1 {
		t.Errorf("Intern(duplicate) = %d, want %d", again, id1)
	}
	if pr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", pr.Len())
	}

	msgs := pr.Messages()
	if len(msgs) != 2 || msgs[0] != "rule matched" || msgs[1] != "packet dropped" {
		t.Errorf("Messages() = %q, want messages in id order", msgs)
	}

	if _, err := pr.Intern(strings.Repeat("x", PrinterMsgLen)); err == nil {
		t.Error("Intern(oversize) = nil error, want error")
	}
}

func TestNFLinkPin(t *testing.T) {
	base := "/sys/fs/bpf/cygnet/cgn_labcdef"
	if got := nfLinkPin(base, types.NFProtoIPv4); got != base {
		t.Errorf("nfLinkPin(v4) = %q, want %q", got, base)
	}
	if got := nfLinkPin(base, types.NFProtoIPv6); got != base+"6" {
		t.Errorf("nfLinkPin(v6) = %q, want %q", got, base+"6")
	}
	if got := nfLinkPin("", types.NFProtoIPv6); got != "" {
		t.Errorf("nfLinkPin(unpinned) = %q, want empty", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
	if err := (Config{CgroupRoot: "sys/fs/cgroup"}).Validate(); err == nil {
		t.Error("Validate(relative cgroup root) = nil error, want error")
	}
	if err := (Config{}).Validate(); err == nil {
		t.Error("Validate(empty cgroup root) = nil error, want error")
	}
}

func TestCounterSlotSize(t *testing.T) {
	if got := binary.Size(types.Counter{}); got != counterValueSize {
		t.Errorf("binary.Size(Counter{}) = %d, want %d", got, counterValueSize)
	}
}
