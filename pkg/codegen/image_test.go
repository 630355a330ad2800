package codegen

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

func TestImageGrowth(t *testing.T) {
	var img image

	if got := img.currentOffset(); got != 0 {
		t.Fatalf("currentOffset() = %d, want 0", got)
	}

	n := initialImageWords*3 + 1
	for i := 0; i < n; i++ {
		if err := img.emit(bpf.Mov64Imm(bpf.R0, int32(i))); err != nil {
			t.Fatalf("emit(%d) error = %v", i, err)
		}
		if got := img.currentOffset(); got != uint32(i+1)*bpf.InsnSize {
			t.Fatalf("currentOffset() = %d after %d emits", got, i+1)
		}
	}
	if img.wordCount() != n {
		t.Errorf("wordCount() = %d, want %d", img.wordCount(), n)
	}

	// Emitted words survive growth in order.
	for i, w := range img.words {
		if w.Imm() != int32(i) {
			t.Fatalf("word %d imm = %d, want %d", i, w.Imm(), i)
		}
	}
}

func TestImageExhaustion(t *testing.T) {
	img := image{words: make([]bpf.Instruction, maxImageWords)}

	if err := img.emit(bpf.Exit()); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("emit() at capacity error = %v, want %v", err, ErrResourceExhausted)
	}
}

func TestImageBytes(t *testing.T) {
	var img image
	ins := bpf.Encode(bpf.OpJeq32Imm, bpf.R3, 0, -7, 0x11223344)
	if err := img.emitAll(ins, bpf.Exit()); err != nil {
		t.Fatalf("emitAll() error = %v", err)
	}

	b := img.bytes()
	if len(b) != 2*bpf.InsnSize {
		t.Fatalf("bytes() length = %d, want %d", len(b), 2*bpf.InsnSize)
	}
	if got := bpf.Instruction(binary.LittleEndian.Uint64(b)); got != ins {
		t.Errorf("first word = %#x, want %#x", uint64(got), uint64(ins))
	}
}
