package codegen

import (
	"fmt"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

// Image growth bounds. Capacity doubles from the floor until the kernel's
// per-program instruction ceiling.
const (
	initialImageWords = 64
	maxImageWords     = 1_000_000
)

// image is the append-only instruction buffer backing a program. Logical
// size and capacity are tracked separately through the backing slice;
// emitted words are never reordered or removed.
type image struct {
	words []bpf.Instruction
}

// currentOffset returns the byte offset the next emitted instruction will
// occupy.
func (img *image) currentOffset() uint32 {
	return uint32(len(img.words)) * bpf.InsnSize
}

// wordCount returns the number of emitted instruction words.
func (img *image) wordCount() int {
	return len(img.words)
}

// emit appends one instruction, growing capacity on demand.
func (img *image) emit(ins bpf.Instruction) error {
	if len(img.words) == cap(img.words) {
		if err := img.grow(); err != nil {
			return err
		}
	}
	img.words = append(img.words, ins)
	return nil
}

// emitAll appends a sequence of instructions in order.
func (img *image) emitAll(ins ...bpf.Instruction) error {
	for _, i := range ins {
		if err := img.emit(i); err != nil {
			return err
		}
	}
	return nil
}

func (img *image) grow() error {
	newCap := cap(img.words) * 2
	if newCap == 0 {
		newCap = initialImageWords
	}
	if newCap > maxImageWords {
		newCap = maxImageWords
	}
	if newCap <= cap(img.words) {
		return fmt.Errorf("%w: image would exceed %d instructions",
			ErrResourceExhausted, maxImageWords)
	}
	grown := make([]bpf.Instruction, len(img.words), newCap)
	copy(grown, img.words)
	img.words = grown
	return nil
}

// bytes returns the little-endian wire encoding of the image.
func (img *image) bytes() []byte {
	out := make([]byte, 0, len(img.words)*bpf.InsnSize)
	for _, w := range img.words {
		out = w.AppendWord(out)
	}
	return out
}
