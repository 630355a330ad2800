package codegen

import "testing"

func TestContextLayout(t *testing.T) {
	if ctxSize != 216 {
		t.Errorf("ctxSize = %d, want 216", ctxSize)
	}
	if ctxSize%8 != 0 {
		t.Errorf("ctxSize = %d, not 8-byte aligned", ctxSize)
	}

	offs := []int{
		ctxOffArg, ctxOffDynptr, ctxOffPktSize, ctxOffL3Offset,
		ctxOffL4Offset, ctxOffIfindex, ctxOffL2Hdr, ctxOffL3Hdr,
		ctxOffL4Hdr, ctxOffL2Buf, ctxOffL3Buf, ctxOffL4Buf, ctxOffScratch,
	}
	for i := 1; i < len(offs); i++ {
		if offs[i] <= offs[i-1] {
			t.Errorf("field %d at offset %d does not follow %d", i, offs[i], offs[i-1])
		}
	}

	// The per-layer buffers hold the largest supported header of their
	// layer, 8-byte aligned.
	if l2BufSize < ethHdrLen || l2BufSize%8 != 0 {
		t.Errorf("l2BufSize = %d", l2BufSize)
	}
	if l3BufSize < ip6HdrLen || l3BufSize%8 != 0 {
		t.Errorf("l3BufSize = %d", l3BufSize)
	}
	if l4BufSize < tcpHdrLen || l4BufSize%8 != 0 {
		t.Errorf("l4BufSize = %d", l4BufSize)
	}
}

func TestContextAddressing(t *testing.T) {
	if got := ctxOff(ctxOffArg); got != -216 {
		t.Errorf("ctxOff(arg) = %d, want -216", got)
	}
	if got := ctxOff(ctxOffScratch); got != -int16(scratchSize) {
		t.Errorf("ctxOff(scratch) = %d, want %d", got, -scratchSize)
	}
	if got := scrOff(0); got != ctxOff(ctxOffScratch) {
		t.Errorf("scrOff(0) = %d, want %d", got, ctxOff(ctxOffScratch))
	}
	if got := scrOff(8); got != ctxOff(ctxOffScratch)+8 {
		t.Errorf("scrOff(8) = %d, want %d", got, ctxOff(ctxOffScratch)+8)
	}

	// Every field is addressed below the frame pointer.
	for f := 0; f < ctxSize; f++ {
		if off := ctxOff(f); off >= 0 || off < -216 {
			t.Fatalf("ctxOff(%d) = %d outside the frame", f, off)
		}
	}
}
