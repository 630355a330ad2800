package codegen

// Runtime context layout.
//
// Generated programs keep a fixed-shape working area in their first stack
// frame: the program argument, the packet dynptr, resolved header pointers,
// per-layer copy-back buffers for safe packet access, and a scratch region
// for rule evaluation. Every field is addressed as a negative offset from
// the frame pointer, computed from the end of the structure, because the
// frame's absolute address is unknown until run time. The layout is shared
// by the whole generation pipeline and never changes shape per program.

// Supported protocol header sizes. The per-layer buffers are sized to the
// largest header of their layer, rounded up to keep 8-byte alignment.
const (
	ethHdrLen   = 14
	ip4HdrLen   = 20
	ip6HdrLen   = 40
	tcpHdrLen   = 20
	udpHdrLen   = 8
	icmpHdrLen  = 8
	icmp6HdrLen = 8

	scratchSize = 64

	l2BufSize = (ethHdrLen + 7) &^ 7
	l3BufSize = (max(ip4HdrLen, ip6HdrLen) + 7) &^ 7
	l4BufSize = (max(tcpHdrLen, udpHdrLen, icmpHdrLen, icmp6HdrLen) + 7) &^ 7
)

// Field offsets within the context. The pointer group starts at 48 after
// 4 bytes of padding behind ifindex.
const (
	ctxOffArg      = 0
	ctxOffDynptr   = 8 // struct bpf_dynptr, 16 bytes, opaque
	ctxOffPktSize  = 24
	ctxOffL3Offset = 32
	ctxOffL4Offset = 36
	ctxOffIfindex  = 40
	ctxOffL2Hdr    = 48
	ctxOffL3Hdr    = 56
	ctxOffL4Hdr    = 64
	ctxOffL2Buf    = 72
	ctxOffL3Buf    = ctxOffL2Buf + l2BufSize
	ctxOffL4Buf    = ctxOffL3Buf + l3BufSize
	ctxOffScratch  = ctxOffL4Buf + l4BufSize

	ctxSize = ctxOffScratch + scratchSize
)

// The context must stay a multiple of 8 bytes so stack access keeps the
// alignment every verifier version accepts. Compilation fails here if a
// header size change breaks that.
const _ = uint(-(ctxSize % 8))

// ctxOff returns the frame-pointer-relative offset of a context field
// identified by its offset within the structure.
func ctxOff(fieldOff int) int16 {
	return int16(fieldOff - ctxSize)
}

// scrOff returns the frame-pointer-relative offset of a scratch
// sub-allocation.
func scrOff(n int) int16 {
	return ctxOff(ctxOffScratch + n)
}
