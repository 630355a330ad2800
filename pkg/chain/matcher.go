package chain

import (
	"fmt"
	"net/netip"
)

// MatcherType selects the packet field a matcher inspects.
type MatcherType uint8

const (
	MatchMetaIfindex MatcherType = iota
	MatchMetaL3Proto
	MatchMetaL4Proto
	MatchIP4SrcAddr
	MatchIP4DstAddr
	MatchIP4Proto
	MatchIP4SrcSet
	MatchIP6SrcAddr
	MatchIP6DstAddr
	MatchTCPSrcPort
	MatchTCPDstPort
	MatchTCPFlags
	MatchUDPSrcPort
	MatchUDPDstPort
	MatchICMPType

	matcherTypeCount
)

var matcherTypeNames = [matcherTypeCount]string{
	MatchMetaIfindex: "meta.ifindex",
	MatchMetaL3Proto: "meta.l3_proto",
	MatchMetaL4Proto: "meta.l4_proto",
	MatchIP4SrcAddr:  "ip4.saddr",
	MatchIP4DstAddr:  "ip4.daddr",
	MatchIP4Proto:    "ip4.proto",
	MatchIP4SrcSet:   "ip4.saddr_set",
	MatchIP6SrcAddr:  "ip6.saddr",
	MatchIP6DstAddr:  "ip6.daddr",
	MatchTCPSrcPort:  "tcp.sport",
	MatchTCPDstPort:  "tcp.dport",
	MatchTCPFlags:    "tcp.flags",
	MatchUDPSrcPort:  "udp.sport",
	MatchUDPDstPort:  "udp.dport",
	MatchICMPType:    "icmp.type",
}

// String returns the matcher type name as used in chain files.
func (t MatcherType) String() string {
	if t >= matcherTypeCount {
		return fmt.Sprintf("matcher(%d)", uint8(t))
	}
	return matcherTypeNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t MatcherType) MarshalText() ([]byte, error) {
	if t >= matcherTypeCount {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMatcher, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MatcherType) UnmarshalText(text []byte) error {
	for i, name := range matcherTypeNames {
		if name == string(text) {
			*t = MatcherType(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidMatcher, text)
}

// MatchLayer is the protocol context a matcher needs.
type MatchLayer uint8

const (
	LayerMeta MatchLayer = iota
	LayerIPv4
	LayerIPv6
	LayerTCP
	LayerUDP
	LayerICMP
)

// Layer returns the protocol context required for the matcher to apply.
// A packet not carrying that protocol never matches the rule.
func (t MatcherType) Layer() MatchLayer {
	switch t {
	case MatchIP4SrcAddr, MatchIP4DstAddr, MatchIP4Proto, MatchIP4SrcSet:
		return LayerIPv4
	case MatchIP6SrcAddr, MatchIP6DstAddr:
		return LayerIPv6
	case MatchTCPSrcPort, MatchTCPDstPort, MatchTCPFlags:
		return LayerTCP
	case MatchUDPSrcPort, MatchUDPDstPort:
		return LayerUDP
	case MatchICMPType:
		return LayerICMP
	}
	return LayerMeta
}

// setKey returns the set element type an in-set matcher consumes.
func (t MatcherType) setKey() SetKey {
	switch t {
	case MatchIP4SrcSet:
		return SetKeyIPv4
	}
	return setKeyCount
}

// MatcherOp compares the inspected field against the matcher payload.
type MatcherOp uint8

const (
	// OpEq matches when the field equals the payload.
	OpEq MatcherOp = iota

	// OpNe matches when the field differs from the payload.
	OpNe

	// OpIn matches when the field is an element of the referenced set.
	OpIn

	matcherOpCount
)

var matcherOpNames = [matcherOpCount]string{
	OpEq: "eq",
	OpNe: "ne",
	OpIn: "in",
}

// String returns the operator name.
func (o MatcherOp) String() string {
	if o >= matcherOpCount {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return matcherOpNames[o]
}

// MarshalText implements encoding.TextMarshaler.
func (o MatcherOp) MarshalText() ([]byte, error) {
	if o >= matcherOpCount {
		return nil, fmt.Errorf("%w: op %d", ErrInvalidMatcher, uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *MatcherOp) UnmarshalText(text []byte) error {
	for i, name := range matcherOpNames {
		if name == string(text) {
			*o = MatcherOp(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidMatcher, text)
}

// Matcher is one field comparison inside a rule. The payload field consumed
// depends on Type; the rest are ignored.
type Matcher struct {
	Type MatcherType `json:"match"`
	Op   MatcherOp   `json:"op,omitempty"`

	// Addr is the address payload for ip4/ip6 address matchers.
	Addr netip.Addr `json:"addr,omitempty"`

	// Prefix is the significant-bits count for address matchers.
	// Zero means the full address length.
	Prefix int `json:"prefix,omitempty"`

	// Port is the payload for port matchers, host byte order.
	Port uint16 `json:"port,omitempty"`

	// Proto is the payload for protocol matchers: an ethertype for
	// meta.l3_proto, an IP protocol number otherwise.
	Proto uint16 `json:"proto,omitempty"`

	// Flags is the payload for tcp.flags, a bitmask of TCP flag bits.
	Flags uint8 `json:"flags,omitempty"`

	// ICMPType is the payload for icmp.type.
	ICMPType uint8 `json:"icmp_type,omitempty"`

	// Ifindex is the payload for meta.ifindex.
	Ifindex int32 `json:"ifindex,omitempty"`

	// Set is the chain-level set index for in-set matchers.
	Set int `json:"set,omitempty"`
}

// Validate checks payload shape and operator compatibility.
func (m *Matcher) Validate() error {
	if m.Type >= matcherTypeCount {
		return fmt.Errorf("%w: unknown type", ErrInvalidMatcher)
	}
	if m.Op >= matcherOpCount {
		return fmt.Errorf("%w: %v: unknown op", ErrInvalidMatcher, m.Type)
	}

	inSet := m.Type.setKey() != setKeyCount
	if inSet != (m.Op == OpIn) {
		return fmt.Errorf("%w: %v: op %v not applicable", ErrInvalidMatcher,
			m.Type, m.Op)
	}

	switch m.Type {
	case MatchIP4SrcAddr, MatchIP4DstAddr:
		if !m.Addr.Is4() {
			return fmt.Errorf("%w: %v: payload is not an IPv4 address",
				ErrInvalidMatcher, m.Type)
		}
		if m.Prefix < 0 || m.Prefix > 32 {
			return fmt.Errorf("%w: %v: prefix %d out of range",
				ErrInvalidMatcher, m.Type, m.Prefix)
		}
	case MatchIP6SrcAddr, MatchIP6DstAddr:
		if !m.Addr.Is6() || m.Addr.Is4In6() {
			return fmt.Errorf("%w: %v: payload is not an IPv6 address",
				ErrInvalidMatcher, m.Type)
		}
		if m.Prefix < 0 || m.Prefix > 128 {
			return fmt.Errorf("%w: %v: prefix %d out of range",
				ErrInvalidMatcher, m.Type, m.Prefix)
		}
	case MatchTCPSrcPort, MatchTCPDstPort, MatchUDPSrcPort, MatchUDPDstPort:
		if m.Port == 0 {
			return fmt.Errorf("%w: %v: port must be non-zero",
				ErrInvalidMatcher, m.Type)
		}
	case MatchMetaIfindex:
		if m.Ifindex <= 0 {
			return fmt.Errorf("%w: meta.ifindex: ifindex must be positive",
				ErrInvalidMatcher)
		}
	}
	return nil
}

// IP4Payload returns the address and mask for an IPv4 address matcher, both
// in network byte order interpreted as big-endian uint32.
func (m *Matcher) IP4Payload() (addr, mask uint32) {
	v := m.Addr.As4()
	addr = uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	bits := m.Prefix
	if bits == 0 {
		bits = 32
	}
	mask = ^uint32(0) << (32 - bits)
	return addr & mask, mask
}

// IP6Payload returns the address halves and mask halves for an IPv6 address
// matcher as big-endian uint64 pairs.
func (m *Matcher) IP6Payload() (addrHi, addrLo, maskHi, maskLo uint64) {
	v := m.Addr.As16()
	for i := 0; i < 8; i++ {
		addrHi = addrHi<<8 | uint64(v[i])
		addrLo = addrLo<<8 | uint64(v[i+8])
	}
	bits := m.Prefix
	if bits == 0 {
		bits = 128
	}
	if bits >= 64 {
		maskHi = ^uint64(0)
		if rem := bits - 64; rem < 64 {
			maskLo = ^uint64(0) << (64 - rem)
		} else {
			maskLo = ^uint64(0)
		}
	} else {
		maskHi = ^uint64(0) << (64 - bits)
	}
	return addrHi & maskHi, addrLo & maskLo, maskHi, maskLo
}
