// Package types defines the core value types shared across cygnet.
//
// Hooks identify kernel attachment points, fronts identify the rule origin,
// verdicts are terminal rule actions, and counters carry the per-rule
// packet/byte tallies maintained by generated programs. All types implement
// text encoding so they can appear in declarative chain files.
package types

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnknownHook is returned when a hook name cannot be parsed.
	ErrUnknownHook = errors.New("unknown hook")

	// ErrUnknownFront is returned when a front name cannot be parsed.
	ErrUnknownFront = errors.New("unknown front")

	// ErrUnknownVerdict is returned when a verdict name cannot be parsed.
	ErrUnknownVerdict = errors.New("unknown verdict")
)

// Hook identifies a kernel attachment point for a generated program.
type Hook uint8

const (
	HookXDP Hook = iota
	HookTCIngress
	HookTCEgress
	HookCgroupIngress
	HookCgroupEgress
	HookNFPreRouting
	HookNFLocalIn
	HookNFForward
	HookNFLocalOut
	HookNFPostRouting

	hookCount
)

var hookNames = [hookCount]string{
	HookXDP:           "xdp",
	HookTCIngress:     "tc_ingress",
	HookTCEgress:      "tc_egress",
	HookCgroupIngress: "cgroup_ingress",
	HookCgroupEgress:  "cgroup_egress",
	HookNFPreRouting:  "nf_prerouting",
	HookNFLocalIn:     "nf_local_in",
	HookNFForward:     "nf_forward",
	HookNFLocalOut:    "nf_local_out",
	HookNFPostRouting: "nf_postrouting",
}

// HookFromString parses a hook name as used in chain files.
func HookFromString(s string) (Hook, error) {
	for h, name := range hookNames {
		if name == s {
			return Hook(h), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHook, s)
}

// String returns the hook name.
func (h Hook) String() string {
	if h >= hookCount {
		return fmt.Sprintf("hook(%d)", uint8(h))
	}
	return hookNames[h]
}

// Valid returns true if the hook is a known attachment point.
func (h Hook) Valid() bool {
	return h < hookCount
}

// InterfaceBound returns true if programs for this hook attach to a
// specific network interface.
func (h Hook) InterfaceBound() bool {
	switch h {
	case HookXDP, HookTCIngress, HookTCEgress:
		return true
	}
	return false
}

// CgroupBound returns true if programs for this hook attach to a cgroup path.
func (h Hook) CgroupBound() bool {
	return h == HookCgroupIngress || h == HookCgroupEgress
}

// Netfilter returns true if the hook is a netfilter hook.
func (h Hook) Netfilter() bool {
	return h >= HookNFPreRouting && h <= HookNFPostRouting
}

// Ingress returns true for hooks that see traffic entering the host or
// cgroup, false for egress hooks. XDP is ingress-only.
func (h Hook) Ingress() bool {
	switch h {
	case HookTCEgress, HookCgroupEgress, HookNFLocalOut, HookNFPostRouting:
		return false
	}
	return true
}

// Netfilter inet hook numbers from the kernel netfilter ABI.
const (
	nfInetPreRouting  = 0
	nfInetLocalIn     = 1
	nfInetForward     = 2
	nfInetLocalOut    = 3
	nfInetPostRouting = 4
)

// NFHookNum returns the netfilter inet hook number for netfilter hooks.
// ok is false for non-netfilter hooks.
func (h Hook) NFHookNum() (num uint32, ok bool) {
	switch h {
	case HookNFPreRouting:
		return nfInetPreRouting, true
	case HookNFLocalIn:
		return nfInetLocalIn, true
	case HookNFForward:
		return nfInetForward, true
	case HookNFLocalOut:
		return nfInetLocalOut, true
	case HookNFPostRouting:
		return nfInetPostRouting, true
	}
	return 0, false
}

// Protocol families used when attaching netfilter hooks.
const (
	NFProtoIPv4 = uint32(unix.NFPROTO_IPV4)
	NFProtoIPv6 = uint32(unix.NFPROTO_IPV6)
)

// MarshalText implements encoding.TextMarshaler.
func (h Hook) MarshalText() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHook, uint8(h))
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hook) UnmarshalText(text []byte) error {
	parsed, err := HookFromString(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Front identifies the rule-language origin of a chain. It affects kernel
// object naming conventions only.
type Front uint8

const (
	FrontCLI Front = iota
	FrontNFT
	FrontIPT

	frontCount
)

var frontNames = [frontCount]string{
	FrontCLI: "cli",
	FrontNFT: "nft",
	FrontIPT: "ipt",
}

// FrontFromString parses a front name.
func FrontFromString(s string) (Front, error) {
	for f, name := range frontNames {
		if name == s {
			return Front(f), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFront, s)
}

// String returns the front name.
func (f Front) String() string {
	if f >= frontCount {
		return fmt.Sprintf("front(%d)", uint8(f))
	}
	return frontNames[f]
}

// Valid returns true if the front is known.
func (f Front) Valid() bool {
	return f < frontCount
}

// MarshalText implements encoding.TextMarshaler.
func (f Front) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFront, uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Front) UnmarshalText(text []byte) error {
	parsed, err := FrontFromString(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Verdict is the terminal action of a rule or of a chain's policy.
type Verdict uint8

const (
	// VerdictAccept lets the packet through.
	VerdictAccept Verdict = iota

	// VerdictDrop discards the packet.
	VerdictDrop

	// VerdictContinue keeps evaluating the next rule. It is valid for rules
	// that only count traffic, never as a chain policy.
	VerdictContinue

	verdictCount
)

var verdictNames = [verdictCount]string{
	VerdictAccept:   "accept",
	VerdictDrop:     "drop",
	VerdictContinue: "continue",
}

// VerdictFromString parses a verdict name.
func VerdictFromString(s string) (Verdict, error) {
	for v, name := range verdictNames {
		if name == s {
			return Verdict(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVerdict, s)
}

// String returns the verdict name.
func (v Verdict) String() string {
	if v >= verdictCount {
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
	return verdictNames[v]
}

// Valid returns true if the verdict is known.
func (v Verdict) Valid() bool {
	return v < verdictCount
}

// Terminal returns true if the verdict stops rule evaluation.
func (v Verdict) Terminal() bool {
	return v == VerdictAccept || v == VerdictDrop
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVerdict, uint8(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := VerdictFromString(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Counter is one packet/byte tally slot from a program's counters map.
type Counter struct {
	Packets uint64
	Bytes   uint64
}

// Add accumulates another counter into c.
func (c *Counter) Add(other Counter) {
	c.Packets += other.Packets
	c.Bytes += other.Bytes
}

// IsZero returns true if the counter has never been hit.
func (c Counter) IsZero() bool {
	return c.Packets == 0 && c.Bytes == 0
}

// String formats the counter for dumps.
func (c Counter) String() string {
	return fmt.Sprintf("%d pkts / %d bytes", c.Packets, c.Bytes)
}
