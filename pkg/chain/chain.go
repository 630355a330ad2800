// Package chain models packet-filtering chains: ordered rule lists bound to
// a kernel hook, with a default policy, optional match-sets, and per-rule
// counters.
//
// Chains are consumed by the code generator; they are owned by the caller
// and never mutated by the packages that compile or load them. The JSON
// encoding is the declarative chain-file format read by cygnetd.
package chain

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/cygnetlabs/cygnet/internal/types"
)

var (
	// ErrInvalidChain is returned when a chain fails validation.
	ErrInvalidChain = errors.New("invalid chain")

	// ErrInvalidSet is returned when a set definition fails validation.
	ErrInvalidSet = errors.New("invalid set")

	// ErrInvalidMatcher is returned when a matcher fails validation.
	ErrInvalidMatcher = errors.New("invalid matcher")
)

// Chain is an ordered list of filtering rules bound to one hook.
type Chain struct {
	// Name identifies the chain. Kernel object names are derived from it,
	// so it can be any length.
	Name string `json:"name"`

	// Hook is the kernel attachment point programs for this chain target.
	Hook types.Hook `json:"hook"`

	// Policy is the verdict applied when no rule matched. Must be terminal.
	Policy types.Verdict `json:"policy"`

	// Sets are the match-sets referenced by rules, by index.
	Sets []Set `json:"sets,omitempty"`

	// Rules are evaluated in order; the first matching terminal rule wins.
	Rules []Rule `json:"rules"`
}

// Rule is one matcher conjunction with a terminal action.
type Rule struct {
	// Matchers must all hold for the rule to match. An empty list matches
	// every packet.
	Matchers []Matcher `json:"matchers,omitempty"`

	// Counter enables the packet/byte tally for this rule.
	Counter bool `json:"counter,omitempty"`

	// Verdict is applied when the rule matches.
	Verdict types.Verdict `json:"verdict"`
}

// Counter slot convention: one slot per rule at the rule's index, then the
// policy slot, then the internal-error slot. Shared by every program
// generated from a chain so counter indices survive regeneration.

// NumCounters returns the counters-map size for programs of this chain.
func (c *Chain) NumCounters() int {
	return len(c.Rules) + 2
}

// PolicyCounterIdx returns the slot counting policy verdicts.
func (c *Chain) PolicyCounterIdx() int {
	return len(c.Rules)
}

// ErrorCounterIdx returns the slot counting runtime evaluation errors.
func (c *Chain) ErrorCounterIdx() int {
	return len(c.Rules) + 1
}

// Validate checks the chain is well-formed and internally consistent.
func (c *Chain) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChain)
	}
	if !c.Hook.Valid() {
		return fmt.Errorf("%w: %q: bad hook", ErrInvalidChain, c.Name)
	}
	if !c.Policy.Terminal() {
		return fmt.Errorf("%w: %q: policy must be accept or drop, got %v",
			ErrInvalidChain, c.Name, c.Policy)
	}

	for i := range c.Sets {
		if err := c.Sets[i].Validate(); err != nil {
			return fmt.Errorf("%w: %q: set %d: %v", ErrInvalidChain, c.Name, i, err)
		}
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if !r.Verdict.Valid() {
			return fmt.Errorf("%w: %q: rule %d: bad verdict", ErrInvalidChain,
				c.Name, i)
		}
		if r.Verdict == types.VerdictContinue && !r.Counter {
			return fmt.Errorf("%w: %q: rule %d: continue without counter has no effect",
				ErrInvalidChain, c.Name, i)
		}
		for j := range r.Matchers {
			m := &r.Matchers[j]
			if err := m.Validate(); err != nil {
				return fmt.Errorf("%w: %q: rule %d matcher %d: %v",
					ErrInvalidChain, c.Name, i, j, err)
			}
			if m.Op == OpIn {
				if m.Set < 0 || m.Set >= len(c.Sets) {
					return fmt.Errorf("%w: %q: rule %d matcher %d: set %d out of range",
						ErrInvalidChain, c.Name, i, j, m.Set)
				}
				if c.Sets[m.Set].Key != m.Type.setKey() {
					return fmt.Errorf("%w: %q: rule %d matcher %d: set %d key mismatch",
						ErrInvalidChain, c.Name, i, j, m.Set)
				}
			}
		}
	}
	return nil
}

// SetKey is the element type of a match-set.
type SetKey uint8

const (
	SetKeyIPv4 SetKey = iota
	SetKeyIPv6
	SetKeyPort

	setKeyCount
)

var setKeyNames = [setKeyCount]string{
	SetKeyIPv4: "ip4",
	SetKeyIPv6: "ip6",
	SetKeyPort: "port",
}

// String returns the set key name.
func (k SetKey) String() string {
	if k >= setKeyCount {
		return fmt.Sprintf("setkey(%d)", uint8(k))
	}
	return setKeyNames[k]
}

// Size returns the fixed element size in bytes.
func (k SetKey) Size() int {
	switch k {
	case SetKeyIPv4:
		return 4
	case SetKeyIPv6:
		return 16
	case SetKeyPort:
		return 2
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (k SetKey) MarshalText() ([]byte, error) {
	if k >= setKeyCount {
		return nil, fmt.Errorf("%w: key %d", ErrInvalidSet, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SetKey) UnmarshalText(text []byte) error {
	for i, name := range setKeyNames {
		if name == string(text) {
			*k = SetKey(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown key %q", ErrInvalidSet, text)
}

// Set is a named collection of fixed-size match values backed by a kernel
// hash map at run time.
type Set struct {
	Name string `json:"name"`
	Key  SetKey `json:"key"`

	// Elems are textual element values parsed according to Key:
	// dotted-quad or IPv6 addresses, or decimal port numbers.
	Elems []string `json:"elems"`
}

// Validate checks the set definition, including that every element parses.
func (s *Set) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSet)
	}
	if s.Key >= setKeyCount {
		return fmt.Errorf("%w: %q: unknown key", ErrInvalidSet, s.Name)
	}
	if len(s.Elems) == 0 {
		return fmt.Errorf("%w: %q: empty set", ErrInvalidSet, s.Name)
	}
	_, err := s.ElemBytes()
	return err
}

// ElemBytes parses every element into its fixed-size key encoding: IPv4
// addresses as 4 bytes, IPv6 as 16 bytes, ports as 2 big-endian bytes.
func (s *Set) ElemBytes() ([][]byte, error) {
	out := make([][]byte, 0, len(s.Elems))
	for _, e := range s.Elems {
		switch s.Key {
		case SetKeyIPv4, SetKeyIPv6:
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: elem %q: %v", ErrInvalidSet,
					s.Name, e, err)
			}
			if s.Key == SetKeyIPv4 {
				if !addr.Is4() {
					return nil, fmt.Errorf("%w: %q: elem %q is not IPv4",
						ErrInvalidSet, s.Name, e)
				}
				v := addr.As4()
				out = append(out, v[:])
			} else {
				if !addr.Is6() || addr.Is4In6() {
					return nil, fmt.Errorf("%w: %q: elem %q is not IPv6",
						ErrInvalidSet, s.Name, e)
				}
				v := addr.As16()
				out = append(out, v[:])
			}

		case SetKeyPort:
			var port uint16
			if _, err := fmt.Sscanf(e, "%d", &port); err != nil || port == 0 {
				return nil, fmt.Errorf("%w: %q: bad port %q", ErrInvalidSet,
					s.Name, e)
			}
			out = append(out, []byte{byte(port >> 8), byte(port)})
		}
	}
	return out, nil
}
