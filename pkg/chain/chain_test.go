package chain

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/cygnetlabs/cygnet/internal/types"
)

func testChain() *Chain {
	return &Chain{
		Name:   "test-chain",
		Hook:   types.HookXDP,
		Policy: types.VerdictAccept,
		Sets: []Set{
			{Name: "blocklist", Key: SetKeyIPv4, Elems: []string{"10.0.0.1", "10.0.0.2"}},
		},
		Rules: []Rule{
			{
				Matchers: []Matcher{
					{Type: MatchIP4SrcAddr, Addr: netip.MustParseAddr("192.168.1.1")},
				},
				Counter: true,
				Verdict: types.VerdictDrop,
			},
			{
				Matchers: []Matcher{
					{Type: MatchIP4SrcSet, Op: OpIn, Set: 0},
				},
				Counter: true,
				Verdict: types.VerdictDrop,
			},
			{
				Matchers: []Matcher{
					{Type: MatchTCPDstPort, Port: 22},
				},
				Verdict: types.VerdictAccept,
			},
		},
	}
}

func TestChainValidate(t *testing.T) {
	if err := testChain().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*Chain)
		want   error
	}{
		{"empty_name", func(c *Chain) { c.Name = "" }, ErrInvalidChain},
		{"bad_hook", func(c *Chain) { c.Hook = types.Hook(200) }, ErrInvalidChain},
		{"continue_policy", func(c *Chain) { c.Policy = types.VerdictContinue }, ErrInvalidChain},
		{"set_out_of_range", func(c *Chain) { c.Rules[1].Matchers[0].Set = 3 }, ErrInvalidChain},
		{"set_key_mismatch", func(c *Chain) { c.Sets[0].Key = SetKeyPort; c.Sets[0].Elems = []string{"80"} }, ErrInvalidChain},
		{"bad_matcher_addr", func(c *Chain) { c.Rules[0].Matchers[0].Addr = netip.MustParseAddr("fe80::1") }, ErrInvalidChain},
		{"zero_port", func(c *Chain) { c.Rules[2].Matchers[0].Port = 0 }, ErrInvalidChain},
		{"continue_without_counter", func(c *Chain) {
			c.Rules[2].Verdict = types.VerdictContinue
		}, ErrInvalidChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChain()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCounterConvention(t *testing.T) {
	c := testChain()
	if got := c.NumCounters(); got != 5 {
		t.Errorf("NumCounters() = %d, want 5", got)
	}
	if got := c.PolicyCounterIdx(); got != 3 {
		t.Errorf("PolicyCounterIdx() = %d, want 3", got)
	}
	if got := c.ErrorCounterIdx(); got != 4 {
		t.Errorf("ErrorCounterIdx() = %d, want 4", got)
	}
}

func TestChainJSONRoundTrip(t *testing.T) {
	c := testChain()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var back Chain
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("round-tripped chain invalid: %v", err)
	}

	if back.Name != c.Name || back.Hook != c.Hook || back.Policy != c.Policy {
		t.Error("identity fields did not survive the round trip")
	}
	if len(back.Rules) != len(c.Rules) || len(back.Sets) != len(c.Sets) {
		t.Fatal("rule/set counts did not survive the round trip")
	}
	if back.Rules[1].Matchers[0].Op != OpIn {
		t.Errorf("matcher op = %v, want in", back.Rules[1].Matchers[0].Op)
	}
	if back.Rules[2].Matchers[0].Port != 22 {
		t.Errorf("matcher port = %d, want 22", back.Rules[2].Matchers[0].Port)
	}
}

func TestChainFileParse(t *testing.T) {
	raw := `{
		"name": "edge-ingress",
		"hook": "tc_ingress",
		"policy": "accept",
		"rules": [
			{"matchers": [{"match": "ip4.saddr", "op": "ne", "addr": "10.1.0.0", "prefix": 16}],
			 "counter": true, "verdict": "drop"}
		]
	}`

	var c Chain
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if c.Hook != types.HookTCIngress {
		t.Errorf("hook = %v, want tc_ingress", c.Hook)
	}
	m := c.Rules[0].Matchers[0]
	if m.Type != MatchIP4SrcAddr || m.Op != OpNe || m.Prefix != 16 {
		t.Errorf("matcher = %+v, want ip4.saddr ne /16", m)
	}
}

func TestSetElemBytes(t *testing.T) {
	s := Set{Name: "s", Key: SetKeyIPv4, Elems: []string{"1.2.3.4"}}
	elems, err := s.ElemBytes()
	if err != nil {
		t.Fatalf("ElemBytes() failed: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	if len(elems) != 1 || string(elems[0]) != string(want) {
		t.Errorf("ElemBytes() = %v, want [%v]", elems, want)
	}

	s = Set{Name: "p", Key: SetKeyPort, Elems: []string{"443"}}
	elems, err = s.ElemBytes()
	if err != nil {
		t.Fatalf("ElemBytes() failed: %v", err)
	}
	if elems[0][0] != 0x01 || elems[0][1] != 0xbb {
		t.Errorf("port elem = %v, want [1 187]", elems[0])
	}

	s = Set{Name: "bad", Key: SetKeyIPv4, Elems: []string{"::1"}}
	if _, err := s.ElemBytes(); !errors.Is(err, ErrInvalidSet) {
		t.Errorf("ElemBytes(v6 in v4 set) = %v, want ErrInvalidSet", err)
	}
}

func TestIP4Payload(t *testing.T) {
	m := Matcher{Type: MatchIP4SrcAddr, Addr: netip.MustParseAddr("10.1.2.3")}
	addr, mask := m.IP4Payload()
	if addr != 0x0a010203 || mask != 0xffffffff {
		t.Errorf("IP4Payload() = %#x/%#x, want 0x0a010203/0xffffffff", addr, mask)
	}

	m.Prefix = 16
	addr, mask = m.IP4Payload()
	if addr != 0x0a010000 || mask != 0xffff0000 {
		t.Errorf("IP4Payload(/16) = %#x/%#x, want 0x0a010000/0xffff0000", addr, mask)
	}
}

func TestIP6Payload(t *testing.T) {
	m := Matcher{Type: MatchIP6SrcAddr, Addr: netip.MustParseAddr("2001:db8::1")}
	hi, lo, mhi, mlo := m.IP6Payload()
	if hi != 0x20010db800000000 || lo != 1 {
		t.Errorf("IP6Payload() addr = %#x %#x, want 0x20010db800000000 1", hi, lo)
	}
	if mhi != ^uint64(0) || mlo != ^uint64(0) {
		t.Errorf("IP6Payload() mask = %#x %#x, want all-ones", mhi, mlo)
	}

	m.Prefix = 32
	hi, lo, mhi, mlo = m.IP6Payload()
	if hi != 0x20010db800000000 || mhi != 0xffffffff00000000 || lo != 0 || mlo != 0 {
		t.Errorf("IP6Payload(/32) = %#x/%#x %#x/%#x", hi, mhi, lo, mlo)
	}
}
