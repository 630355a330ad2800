package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// hookTarget is the program type and expected attach type a hook loads
// under.
type hookTarget struct {
	prog   ebpf.ProgramType
	attach ebpf.AttachType
}

func hookTargetFor(h types.Hook) (hookTarget, error) {
	switch h {
	case types.HookXDP:
		return hookTarget{prog: ebpf.XDP}, nil
	case types.HookTCIngress:
		return hookTarget{prog: ebpf.SchedCLS, attach: ebpf.AttachTCXIngress}, nil
	case types.HookTCEgress:
		return hookTarget{prog: ebpf.SchedCLS, attach: ebpf.AttachTCXEgress}, nil
	case types.HookCgroupIngress:
		return hookTarget{prog: ebpf.CGroupSKB, attach: ebpf.AttachCGroupInetIngress}, nil
	case types.HookCgroupEgress:
		return hookTarget{prog: ebpf.CGroupSKB, attach: ebpf.AttachCGroupInetEgress}, nil
	case types.HookNFPreRouting, types.HookNFLocalIn, types.HookNFForward,
		types.HookNFLocalOut, types.HookNFPostRouting:
		return hookTarget{prog: ebpf.Netfilter, attach: ebpf.AttachNetfilter}, nil
	default:
		return hookTarget{}, fmt.Errorf("%w: %s", types.ErrUnknownHook, h)
	}
}

// nfFamilies are the protocol families a netfilter hook attaches
// under. Generated programs dispatch on the IP version nibble, so one
// program covers both families through two links.
var nfFamilies = [...]uint32{types.NFProtoIPv4, types.NFProtoIPv6}

// nfLinkPin derives the per-family pin path for a netfilter link. The
// IPv4 link takes the base path, the IPv6 link a "6" suffix.
func nfLinkPin(base string, family uint32) string {
	if base == "" || family == types.NFProtoIPv4 {
		return base
	}
	return base + "6"
}

// attachLinks attaches prog at p's hook and returns the created links
// together with the pin path each one persists under. Netfilter hooks
// produce two links, one per protocol family; every other hook one.
func (k *Kernel) attachLinks(p *codegen.Program, prog *ebpf.Program) ([]link.Link, []string, error) {
	tgt, err := hookTargetFor(p.Hook())
	if err != nil {
		return nil, nil, err
	}

	var links []link.Link
	var pins []string
	fail := func(err error) ([]link.Link, []string, error) {
		for _, l := range links {
			l.Close()
		}
		return nil, nil, err
	}

	hook := p.Hook()
	switch {
	case hook == types.HookXDP:
		l, err := link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: p.Ifindex(),
		})
		if err != nil {
			return fail(fmt.Errorf("attach xdp on ifindex %d: %w", p.Ifindex(), err))
		}
		links = append(links, l)
		pins = append(pins, p.LinkPin())

	case hook == types.HookTCIngress, hook == types.HookTCEgress:
		l, err := link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Attach:    tgt.attach,
			Interface: p.Ifindex(),
		})
		if err != nil {
			return fail(fmt.Errorf("attach tcx %s on ifindex %d: %w", hook, p.Ifindex(), err))
		}
		links = append(links, l)
		pins = append(pins, p.LinkPin())

	case hook.CgroupBound():
		l, err := link.AttachCgroup(link.CgroupOptions{
			Path:    k.cfg.CgroupRoot,
			Attach:  tgt.attach,
			Program: prog,
		})
		if err != nil {
			return fail(fmt.Errorf("attach cgroup %s at %s: %w", hook, k.cfg.CgroupRoot, err))
		}
		links = append(links, l)
		pins = append(pins, p.LinkPin())

	case hook.Netfilter():
		num, _ := hook.NFHookNum()
		for _, fam := range nfFamilies {
			l, err := link.AttachNetfilter(link.NetfilterOptions{
				Program:        prog,
				ProtocolFamily: fam,
				HookNumber:     num,
				Priority:       k.cfg.NFPriority,
			})
			if err != nil {
				return fail(fmt.Errorf("attach netfilter family %d hook %d: %w", fam, num, err))
			}
			links = append(links, l)
			pins = append(pins, nfLinkPin(p.LinkPin(), fam))
		}

	default:
		return nil, nil, fmt.Errorf("%w: %s", types.ErrUnknownHook, hook)
	}
	return links, pins, nil
}
