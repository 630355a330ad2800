// cygnetd: BPF packet-filter daemon.
//
// cygnetd compiles declarative filter chains into BPF programs, attaches
// them to their kernel hooks, and keeps them running: programs pin their
// objects under bpffs and persist to a local store, so filters stay
// active across daemon restarts and reattach on startup.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/cygnetlabs/cygnet/pkg/chain"
	"github.com/cygnetlabs/cygnet/pkg/daemon"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// chainFiles collects the repeatable -chain flag.
type chainFiles []string

func (f *chainFiles) String() string { return strings.Join(*f, ",") }

func (f *chainFiles) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// Configuration flags
var (
	dataDir     = flag.String("data-dir", "/var/lib/cygnet", "Data directory for the program store")
	bpffsRoot   = flag.String("bpffs", "/sys/fs/bpf/cygnet", "bpffs directory for object pins (empty disables pinning)")
	cgroupRoot  = flag.String("cgroup", "/sys/fs/cgroup", "cgroup v2 mount for cgroup-bound hooks")
	ifaceName   = flag.String("iface", "", "Target interface for interface-bound hooks")
	nfPriority  = flag.Int("nf-priority", 0, "Netfilter hook priority")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	keepPins    = flag.Bool("keep-pins", true, "Keep filters attached through their pins on shutdown")
	showVersion = flag.Bool("version", false, "Print version and exit")

	chains chainFiles
)

func init() {
	flag.Var(&chains, "chain", "Chain definition file (JSON, repeatable)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cygnetd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	log := logrus.WithField("component", "main")
	log.Infof("starting cygnetd %s", Version)

	if err := run(log); err != nil {
		log.WithError(err).Fatal("cygnetd failed")
	}
	log.Info("cygnetd stopped")
}

func run(log *logrus.Entry) error {
	// Loading BPF objects charges locked memory on kernels without
	// cgroup-based accounting.
	if err := rlimit.RemoveMemlock(); err != nil {
		log.WithError(err).Warn("could not remove memlock limit")
	}

	d, err := daemon.New(&daemon.Config{
		DataDir:       *dataDir,
		BPFFSRoot:     *bpffsRoot,
		CgroupRoot:    *cgroupRoot,
		NFPriority:    int32(*nfPriority),
		DetachOnClose: !*keepPins,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	// Bring persisted chains back up, then apply the chain files on top.
	if _, err := d.Restore(); err != nil {
		return err
	}
	for _, path := range chains {
		ch, err := loadChainFile(path)
		if err != nil {
			return fmt.Errorf("chain file %s: %w", path, err)
		}
		if err := d.SetChain(ch, *ifaceName); err != nil {
			return fmt.Errorf("chain %q: %w", ch.Name, err)
		}
	}

	for _, st := range d.Status() {
		log.WithFields(logrus.Fields{
			"chain": st.Name,
			"hook":  st.Hook,
			"rules": st.Rules,
		}).Info("chain active")
	}

	// Block until signalled
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("received signal %v, shutting down", sig)
	return nil
}

// loadChainFile reads one declarative chain definition.
func loadChainFile(path string) (*chain.Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ch chain.Chain
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}
