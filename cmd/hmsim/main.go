// Command hmsim runs the hybrid-memory placement-policy simulator (spec
// §6.1): it loads two tier configs and a policy mapping, replays one or
// more memory-access traces through the controller, and reports
// statistics.
//
// Grounded on _examples/ja7ad-consumption/cmd/consumption/main.go and
// inference-sim-inference-sim's cobra-based simulator CLI shape
// (other_examples/manifests): a single root command with pflag-backed
// flags and positional file arguments, built with spf13/cobra.
package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hybridmem/hmsim/internal/config"
	"github.com/hybridmem/hmsim/internal/controller"
	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/policy/cameo"
	"github.com/hybridmem/hmsim/internal/policy/mempod"
	"github.com/hybridmem/hmsim/internal/policy/vg"
	"github.com/hybridmem/hmsim/internal/statsio"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	warmupInstructions uint64
	simInstructions    uint64
	hideHeartbeat      bool
	cloudsuite         bool
	jsonPath           string
	statsPath          string
	mappingPath        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("hmsim: run failed")
		if errors.Is(err, controller.ErrDeadlock) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "hmsim tier1-config tier2-config trace...",
		Short: "Cycle-level hybrid-memory placement-policy simulator",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}
	flags := cmd.Flags()
	flags.Uint64Var(&opts.warmupInstructions, "warmup-instructions", 0, "accesses to replay before stats collection begins")
	flags.Uint64Var(&opts.simInstructions, "simulation-instructions", 0, "accesses to replay once warmup ends (0 = until trace exhausted)")
	flags.BoolVar(&opts.hideHeartbeat, "hide-heartbeat", false, "suppress periodic progress output")
	flags.BoolVar(&opts.cloudsuite, "cloudsuite", false, "parse traces in CloudSuite's two-address-space trace format")
	flags.StringVar(&opts.jsonPath, "json", "", "write a JSON statistics snapshot to this path")
	flags.StringVar(&opts.statsPath, "stats", "", "write a text statistics snapshot to this path (default stdout)")
	flags.StringVar(&opts.mappingPath, "mapping", "", "placement-policy mapping YAML file (required)")
	cmd.MarkFlagRequired("mapping")
	return cmd
}

func run(opts *options, args []string) error {
	tier1Path, tier2Path, traces := args[0], args[1], args[2:]

	tier1, err := config.LoadTier(tier1Path)
	if err != nil {
		return err
	}
	tier2, err := config.LoadTier(tier2Path)
	if err != nil {
		return err
	}
	mapping, err := config.LoadMapping(opts.mappingPath)
	if err != nil {
		return err
	}

	pol, err := buildPolicy(mapping, tier1, tier2)
	if err != nil {
		return err
	}

	ctrl := controller.New(controller.Config{
		FastBytes:      tier1.CapacityBytes,
		Policy:         pol,
		FastQueueCap:   tier1.QueueCapacity,
		SlowQueueCap:   tier2.QueueCapacity,
		FastClockNum:   nonZero(tier1.ClockNumerator),
		FastClockDen:   nonZero(tier1.ClockDenominator),
		SlowClockNum:   nonZero(tier2.ClockNumerator),
		SlowClockDen:   nonZero(tier2.ClockDenominator),
	})

	var processed, warmedUp uint64
	heartbeatEvery := uint64(1_000_000)

	for _, tracePath := range traces {
		if err := replayTrace(tracePath, opts.cloudsuite, func(acc access) error {
			if err := apply(ctrl, acc); err != nil {
				return err
			}
			if err := ctrl.Operate(); err != nil {
				return err
			}
			processed++

			if warmedUp < opts.warmupInstructions {
				warmedUp++
			}
			if !opts.hideHeartbeat && processed%heartbeatEvery == 0 {
				fmt.Fprintf(os.Stderr, "heartbeat: %d accesses processed\n", processed)
			}
			if opts.simInstructions != 0 && warmedUp >= opts.warmupInstructions &&
				processed-opts.warmupInstructions >= opts.simInstructions {
				return errStop
			}
			return nil
		}); err != nil && err != errStop {
			return fmt.Errorf("hmsim: replay %s: %w", tracePath, err)
		}
	}

	return writeStats(opts, ctrl, mapping.Policy, processed)
}

var errStop = fmt.Errorf("hmsim: simulation window complete")

func nonZero(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

func buildPolicy(m config.Mapping, tier1, tier2 config.Tier) (policy.Policy, error) {
	switch m.Policy {
	case "cameo":
		return cameo.New(cameo.Config{
			FastBytes: tier1.CapacityBytes,
			SlowBytes: tier2.CapacityBytes,
			Threshold: m.Threshold,
			QueueCap:  m.QueueCapacity,
		})
	case "mempod":
		return mempod.New(mempod.Config{
			FastBytes:  tier1.CapacityBytes,
			SlowBytes:  tier2.CapacityBytes,
			EpochTicks: m.EpochTicks,
			QueueCap:   m.QueueCapacity,
		})
	case "vg":
		return vg.New(vg.Config{
			FastBytes:     tier1.CapacityBytes,
			SlowBytes:     tier2.CapacityBytes,
			DecayInterval: m.DecayInterval,
			QueueCap:      m.QueueCapacity,
		})
	default:
		return nil, fmt.Errorf("hmsim: unknown policy %q", m.Policy)
	}
}

type access struct {
	write bool
	pa    uint64
	data  []byte
}

// cloudsuiteAddressSpaceOffset keeps CloudSuite's two independent VM images
// from colliding in simulated physical memory: address-space 1's addresses
// are shifted into their own disjoint half of the PA range, the same role
// the original's get_tracereader address-space remapping plays.
const cloudsuiteAddressSpaceOffset = 1 << 40

// replayTrace parses a simple per-line trace format and invokes fn for
// each access, stopping early if fn returns a non-nil error. The default
// format is "R <hex>" / "W <hex> <hex-bytes>"; with cloudsuite set, each
// line carries an extra leading address-space field ("R <space> <hex>" /
// "W <space> <hex> <hex-bytes>") and accesses from space 1 are offset by
// cloudsuiteAddressSpaceOffset so the two VM images never alias.
func replayTrace(path string, cloudsuite bool, fn func(access) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	addrIdx, dataIdx := 1, 2
	if cloudsuite {
		addrIdx, dataIdx = 2, 3
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) <= addrIdx {
			continue
		}
		pa, err := strconv.ParseUint(strings.TrimPrefix(fields[addrIdx], "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", fields[addrIdx], err)
		}
		if cloudsuite {
			space, err := strconv.ParseUint(fields[1], 10, 8)
			if err != nil {
				return fmt.Errorf("bad address space %q: %w", fields[1], err)
			}
			if space == 1 {
				pa += cloudsuiteAddressSpaceOffset
			}
		}
		acc := access{pa: pa}
		switch strings.ToUpper(fields[0]) {
		case "R":
		case "W":
			acc.write = true
			acc.data = make([]byte, 64)
			if len(fields) > dataIdx {
				data, err := hex.DecodeString(strings.TrimPrefix(fields[dataIdx], "0x"))
				if err != nil {
					return fmt.Errorf("bad write data %q: %w", fields[dataIdx], err)
				}
				copy(acc.data, data)
			}
		default:
			continue
		}
		if err := fn(acc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func apply(ctrl *controller.Controller, acc access) error {
	if acc.write {
		return ctrl.AddWQ(acc.pa, acc.data)
	}
	return ctrl.AddRQ(acc.pa)
}

func writeStats(opts *options, ctrl *controller.Controller, policyKind string, ticks uint64) error {
	stats := ctrl.ControllerStats()
	snap := statsio.Snapshot{
		Ticks:                      ticks,
		Reads:                      stats.Reads,
		Writes:                     stats.Writes,
		SwapBufferHits:             stats.SwapBufferHits,
		DeadlockWarnings:           stats.DeadlockWarnings,
		PolicyKind:                 policyKind,
		TrackedAccesses:            stats.Policy.TrackedAccesses,
		RemappingRequestsIssued:    stats.Policy.RemappingRequestsIssued,
		RemappingRequestsCommitted: stats.Policy.RemappingRequestsCommitted,
		QueueCongestion:            stats.Policy.QueueCongestion,
		NoFreeSpaceForMigration:    stats.Policy.NoFreeSpaceForMigration,
	}

	textDest := os.Stdout
	if opts.statsPath != "" {
		f, err := os.Create(opts.statsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		textDest = f
	}
	if err := statsio.NewTextSink(textDest).Write(snap); err != nil {
		return err
	}

	if opts.jsonPath != "" {
		f, err := os.Create(opts.jsonPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := statsio.NewJSONSink(f).Write(snap); err != nil {
			return err
		}
	}
	return nil
}
