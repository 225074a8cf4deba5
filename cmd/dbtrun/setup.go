package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/spf13/cobra"
)

// guestFlags describes how to build and load a machine. Every command that
// touches a guest shares them.
type guestFlags struct {
	configPath string
	image      string
	base       string
	entry      string
	long       bool
	user       bool
	stackTop   string
	stackSize  uint64
	demand     []string
	handlers   []string
	profile    string
	prewarm    int
	logLevel   string
	logModules string
}

func (g *guestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&g.configPath, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&g.image, "image", "i", "", "Raw guest image")
	fs.StringVar(&g.base, "base", "0x1000", "Load address of the image")
	fs.StringVar(&g.entry, "entry", "", "Entry point (defaults to --base)")
	fs.BoolVar(&g.long, "long", true, "Run in 64-bit mode")
	fs.BoolVar(&g.user, "user", false, "Run at user privilege")
	fs.StringVar(&g.stackTop, "stack-top", "0x80000", "Initial stack pointer")
	fs.Uint64Var(&g.stackSize, "stack-size", 0x4000, "Bytes of stack mapped below --stack-top (0 maps none)")
	fs.StringSliceVar(&g.demand, "demand", nil, "Demand-mapped region start-end, repeatable")
	fs.StringSliceVar(&g.handlers, "handler", nil, "Exception handler vector=addr, repeatable")
	fs.StringVar(&g.profile, "profile", "", "Profile store directory; enables profiling")
	fs.IntVar(&g.prewarm, "prewarm", 0, "Translate the N hottest profiled units before running")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (overrides the config file)")
	fs.StringVar(&g.logModules, "debug", "", "Comma separated log modules to enable")
}

func (g *guestFlags) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logModules != "" {
		cfg.Log.Modules = g.logModules
	}
	if g.profile != "" {
		cfg.Profile.Enabled = true
		cfg.Profile.Path = g.profile
	}
	if g.prewarm > 0 {
		cfg.Profile.Prewarm = g.prewarm
	}
	if err := log.InitLogger(cfg.Log.Level); err != nil {
		return cfg, err
	}
	if cfg.Log.Modules != "" {
		log.EnableModules(cfg.Log.Modules)
	}
	return cfg, cfg.Validate()
}

// build creates the machine and loads the image, stack, demand regions and
// handlers. The caller owns the returned machine.
func (g *guestFlags) build(cfg config.Config) (*machine.Machine, error) {
	if g.image == "" {
		return nil, fmt.Errorf("--image is required")
	}
	base, err := parseAddr(g.base)
	if err != nil {
		return nil, fmt.Errorf("--base: %w", err)
	}
	entry := base
	if g.entry != "" {
		if entry, err = parseAddr(g.entry); err != nil {
			return nil, fmt.Errorf("--entry: %w", err)
		}
	}

	m, err := machine.New(cfg, g.long)
	if err != nil {
		return nil, err
	}
	userBit := mmu.Perm(0)
	if g.user {
		userBit = mmu.PermUser
	}
	if err := g.populate(m, base, userBit); err != nil {
		m.Close()
		return nil, err
	}
	m.State.SetUser(g.user)
	m.State.RIP = entry
	return m, nil
}

func (g *guestFlags) populate(m *machine.Machine, base uint64, userBit mmu.Perm) error {
	n, err := m.LoadFile(g.image, base, mmu.PermRWX|userBit)
	if err != nil {
		return err
	}
	log.Info(log.MMUMonitoring, "image loaded", "path", g.image, "base", fmt.Sprintf("%#x", base), "bytes", n)

	if g.stackSize > 0 {
		top, err := parseAddr(g.stackTop)
		if err != nil {
			return fmt.Errorf("--stack-top: %w", err)
		}
		if g.stackSize > top {
			return fmt.Errorf("stack of %#x bytes does not fit below %#x", g.stackSize, top)
		}
		if err := m.MMU.Map(top-g.stackSize, g.stackSize, mmu.PermRead|mmu.PermWrite|userBit); err != nil {
			return err
		}
		m.State.SetReg("rsp", top)
	}
	for _, d := range g.demand {
		start, end, err := parseRange(d)
		if err != nil {
			return fmt.Errorf("--demand %q: %w", d, err)
		}
		m.MMU.AddDemandRegion(start, end, mmu.PermRead|mmu.PermWrite|userBit)
	}
	for _, h := range g.handlers {
		vec, addr, ok := strings.Cut(h, "=")
		if !ok {
			return fmt.Errorf("--handler %q: want vector=addr", h)
		}
		v, err := strconv.ParseUint(vec, 0, 8)
		if err != nil {
			return fmt.Errorf("--handler %q: %w", h, err)
		}
		pc, err := parseAddr(addr)
		if err != nil {
			return fmt.Errorf("--handler %q: %w", h, err)
		}
		m.State.SetHandler(uint8(v), pc)
	}
	return nil
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

func parseRange(s string) (uint64, uint64, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("want start-end")
	}
	start, err := parseAddr(lo)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseAddr(hi)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("empty range")
	}
	return start, end, nil
}
