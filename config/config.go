// Package config handles the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/colorfulnotion/dbt/dbterrors"
)

// Config is the full engine configuration.
type Config struct {
	Arena     Arena     `toml:"arena"`
	Cache     Cache     `toml:"cache"`
	Translate Translate `toml:"translate"`
	Dispatch  Dispatch  `toml:"dispatch"`
	Log       Log       `toml:"log"`
	Profile   Profile   `toml:"profile"`
}

// Arena sizes the code arena.
type Arena struct {
	Size int `toml:"size"`
}

// Cache sizes the per-context jump cache and the physical hash table.
type Cache struct {
	JumpCacheBits int `toml:"jump-cache-bits"`
	PhysHashBits  int `toml:"phys-hash-bits"`
}

// Translate bounds a single translation unit.
type Translate struct {
	MaxInsns int `toml:"max-insns"`
	MaxBytes int `toml:"max-bytes"`
}

// Dispatch controls dispatcher behaviour.
type Dispatch struct {
	Chaining     bool `toml:"chaining"`
	ReturnOnHalt bool `toml:"return-on-halt"`
}

// Log selects the level and the modules whose debug output is shown.
type Log struct {
	Level   string `toml:"level"`
	Modules string `toml:"modules"`
}

// Profile points at the execution profile store. An empty path keeps it in memory.
type Profile struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
	Prewarm int    `toml:"prewarm"`
}

const (
	DefaultArenaSize     = 16 << 20
	DefaultJumpCacheBits = 12
	DefaultPhysHashBits  = 15
	DefaultMaxInsns      = 512
	DefaultMaxBytes      = 4096
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Arena:     Arena{Size: DefaultArenaSize},
		Cache:     Cache{JumpCacheBits: DefaultJumpCacheBits, PhysHashBits: DefaultPhysHashBits},
		Translate: Translate{MaxInsns: DefaultMaxInsns, MaxBytes: DefaultMaxBytes},
		Dispatch:  Dispatch{Chaining: true},
		Log:       Log{Level: "info"},
	}
}

// Decode parses TOML text over the defaults.
func Decode(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", dbterrors.ErrBadConfig, err)
	}
	return cfg, cfg.Validate()
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := Decode(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Arena.Size < 4096:
		return fmt.Errorf("%w: arena size %d below 4096", dbterrors.ErrBadConfig, c.Arena.Size)
	case c.Cache.JumpCacheBits < 1 || c.Cache.JumpCacheBits > 20:
		return fmt.Errorf("%w: jump-cache-bits %d out of range 1..20", dbterrors.ErrBadConfig, c.Cache.JumpCacheBits)
	case c.Cache.PhysHashBits < 1 || c.Cache.PhysHashBits > 24:
		return fmt.Errorf("%w: phys-hash-bits %d out of range 1..24", dbterrors.ErrBadConfig, c.Cache.PhysHashBits)
	case c.Translate.MaxInsns < 1:
		return fmt.Errorf("%w: max-insns must be positive", dbterrors.ErrBadConfig)
	case c.Translate.MaxBytes < 16:
		return fmt.Errorf("%w: max-bytes %d below 16", dbterrors.ErrBadConfig, c.Translate.MaxBytes)
	case c.Profile.Prewarm < 0:
		return fmt.Errorf("%w: prewarm must not be negative", dbterrors.ErrBadConfig)
	}
	return nil
}

// Encode renders c as TOML, used by `dbtrun config`.
func (c Config) Encode() (string, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}
