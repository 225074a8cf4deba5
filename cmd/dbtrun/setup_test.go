package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/dbt/config"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("0x4000-0x8000")
	require.NoError(t, err)
	require.EqualValues(t, 0x4000, start)
	require.EqualValues(t, 0x8000, end)

	_, _, err = parseRange("0x8000-0x4000")
	require.Error(t, err)
	_, _, err = parseRange("0x8000")
	require.Error(t, err)
}

func TestBuildGuest(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "loop.bin")
	require.NoError(t, os.WriteFile(image, []byte{0xFF, 0xC1, 0x81, 0xF9, 0xE8, 0x03, 0x00, 0x00, 0x75, 0xF6, 0xF4}, 0o644))

	g := guestFlags{
		image:     image,
		base:      "0x2000",
		entry:     "0x2000",
		long:      true,
		stackTop:  "0x80000",
		stackSize: 0x1000,
		demand:    []string{"0x100000-0x200000"},
		handlers:  []string{"14=0x3000"},
		logLevel:  "error",
	}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	cfg.Arena.Size = 1 << 20
	m, err := g.build(cfg)
	require.NoError(t, err)
	defer m.Close()

	require.EqualValues(t, 0x2000, m.State.RIP)
	rsp, _ := m.State.Reg("rsp")
	require.EqualValues(t, 0x80000, rsp)
	require.EqualValues(t, 0x3000, m.State.IDT[14])

	g.handlers = []string{"14:0x3000"}
	_, err = g.build(cfg)
	require.Error(t, err)

	g.image = ""
	_, err = g.build(config.Default())
	require.Error(t, err)
}
