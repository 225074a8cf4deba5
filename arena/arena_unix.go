//go:build unix

package arena

import (
	"golang.org/x/sys/unix"
)

// mapCode backs the arena with an anonymous private mapping so that its pages
// stay outside the Go heap and a fault inside it is attributable to the arena.
func mapCode(size int) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
