package host

import (
	"sync/atomic"
	"unsafe"
)

// The link word of an OpExitTB lives in its imm field: zero sends control back
// to the dispatcher, entry+1 chains directly to the unit at entry. Link words
// are the only bytes of published code that change, and only through these
// helpers so concurrent executors always observe a whole word.

func linkWord(code []byte, exitOff int) *uint64 {
	return (*uint64)(unsafe.Pointer(&code[exitOff+8]))
}

// LoadLink returns the chained entry offset of the exit at exitOff.
func LoadLink(code []byte, exitOff int) (entry int, linked bool) {
	w := atomic.LoadUint64(linkWord(code, exitOff))
	if w == 0 {
		return 0, false
	}
	return int(w - 1), true
}

// StoreLink chains the exit at exitOff to entry.
func StoreLink(code []byte, exitOff, entry int) {
	atomic.StoreUint64(linkWord(code, exitOff), uint64(entry)+1)
}

// ClearLink restores the exit at exitOff to return to the dispatcher.
func ClearLink(code []byte, exitOff int) {
	atomic.StoreUint64(linkWord(code, exitOff), 0)
}
