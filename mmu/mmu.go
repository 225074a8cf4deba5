// Package mmu is the guest address-translation subsystem: a page table over
// guest physical frames, demand-zero regions and write protection of pages
// that back translated code.
package mmu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
)

const (
	PageShift        = 12
	PageSize         = 1 << PageShift
	PageMask  uint64 = PageSize - 1
)

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser

	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("----")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	if p&PermUser != 0 {
		b[3] = 'u'
	}
	return string(b)
}

// PTE maps one guest virtual page to a physical frame.
type PTE struct {
	PFN  uint64
	Perm Perm
}

// Class is the outcome of fault classification.
type Class int

const (
	ClassUnknown   Class = iota // not a guest access; fatal
	ClassViolation              // guest-visible page fault
	ClassDemand                 // not yet backed, map and resume
	ClassCodeWrite              // write to a page holding translated code
	ClassSpurious               // the access is permitted now, resume
)

func (c Class) String() string {
	switch c {
	case ClassViolation:
		return "violation"
	case ClassDemand:
		return "demand"
	case ClassCodeWrite:
		return "code-write"
	case ClassSpurious:
		return "spurious"
	default:
		return "unknown"
	}
}

type region struct {
	start, end uint64
	perm       Perm
}

// MMU holds guest physical memory and the single address space mapping it.
type MMU struct {
	mu      sync.RWMutex
	frames  map[uint64]*[PageSize]byte
	nextPFN uint64
	pt      map[uint64]PTE
	demand  []region
	code    map[uint64]bool
	epoch   atomic.Uint64
}

func New() *MMU {
	m := &MMU{
		frames: make(map[uint64]*[PageSize]byte),
		pt:     make(map[uint64]PTE),
		code:   make(map[uint64]bool),
	}
	m.epoch.Store(1)
	return m
}

// Epoch changes whenever a virtual to physical mapping changes.
func (m *MMU) Epoch() uint64 { return m.epoch.Load() }

func (m *MMU) allocFrame() uint64 {
	pfn := m.nextPFN
	m.nextPFN++
	m.frames[pfn] = new([PageSize]byte)
	return pfn
}

// Map backs [vaddr, vaddr+size) with fresh zeroed frames.
func (m *MMU) Map(vaddr, size uint64, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := vaddr >> PageShift
	last := (vaddr + size - 1) >> PageShift
	for vpn := first; vpn <= last; vpn++ {
		if _, ok := m.pt[vpn]; ok {
			return fmt.Errorf("%w: page %#x", dbterrors.ErrAlreadyMapped, vpn<<PageShift)
		}
	}
	for vpn := first; vpn <= last; vpn++ {
		m.pt[vpn] = PTE{PFN: m.allocFrame(), Perm: perm}
	}
	m.epoch.Add(1)
	return nil
}

// Alias maps vaddr onto the frame already backing src, as a second view of the same physical page.
func (m *MMU) Alias(vaddr, src uint64, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pte, ok := m.pt[src>>PageShift]
	if !ok {
		return fmt.Errorf("%w: %#x", dbterrors.ErrNotMapped, src)
	}
	m.pt[vaddr>>PageShift] = PTE{PFN: pte.PFN, Perm: perm}
	m.epoch.Add(1)
	return nil
}

// Unmap drops the mapping of the page holding vaddr. The frame stays allocated.
func (m *MMU) Unmap(vaddr uint64) {
	m.mu.Lock()
	delete(m.pt, vaddr>>PageShift)
	m.mu.Unlock()
	m.epoch.Add(1)
}

// Protect changes the guest permissions of the page holding vaddr.
func (m *MMU) Protect(vaddr uint64, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vpn := vaddr >> PageShift
	pte, ok := m.pt[vpn]
	if !ok {
		return fmt.Errorf("%w: %#x", dbterrors.ErrNotMapped, vaddr)
	}
	pte.Perm = perm
	m.pt[vpn] = pte
	m.epoch.Add(1)
	return nil
}

// AddDemandRegion makes [start, end) map lazily on first touch.
func (m *MMU) AddDemandRegion(start, end uint64, perm Perm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demand = append(m.demand, region{start: start &^ PageMask, end: end, perm: perm})
	sort.Slice(m.demand, func(i, j int) bool { return m.demand[i].start < m.demand[j].start })
}

func (m *MMU) demandRegion(vaddr uint64) (region, bool) {
	for _, r := range m.demand {
		if vaddr >= r.start && vaddr < r.end {
			return r, true
		}
	}
	return region{}, false
}

// MapOnDemand backs the page of vaddr if it lies in a demand region.
func (m *MMU) MapOnDemand(vaddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vpn := vaddr >> PageShift
	if _, ok := m.pt[vpn]; ok {
		return nil
	}
	r, ok := m.demandRegion(vaddr)
	if !ok {
		return fmt.Errorf("%w: %#x outside demand regions", dbterrors.ErrNotMapped, vaddr)
	}
	m.pt[vpn] = PTE{PFN: m.allocFrame(), Perm: r.perm}
	m.epoch.Add(1)
	log.Debug(log.MMUMonitoring, "demand map", "vaddr", fmt.Sprintf("%#x", vaddr), "perm", r.perm)
	return nil
}

// Lookup returns the page table entry for vaddr without permission checks.
func (m *MMU) Lookup(vaddr uint64) (PTE, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pte, ok := m.pt[vaddr>>PageShift]
	return pte, ok
}

// PhysPage returns the physical page number backing vaddr, if any.
func (m *MMU) PhysPage(vaddr uint64) (uint64, bool) {
	pte, ok := m.Lookup(vaddr)
	return pte.PFN, ok
}

func (m *MMU) check(vaddr uint64, access host.Access, user bool) (PTE, *host.Fault) {
	fault := &host.Fault{Addr: vaddr, Access: access, Space: host.SpaceGuest, User: user}
	pte, ok := m.pt[vaddr>>PageShift]
	if !ok {
		return pte, fault
	}
	if user && pte.Perm&PermUser == 0 {
		return pte, fault
	}
	switch access {
	case host.AccessRead:
		if pte.Perm&PermRead == 0 {
			return pte, fault
		}
	case host.AccessWrite:
		if pte.Perm&PermWrite == 0 || m.code[pte.PFN] {
			return pte, fault
		}
	case host.AccessFetch:
		if pte.Perm&PermExec == 0 {
			return pte, fault
		}
	}
	return pte, nil
}

// Translate resolves vaddr for the given access, returning the guest physical address.
func (m *MMU) Translate(vaddr uint64, access host.Access, user bool) (uint64, *host.Fault) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pte, f := m.check(vaddr, access, user)
	if f != nil {
		return 0, f
	}
	return pte.PFN<<PageShift | vaddr&PageMask, nil
}

// Classify decides how a fault reported by host code must be handled.
func (m *MMU) Classify(f host.Fault) Class {
	if f.Space != host.SpaceGuest {
		return ClassUnknown
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pte, ok := m.pt[f.Addr>>PageShift]
	if !ok {
		if _, ok := m.demandRegion(f.Addr); ok {
			return ClassDemand
		}
		return ClassViolation
	}
	if f.User && pte.Perm&PermUser == 0 {
		return ClassViolation
	}
	switch f.Access {
	case host.AccessRead:
		if pte.Perm&PermRead == 0 {
			return ClassViolation
		}
	case host.AccessWrite:
		if pte.Perm&PermWrite == 0 {
			return ClassViolation
		}
		if m.code[pte.PFN] {
			return ClassCodeWrite
		}
	case host.AccessFetch:
		if pte.Perm&PermExec == 0 {
			return ClassViolation
		}
	}
	return ClassSpurious
}

// Page fault error code bits, as pushed by x86 for vector 14.
const (
	PFPresent = 1 << 0
	PFWrite   = 1 << 1
	PFUser    = 1 << 2
	PFFetch   = 1 << 4
)

// ErrorCode builds the page fault error code for f.
func (m *MMU) ErrorCode(f host.Fault) uint32 {
	var code uint32
	if _, ok := m.Lookup(f.Addr); ok {
		code |= PFPresent
	}
	if f.Access == host.AccessWrite {
		code |= PFWrite
	}
	if f.Access == host.AccessFetch {
		code |= PFFetch
	}
	if f.User {
		code |= PFUser
	}
	return code
}

// ProtectCode write-protects a physical page that backs translated code.
func (m *MMU) ProtectCode(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code[pfn] = true
}

// UnprotectCode lifts the write protection of a physical page.
func (m *MMU) UnprotectCode(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.code, pfn)
}

// UnprotectAll lifts every code protection, used after a full flush.
func (m *MMU) UnprotectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.code)
}

func (m *MMU) IsCodeProtected(pfn uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code[pfn]
}

// ReadPhys copies bytes of the physical page pfn starting at off.
func (m *MMU) ReadPhys(pfn uint64, off int, dst []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frame, ok := m.frames[pfn]
	if !ok {
		return 0
	}
	return copy(dst, frame[off:])
}

func (m *MMU) access(vaddr uint64, buf []byte, access host.Access, user bool) *host.Fault {
	if access == host.AccessWrite {
		m.mu.Lock()
		defer m.mu.Unlock()
	} else {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	// check every page first so a straddling access is all or nothing
	for p := vaddr &^ PageMask; p < vaddr+uint64(len(buf)); p += PageSize {
		a := p
		if a < vaddr {
			a = vaddr
		}
		if _, f := m.check(a, access, user); f != nil {
			return f
		}
	}
	for done := 0; done < len(buf); {
		va := vaddr + uint64(done)
		pte := m.pt[va>>PageShift]
		frame := m.frames[pte.PFN]
		off := int(va & PageMask)
		var n int
		if access == host.AccessWrite {
			n = copy(frame[off:], buf[done:])
		} else {
			n = copy(buf[done:], frame[off:])
		}
		done += n
	}
	return nil
}

// View is the MMU seen from one privilege level. It implements host.Memory.
type View struct {
	m    *MMU
	user bool
}

// As returns the memory view used by host code running at the given privilege.
func (m *MMU) As(user bool) View { return View{m: m, user: user} }

// Memory is As behind the host.Memory interface.
func (m *MMU) Memory(user bool) host.Memory { return m.As(user) }

func (v View) Load(addr uint64, size int) (uint64, *host.Fault) {
	var buf [8]byte
	if f := v.m.access(addr, buf[:size], host.AccessRead, v.user); f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (v View) Store(addr uint64, size int, val uint64) *host.Fault {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return v.m.access(addr, buf[:size], host.AccessWrite, v.user)
}

// Fetch reads instruction bytes at vaddr without crossing into the next page.
func (v View) Fetch(vaddr uint64, dst []byte) (int, *host.Fault) {
	n := int(PageSize - vaddr&PageMask)
	if n > len(dst) {
		n = len(dst)
	}
	if f := v.m.access(vaddr, dst[:n], host.AccessFetch, v.user); f != nil {
		return 0, f
	}
	return n, nil
}

// WriteBytes stores data at vaddr ignoring permissions; used by loaders and debuggers.
// Pages it touches that back translated code are returned so the caller can invalidate them.
func (m *MMU) WriteBytes(vaddr uint64, data []byte) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var touched []uint64
	for done := 0; done < len(data); {
		va := vaddr + uint64(done)
		pte, ok := m.pt[va>>PageShift]
		if !ok {
			return touched, fmt.Errorf("%w: %#x", dbterrors.ErrNotMapped, va)
		}
		if m.code[pte.PFN] {
			touched = append(touched, pte.PFN)
		}
		done += copy(m.frames[pte.PFN][va&PageMask:], data[done:])
	}
	return touched, nil
}

// ReadBytes loads n bytes at vaddr ignoring permissions.
func (m *MMU) ReadBytes(vaddr uint64, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, n)
	for done := 0; done < n; {
		va := vaddr + uint64(done)
		pte, ok := m.pt[va>>PageShift]
		if !ok {
			return out[:done], fmt.Errorf("%w: %#x", dbterrors.ErrNotMapped, va)
		}
		done += copy(out[done:], m.frames[pte.PFN][va&PageMask:])
	}
	return out, nil
}

// LoadImage maps any missing pages of [vaddr, vaddr+len(data)) with perm and copies data in.
func (m *MMU) LoadImage(vaddr uint64, data []byte, perm Perm) error {
	if len(data) == 0 {
		return nil
	}
	m.mu.Lock()
	first := vaddr >> PageShift
	last := (vaddr + uint64(len(data)) - 1) >> PageShift
	for vpn := first; vpn <= last; vpn++ {
		if _, ok := m.pt[vpn]; !ok {
			m.pt[vpn] = PTE{PFN: m.allocFrame(), Perm: perm}
		}
	}
	m.mu.Unlock()
	m.epoch.Add(1)
	_, err := m.WriteBytes(vaddr, data)
	return err
}
