// Package loader maps the loadable segments of an ELF runtime library
// into an injection target, replaying the file's segment plan entirely
// through remote system calls.
//
// No dynamic symbols are resolved: the entry address handed back is the
// ELF header's entry offset plus the load delta, nothing more.
package loader

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/dynject/dynject/pkg/inject/remote"
	"github.com/dynject/dynject/pkg/inject/tracer"
	"github.com/dynject/dynject/pkg/logflags"
)

// Segment is one loadable program header.
type Segment struct {
	Vaddr  uint64 // preferred virtual address
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Prot   int
}

// FileBacked reports whether the segment has file contents behind it.
func (s *Segment) FileBacked() bool { return s.Filesz > 0 }

// File describes a runtime library on the controller side: its parsed
// segment plan plus, once mapped, the chosen base and load delta.
type File struct {
	Path     string
	Entry    uint64 // entry offset declared by the ELF header
	Segments []Segment
	Relro    []Segment // ranges narrowed to read-only after mapping

	// Set by MapIntoTarget. Delta is computed once, from the first
	// segment, and is invariant for the rest of the mapping pass.
	Base  uint64
	Delta int64

	f *os.File
}

// Open parses the program-header table of the library at path.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(osf)
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("loader: %s: %v", path, err)
	}
	f := &File{Path: path, Entry: ef.Entry, f: osf}
	for _, p := range ef.Progs {
		seg := Segment{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Prot:   progProt(p.Flags),
		}
		switch p.Type {
		case elf.PT_LOAD:
			f.Segments = append(f.Segments, seg)
		case elf.PT_GNU_RELRO:
			f.Relro = append(f.Relro, seg)
		}
	}
	if len(f.Segments) == 0 {
		osf.Close()
		return nil, fmt.Errorf("loader: %s has no loadable segments", path)
	}
	sort.Slice(f.Segments, func(i, j int) bool {
		return f.Segments[i].Vaddr < f.Segments[j].Vaddr
	})
	return f, nil
}

// Close releases the controller-side descriptor. The target-side
// descriptor, if one was opened, stays open: the mapped library remains
// backed by it.
func (f *File) Close() error {
	return f.f.Close()
}

func progProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= sys.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= sys.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= sys.PROT_EXEC
	}
	return prot
}

// mapping carries the per-pass state through the remote mapping calls:
// the engine, the target, and the substitution from the controller's
// descriptor for the library to the target's descriptor for the same
// file. The two processes never share a descriptor directly.
type mapping struct {
	eng      *remote.Engine
	pid      int
	localFd  int
	remoteFd int
	log      *logrus.Entry
}

// mmap runs the remote mmap, substituting the target-side descriptor
// wherever the caller names the controller-side one.
func (m *mapping) mmap(addr, length uint64, prot, flags, fd int, offset uint64) (uint64, error) {
	if fd == m.localFd {
		fd = m.remoteFd
	}
	if fd == -1 {
		flags |= sys.MAP_ANONYMOUS
	}
	got, err := m.eng.Mmap(m.pid, addr, length, prot, flags, fd, offset)
	m.log.Debugf("mmap(%#x, %d, prot %#x, flags %#x, fd %d, off %#x) in pid %d = %#x, %v",
		addr, length, prot, flags, fd, offset, m.pid, got, err)
	return got, err
}

// OpenInTarget opens the library read-only inside the target and
// returns the target-side descriptor.
func (f *File) OpenInTarget(eng *remote.Engine, pid int) (int, error) {
	remoteFd, err := eng.Open(pid, f.Path, sys.O_RDONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("loader: could not open %s in target %d: %w", f.Path, pid, err)
	}
	return remoteFd, nil
}

// MapIntoTarget replays the library's segment plan inside the target,
// using the descriptor returned by OpenInTarget wherever a segment is
// backed by the file. It returns the load base and the entry address.
//
// Failure at any segment aborts the pass; partially-mapped state in the
// target is not unwound. The target is assumed unusable on failure.
func (f *File) MapIntoTarget(eng *remote.Engine, pid, remoteFd int) (uint64, uint64, error) {
	log := logflags.LoaderLogger()
	m := &mapping{eng: eng, pid: pid, localFd: int(f.f.Fd()), remoteFd: remoteFd, log: log}

	pageSize := uint64(os.Getpagesize())
	pageStart := func(a uint64) uint64 { return a &^ (pageSize - 1) }
	pageEnd := func(a uint64) uint64 { return (a + pageSize - 1) &^ (pageSize - 1) }

	first := &f.Segments[0]
	last := &f.Segments[len(f.Segments)-1]
	lo := pageStart(first.Vaddr)
	span := pageEnd(last.Vaddr+last.Memsz) - lo

	// Map the whole span with the first segment, letting the kernel
	// choose the base for position-independent libraries. Every later
	// segment is placed with MAP_FIXED relative to it.
	base, err := m.mmap(lo, span, first.Prot, sys.MAP_PRIVATE, m.localFd, pageStart(first.Offset))
	if err != nil {
		return 0, 0, fmt.Errorf("loader: could not reserve %d bytes in target %d: %w", span, pid, err)
	}
	f.Base = base
	f.Delta = int64(base) - int64(lo)
	log.Debugf("mapped %s at %#x (delta %#x) in pid %d", f.Path, base, f.Delta, pid)

	shift := func(a uint64) uint64 { return uint64(int64(a) + f.Delta) }

	for i := range f.Segments {
		seg := &f.Segments[i]
		if i > 0 && seg.FileBacked() {
			segLo := pageStart(seg.Vaddr)
			segLen := pageEnd(seg.Vaddr+seg.Filesz) - segLo
			_, err := m.mmap(shift(segLo), segLen, seg.Prot, sys.MAP_PRIVATE|sys.MAP_FIXED, m.localFd, pageStart(seg.Offset))
			if err != nil {
				return 0, 0, fmt.Errorf("loader: could not map segment %d: %w", i, err)
			}
		}
		if err := m.mapBss(seg, pageStart, pageEnd, shift); err != nil {
			return 0, 0, fmt.Errorf("loader: could not map bss of segment %d: %w", i, err)
		}
	}

	// The first mapping covered the whole span; the pages between
	// segments hold unrelated file contents. Remove that excess.
	for i := 0; i < len(f.Segments)-1; i++ {
		gapLo := pageEnd(f.Segments[i].Vaddr + f.Segments[i].Memsz)
		gapHi := pageStart(f.Segments[i+1].Vaddr)
		if gapHi > gapLo {
			if err := eng.Munmap(pid, shift(gapLo), gapHi-gapLo); err != nil {
				return 0, 0, fmt.Errorf("loader: could not unmap gap after segment %d: %w", i, err)
			}
		}
	}

	// Narrow ranges the format declares read-only after load.
	for _, r := range f.Relro {
		rLo := pageStart(r.Vaddr)
		rLen := pageEnd(r.Vaddr+r.Memsz) - rLo
		if err := eng.Mprotect(pid, shift(rLo), rLen, sys.PROT_READ); err != nil {
			return 0, 0, fmt.Errorf("loader: could not narrow relro range: %w", err)
		}
	}

	entry := shift(f.Entry)
	log.Debugf("entry for %s in pid %d: %#x", f.Path, pid, entry)
	return base, entry, nil
}

// mapBss places anonymous zero pages behind the file-backed part of a
// segment and zeroes the slack between the end of the file contents and
// the next page boundary, which the full-span mapping filled with file
// bytes.
func (m *mapping) mapBss(seg *Segment, pageStart, pageEnd func(uint64) uint64, shift func(uint64) uint64) error {
	if seg.Memsz <= seg.Filesz {
		return nil
	}
	fileEnd := seg.Vaddr + seg.Filesz
	memEnd := seg.Vaddr + seg.Memsz
	if pageEnd(memEnd) > pageEnd(fileEnd) {
		_, err := m.mmap(shift(pageEnd(fileEnd)), pageEnd(memEnd)-pageEnd(fileEnd), seg.Prot, sys.MAP_PRIVATE|sys.MAP_FIXED, -1, 0)
		if err != nil {
			return err
		}
	}
	return m.zeroTail(shift(fileEnd), pageEnd(fileEnd)-fileEnd)
}

// zeroTail zeroes n bytes at addr in the target. The first partial word
// is read back, masked and rewritten so the file bytes before addr
// survive.
func (m *mapping) zeroTail(addr, n uint64) error {
	t := m.eng.Tracer()
	if n == 0 {
		return nil
	}
	if pad := addr % tracer.WordSize; pad != 0 {
		wordAddr := addr - pad
		word, err := t.PeekWord(m.pid, wordAddr)
		if err != nil {
			return err
		}
		word &= (1 << (8 * pad)) - 1
		if err := t.PokeWord(m.pid, wordAddr, word); err != nil {
			return err
		}
		skip := tracer.WordSize - pad
		if skip >= n {
			return nil
		}
		addr += skip
		n -= skip
	}
	return t.WriteMemory(m.pid, addr, make([]byte, n))
}
