package devmem

import (
	"cmp"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	spinRetries   = 64
	retryInterval = 50 * time.Microsecond
	// stallWarning is the number of handler retries after which a stalled fault is logged
	stallWarning = 20000
)

type trap struct {
	handle     TrapHandle
	ranges     []Range
	protection Protection
	// generation counts Protect calls, so an access can tell a trap it has already resolved
	// from one re-armed since
	generation uint64
	onFault    FaultHandler
}

type trapEntry struct {
	start  uint64
	end    uint64
	handle TrapHandle
}

func trapEntryLess(a, b trapEntry) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.handle < b.handle
}

type pendingFault struct {
	handle     TrapHandle
	generation uint64
	onFault    FaultHandler
	fault      Fault
}

// Arena is a software model of device physical memory. The memory is an anonymous host mapping,
// and device-side accesses made through Read and Write are checked against installed traps
// before they touch it, the way a host MMU would check page protections.
type Arena struct {
	logger   *slog.Logger
	base     uint64
	memory   []byte
	pageSize int

	trapMutex    sync.RWMutex
	traps        *swiss.Map[TrapHandle, *trap]
	index        *btree.BTreeG[trapEntry]
	largestRange int
	nextHandle   TrapHandle

	faults  atomic.Uint64
	retries atomic.Uint64
}

// NewArena maps size bytes of device memory, rounded up to whole pages, at the device
// physical address base
func NewArena(logger *slog.Logger, base uint64, size int) (*Arena, error) {
	pageSize := unix.Getpagesize()
	if base%uint64(pageSize) != 0 {
		return nil, errors.Newf("arena base 0x%x is not aligned to the %d byte page size", base, pageSize)
	}

	size = memutils.AlignUp(size, pageSize)
	memory, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes of device memory", size)
	}

	return &Arena{
		logger:   logger,
		base:     base,
		memory:   memory,
		pageSize: pageSize,
		traps:    swiss.NewMap[TrapHandle, *trap](16),
		index:    btree.NewG[trapEntry](8, trapEntryLess),
	}, nil
}

// Close unmaps the arena. Spans handed out by the arena must not be used afterward.
func (a *Arena) Close() error {
	a.logger.Debug("Arena::Close")

	if a.memory == nil {
		return nil
	}

	err := unix.Munmap(a.memory)
	a.memory = nil
	return err
}

func (a *Arena) PageSize() int {
	return a.pageSize
}

// Range is the device physical range covered by the arena
func (a *Arena) Range() Range {
	return Range{Address: a.base, Size: len(a.memory)}
}

// FaultCount is the number of fault handler invocations, retries included
func (a *Arena) FaultCount() uint64 {
	return a.faults.Load()
}

// RetryCount is the number of fault handler invocations that asked to be retried
func (a *Arena) RetryCount() uint64 {
	return a.retries.Load()
}

// Span returns host-visible memory for a device physical range. Accesses through the span bypass traps.
func (a *Arena) Span(address uint64, size int) (Span, error) {
	r := Range{Address: address, Size: size}
	if !a.Range().Contains(r) {
		return Span{}, errors.Wrapf(ErrOutOfBounds, "span %s", r)
	}

	offset := address - a.base
	return Span{Range: r, Data: a.memory[offset : offset+uint64(size) : offset+uint64(size)]}, nil
}

// Write performs a device-side write, resolving any trap that intercepts it first
func (a *Arena) Write(address uint64, data []byte) error {
	span, err := a.Span(address, len(data))
	if err != nil {
		return err
	}

	a.access(span.Range, AccessWrite, func() {
		copy(span.Data, data)
	})
	return nil
}

// Read performs a device-side read, resolving any trap that intercepts it first
func (a *Arena) Read(address uint64, data []byte) error {
	span, err := a.Span(address, len(data))
	if err != nil {
		return err
	}

	a.access(span.Range, AccessRead, func() {
		copy(data, span.Data)
	})
	return nil
}

// access resolves every trap intercepting r, then runs apply with the trap table read-locked so
// no trap can be armed between the final check and the access itself. A trap whose handler
// succeeded is not invoked again unless it is re-protected in the meantime.
func (a *Arena) access(r Range, access Access, apply func()) {
	var resolved map[TrapHandle]uint64
	for attempt := 0; ; {
		a.trapMutex.RLock()
		pending := a.interceptingTraps(r, access, resolved)
		if len(pending) == 0 {
			apply()
			a.trapMutex.RUnlock()
			return
		}
		a.trapMutex.RUnlock()

		handled := true
		for _, p := range pending {
			a.faults.Add(1)
			if !p.onFault(p.fault) {
				handled = false
				continue
			}

			if resolved == nil {
				resolved = make(map[TrapHandle]uint64, len(pending))
			}
			resolved[p.handle] = p.generation
		}

		if handled {
			continue
		}

		attempt++
		a.retries.Add(1)
		if attempt == stallWarning {
			a.logger.Warn("device access stalled on a fault handler",
				slog.String("range", r.String()),
				slog.String("access", access.String()),
				slog.Int("attempts", attempt),
			)
		}

		if attempt < spinRetries {
			runtime.Gosched()
		} else {
			time.Sleep(retryInterval)
		}
	}
}

// interceptingTraps lists the traps that intercept an access to r, skipping those already resolved
// at their current generation. The trap mutex must be held.
func (a *Arena) interceptingTraps(r Range, access Access, resolved map[TrapHandle]uint64) []pendingFault {
	var pending []pendingFault
	var lowest uint64
	if r.Address > uint64(a.largestRange) {
		lowest = r.Address - uint64(a.largestRange)
	}

	a.index.AscendRange(trapEntry{start: lowest}, trapEntry{start: r.End()}, func(entry trapEntry) bool {
		if entry.end <= r.Address {
			return true
		}

		t, ok := a.traps.Get(entry.handle)
		if !ok || !t.protection.Intercepts(access) {
			return true
		}
		if generation, seen := resolved[t.handle]; seen && generation == t.generation {
			return true
		}

		overlap, ok := r.Intersect(Range{Address: entry.start, Size: int(entry.end - entry.start)})
		if ok {
			pending = append(pending, pendingFault{
				handle:     t.handle,
				generation: t.generation,
				onFault:    t.onFault,
				fault:      Fault{Range: overlap, Access: access},
			})
		}
		return true
	})

	return pending
}

func (a *Arena) InstallTrap(ranges []Range, onFault FaultHandler) (TrapHandle, error) {
	if onFault == nil {
		return 0, errors.New("cannot install a trap without a fault handler")
	}

	aligned := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Empty() {
			continue
		}

		pages := r.PageAligned(a.pageSize)
		if !a.Range().Contains(pages) {
			return 0, errors.Wrapf(ErrOutOfBounds, "trap range %s", r)
		}
		aligned = append(aligned, pages)
	}
	aligned = mergeRanges(aligned)

	a.trapMutex.Lock()
	defer a.trapMutex.Unlock()

	a.nextHandle++
	t := &trap{
		handle:  a.nextHandle,
		ranges:  aligned,
		onFault: onFault,
	}
	a.traps.Put(t.handle, t)

	for _, r := range aligned {
		a.index.ReplaceOrInsert(trapEntry{start: r.Address, end: r.End(), handle: t.handle})
		a.largestRange = max(a.largestRange, r.Size)
	}

	return t.handle, nil
}

func (a *Arena) Protect(handle TrapHandle, protection Protection) error {
	a.trapMutex.Lock()
	defer a.trapMutex.Unlock()

	t, ok := a.traps.Get(handle)
	if !ok {
		return errors.Wrapf(ErrUnknownTrap, "handle %d", handle)
	}

	t.protection = protection
	t.generation++
	return nil
}

// Protection returns the current protection of an installed trap
func (a *Arena) Protection(handle TrapHandle) (Protection, error) {
	a.trapMutex.RLock()
	defer a.trapMutex.RUnlock()

	t, ok := a.traps.Get(handle)
	if !ok {
		return ProtectNone, errors.Wrapf(ErrUnknownTrap, "handle %d", handle)
	}

	return t.protection, nil
}

func (a *Arena) RemoveTrap(handle TrapHandle) error {
	a.trapMutex.Lock()
	defer a.trapMutex.Unlock()

	t, ok := a.traps.Get(handle)
	if !ok {
		return errors.Wrapf(ErrUnknownTrap, "handle %d", handle)
	}

	for _, r := range t.ranges {
		a.index.Delete(trapEntry{start: r.Address, end: r.End(), handle: handle})
	}
	a.traps.Delete(handle)

	return nil
}

// TrapCount is the number of installed traps
func (a *Arena) TrapCount() int {
	a.trapMutex.RLock()
	defer a.trapMutex.RUnlock()

	return a.traps.Count()
}

// mergeRanges sorts ranges and coalesces the ones that overlap or touch
func mergeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}

	slices.SortFunc(ranges, func(a, b Range) int {
		return cmp.Compare(a.Address, b.Address)
	})

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Address <= last.End() {
			if r.End() > last.End() {
				last.Size = int(r.End() - last.Address)
			}
			continue
		}
		merged = append(merged, r)
	}

	return merged
}
