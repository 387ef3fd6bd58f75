// Package latch provides the shared / exclusive / shared-exclusive page
// latch the engine is built on. The SX mode and the upgrader-priority flag
// are non-standard, so the latch is an explicit state machine with condition
// signaling rather than a wrapper around sync.RWMutex.
package latch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Mode selects how a latch is acquired.
type Mode int

const (
	ModeNone Mode = iota
	ModeS         // shared: compatible with S and SX
	ModeSX        // shared-exclusive: compatible with S only
	ModeX         // exclusive: compatible with nothing
)

var (
	ErrNotSXOwner = errors.New("latch: caller does not hold SX")
	ErrNotXHolder = errors.New("latch: X is not held")
)

// RWSX is a reader / exclusive / shared-exclusive latch with upgrade and
// downgrade between SX and X. An upgrader in progress blocks new readers so
// it cannot starve behind a stream of S acquirers.
//
// The zero value is an unlocked latch.
type RWSX struct {
	mu        sync.Mutex
	cond      *sync.Cond
	readers   int
	sx        bool
	sxOwner   uint64
	x         bool
	upgrading bool
}

func (l *RWSX) signal() *sync.Cond {
	// cond is created lazily so the zero value stays usable.
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	return l.cond
}

// Lock acquires the latch in the given mode, blocking until compatible.
func (l *RWSX) Lock(mode Mode) {
	switch mode {
	case ModeS:
		l.LockS()
	case ModeSX:
		l.LockSX()
	case ModeX:
		l.LockX()
	}
}

// Unlock releases the latch from the given mode.
func (l *RWSX) Unlock(mode Mode) {
	switch mode {
	case ModeS:
		l.UnlockS()
	case ModeSX:
		l.UnlockSX()
	case ModeX:
		l.UnlockX()
	}
}

// LockS waits while X is held or an upgrade is pending, then registers a
// reader.
func (l *RWSX) LockS() {
	l.mu.Lock()
	c := l.signal()
	for l.x || l.upgrading {
		c.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// UnlockS drops one reader.
func (l *RWSX) UnlockS() {
	l.mu.Lock()
	l.readers--
	l.signal().Broadcast()
	l.mu.Unlock()
}

// LockSX waits while X or another SX is held, then records the calling
// goroutine as the SX owner.
func (l *RWSX) LockSX() {
	id := goid()
	l.mu.Lock()
	c := l.signal()
	for l.x || l.sx {
		c.Wait()
	}
	l.sx = true
	l.sxOwner = id
	l.mu.Unlock()
}

// UnlockSX releases SX.
func (l *RWSX) UnlockSX() {
	l.mu.Lock()
	l.sx = false
	l.sxOwner = 0
	l.signal().Broadcast()
	l.mu.Unlock()
}

// LockX waits until no reader, no SX and no X remain.
func (l *RWSX) LockX() {
	l.mu.Lock()
	c := l.signal()
	for l.readers > 0 || l.x || l.sx {
		c.Wait()
	}
	l.x = true
	l.mu.Unlock()
}

// UnlockX releases X.
func (l *RWSX) UnlockX() {
	l.mu.Lock()
	l.x = false
	l.signal().Broadcast()
	l.mu.Unlock()
}

// UpgradeSX converts a held SX into X. Only the SX owner may upgrade. While
// the upgrade drains readers, new S acquirers are held off by the upgrading
// flag.
func (l *RWSX) UpgradeSX() error {
	id := goid()
	l.mu.Lock()
	if !l.sx || l.sxOwner != id {
		l.mu.Unlock()
		return ErrNotSXOwner
	}
	l.upgrading = true
	c := l.signal()
	for l.readers > 0 {
		c.Wait()
	}
	l.sx = false
	l.sxOwner = 0
	l.x = true
	l.upgrading = false
	c.Broadcast()
	l.mu.Unlock()
	return nil
}

// DowngradeSX converts a held X back into SX owned by the caller.
func (l *RWSX) DowngradeSX() error {
	id := goid()
	l.mu.Lock()
	if !l.x {
		l.mu.Unlock()
		return ErrNotXHolder
	}
	l.x = false
	l.sx = true
	l.sxOwner = id
	l.signal().Broadcast()
	l.mu.Unlock()
	return nil
}

// goid returns the calling goroutine's id. The original engine compares
// pthread_self; Go exposes no identity, so the id is parsed out of the
// stack header.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	// header is "goroutine <id> [...":
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
