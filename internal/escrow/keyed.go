package escrow

import (
	"sync"

	"github.com/atmx/settlement-engine/internal/model"
)

// walletMutex serializes operations per wallet. Entries are reference
// counted and dropped when no goroutine holds or waits on them, so the map
// only grows with the number of wallets in flight.
type walletMutex struct {
	mu    sync.Mutex
	locks map[model.WalletKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newWalletMutex() *walletMutex {
	return &walletMutex{locks: make(map[model.WalletKey]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (w *walletMutex) Lock(key model.WalletKey) func() {
	w.mu.Lock()
	m, ok := w.locks[key]
	if !ok {
		m = &refMutex{}
		w.locks[key] = m
	}
	m.refs++
	w.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		w.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(w.locks, key)
		}
		w.mu.Unlock()
	}
}
