// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/queue"
	"github.com/decred/dcrd/chaincfg/chainhash"
)

// WalletManager holds the Manager of every loaded wallet. The wallets share
// the queue registry and the options.
type WalletManager struct {
	log    cj.Logger
	queues *queue.Registry

	mtx      sync.RWMutex
	managers map[string]*Manager
}

// NewWalletManager is the constructor for a WalletManager.
func NewWalletManager(log cj.Logger, queues *queue.Registry) *WalletManager {
	return &WalletManager{
		log:      log,
		queues:   queues,
		managers: make(map[string]*Manager),
	}
}

// Add registers the wallet's Manager.
func (wm *WalletManager) Add(m *Manager) error {
	wm.mtx.Lock()
	defer wm.mtx.Unlock()
	if _, exists := wm.managers[m.name]; exists {
		return fmt.Errorf("wallet %q already loaded", m.name)
	}
	wm.managers[m.name] = m
	return nil
}

// Get returns the named wallet's Manager. An empty name selects the only
// loaded wallet.
func (wm *WalletManager) Get(name string) (*Manager, error) {
	wm.mtx.RLock()
	defer wm.mtx.RUnlock()
	if name == "" && len(wm.managers) == 1 {
		for _, m := range wm.managers {
			return m, nil
		}
	}
	m, found := wm.managers[name]
	if !found {
		return nil, cj.NewError(cj.ErrUnknownWallet, name)
	}
	return m, nil
}

// Remove stops mixing for the wallet and forgets it.
func (wm *WalletManager) Remove(name string) {
	wm.mtx.Lock()
	m, found := wm.managers[name]
	delete(wm.managers, name)
	wm.mtx.Unlock()
	if found {
		m.StopMixing()
	}
}

// ForEach calls f for every Manager in wallet name order.
func (wm *WalletManager) ForEach(f func(*Manager)) {
	wm.mtx.RLock()
	ms := make([]*Manager, 0, len(wm.managers))
	for _, m := range wm.managers {
		ms = append(ms, m)
	}
	wm.mtx.RUnlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	for _, m := range ms {
		f(m)
	}
}

// HandleMessage routes a masternode's message. Queue announcements go to the
// registry, everything else to the session it belongs to.
func (wm *WalletManager) HandleMessage(from chainhash.Hash, msg *msgjson.Message) {
	if msg.Route == msgjson.QueueRoute {
		var qm msgjson.Queue
		if err := msg.Unmarshal(&qm); err != nil {
			wm.log.Debugf("Bad queue from %s: %v", from, err)
			return
		}
		q, err := queue.FromMsg(&qm)
		if err != nil {
			wm.log.Debugf("Bad queue from %s: %v", from, err)
			return
		}
		if err := wm.queues.Add(q); err != nil {
			wm.log.Tracef("Queue %s not added: %v", q, err)
		}
		return
	}
	var handled bool
	wm.ForEach(func(m *Manager) {
		if !handled {
			handled = m.HandleMessage(from, msg)
		}
	})
	if !handled {
		wm.log.Debugf("Unhandled %s message from %s", msg.Route, from)
	}
}

// Run runs the queue registry's expiry sweep until the context is canceled,
// then stops mixing for every wallet.
func (wm *WalletManager) Run(ctx context.Context) {
	wm.queues.Run(ctx)
	wm.ForEach(func(m *Manager) { m.StopMixing() })
}
