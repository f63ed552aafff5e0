// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package backend is the registry of wallet and chain backends. A backend
// package registers its Driver in an init function, and the daemon sets up
// the one named in its configuration.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/client/mixer"
	"decred.org/coinjoin/server/pool"
)

var (
	driversMtx sync.Mutex
	drivers    = make(map[string]Driver)
)

// Config is passed to a Driver's Setup.
type Config struct {
	// ConfigPath is the backend's own configuration file.
	ConfigPath string
	Logger     cj.Logger
	Net        cj.Network
}

// Backend supplies the chain for a masternode's pool and the wallets for a
// mixing client.
type Backend interface {
	pool.UTXOSource
	pool.Broadcaster
	// Connect connects to the chain and wallet services. The returned
	// WaitGroup is done when the backend has shut down after the context
	// is canceled.
	Connect(ctx context.Context) (*sync.WaitGroup, error)
	// Wallets are the wallets to mix, keyed by name.
	Wallets(ctx context.Context) (map[string]mixer.Wallet, error)
}

// Driver creates a Backend. Setup should not connect.
type Driver interface {
	Setup(cfg *Config) (Backend, error)
}

// Register should be called by the init function of a backend's package.
func Register(name string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if driver == nil {
		panic("backend: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("backend: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Setup sets up the named backend.
func Setup(name string, cfg *Config) (Backend, error) {
	driversMtx.Lock()
	drv, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend: unknown driver %q, registered drivers: %v", name, Drivers())
	}
	if cfg.Logger == nil {
		cfg.Logger = cj.Disabled
	}
	return drv.Setup(cfg)
}
