// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"decred.org/coinjoin/backend"
	"decred.org/coinjoin/cj/encode"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/queue"
	clientcomms "decred.org/coinjoin/client/comms"
	"decred.org/coinjoin/client/db"
	"decred.org/coinjoin/client/mixer"
	"decred.org/coinjoin/node"
	"decred.org/coinjoin/server/admin"
	"decred.org/coinjoin/server/comms"
	"decred.org/coinjoin/server/pool"
	"golang.org/x/sync/errgroup"
)

const dbDirname = "mixdb"

// poolRoute adapts a Coordinator handler to a comms route.
func poolRoute(h func(context.Context, pool.Peer, *msgjson.Message) *msgjson.Error) comms.MsgHandler {
	return func(ctx context.Context, link comms.Link, msg *msgjson.Message) *msgjson.Error {
		return h(ctx, link, msg)
	}
}

// masternodeRole sets up the pool and the server its clients connect to.
func masternodeRole(ctx context.Context, g *errgroup.Group, cfg *cjdConf, be backend.Backend) (*node.Masternode, error) {
	certFile, keyFile := cfg.RPCCert, cfg.RPCKey
	if cfg.NoTLS {
		certFile, keyFile = "", ""
	}
	var coord *pool.Coordinator
	srv, err := comms.NewServer(&comms.Config{
		Logger:      subsystemLogger("COMM"),
		ListenAddrs: cfg.Listen,
		RPCCert:     certFile,
		RPCKey:      keyFile,
		OnDisconnect: func(id uint64) {
			coord.RemovePeer(id)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot set up mixing server: %w", err)
	}
	queues := queue.NewRegistry(&queue.Config{Logger: subsystemLogger("QUEU")})
	coord, err = pool.NewCoordinator(&pool.Config{
		Logger:      subsystemLogger("POOL"),
		Net:         cfg.Network,
		ProTxHash:   cfg.Masternode.ProTxHash,
		OutPoint:    cfg.Masternode.OutPoint,
		OperatorKey: cfg.Masternode.OperatorKey,
		UTXOs:       be,
		Broadcaster: be,
		Relay:       srv,
		Queues:      queues,
	})
	if err != nil {
		return nil, err
	}
	srv.Route(msgjson.AcceptRoute, poolRoute(coord.HandleAccept))
	srv.Route(msgjson.EntryRoute, poolRoute(coord.HandleEntry))
	srv.Route(msgjson.SignedInputsRoute, poolRoute(coord.HandleSignedInputs))

	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	g.Go(func() error {
		queues.Run(ctx)
		return nil
	})
	log.Infof("Masternode %s, collateral %s", cfg.Masternode.ProTxHash, cfg.Masternode.OutPoint)
	return &node.Masternode{Pool: coord}, nil
}

// clientRole sets up a Manager for each of the backend's wallets. The
// returned database must be closed after the managers have stopped.
func clientRole(ctx context.Context, g *errgroup.Group, cfg *cjdConf, be backend.Backend) (*node.Client, db.KeyValueDB, error) {
	opts, err := mixer.NewOptions(cfg.Mixing)
	if err != nil {
		return nil, nil, err
	}
	resolver := newStaticResolver(cfg.Peers)
	if len(cfg.Peers) == 0 {
		log.Warnf("No masternode peers configured. Mixing cannot start.")
	}
	queues := queue.NewRegistry(&queue.Config{
		Logger: subsystemLogger("QUEU"),
		PubKey: resolver.pubKey,
	})
	wallets := mixer.NewWalletManager(subsystemLogger("MIXR"), queues)

	var tlsCfg *tls.Config
	if cfg.PeerCert != "" {
		if tlsCfg, err = clientcomms.TLSConfig(cfg.PeerCert); err != nil {
			return nil, nil, err
		}
	}
	dialer := clientcomms.NewDialer(&clientcomms.Config{
		Logger:    subsystemLogger("COMM"),
		TLS:       cfg.PeerTLS,
		TLSConfig: tlsCfg,
		Handler:   wallets.HandleMessage,
	})

	kv, err := db.NewFileDB(filepath.Join(cfg.DataDir, dbDirname), subsystemLogger("DB"))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open mixing database: %w", err)
	}

	bws, err := be.Wallets(ctx)
	if err != nil {
		kv.Close()
		return nil, nil, fmt.Errorf("cannot load wallets: %w", err)
	}
	for name, w := range bws {
		m, err := mixer.NewManager(&mixer.Config{
			Name:      name,
			Wallet:    w,
			Options:   opts,
			Queues:    queues,
			Transport: dialer,
			Resolver:  resolver,
			Store:     db.NewStore(kv, name),
			Logger:    cfg.LogMaker.SubLogger("MIXR", name),
		})
		if err == nil {
			err = wallets.Add(m)
		}
		if err != nil {
			kv.Close()
			return nil, nil, fmt.Errorf("cannot load wallet %q: %w", name, err)
		}
		if n, err := m.PruneRounds(ctx); err != nil {
			log.Warnf("Cannot prune round counts for wallet %q: %v", name, err)
		} else if n > 0 {
			log.Debugf("Pruned round counts of %d spent coins for wallet %q", n, name)
		}
		log.Infof("Loaded wallet %q", name)
	}

	g.Go(func() error {
		dialer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		kv.Run(ctx)
		return nil
	})
	return &node.Client{Wallets: wallets, Options: opts, Queues: queues}, kv, nil
}

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to load cjd config: %w", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminPW)
			encode.ClearBytes(cfg.AdminPW)
		}
	}

	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())
	log.Infof("cjd starting for network: %s", cfg.Network)

	be, err := backend.Setup(cfg.Backend, &backend.Config{
		ConfigPath: cfg.BackendConfig,
		Logger:     subsystemLogger("BKND"),
		Net:        cfg.Network,
	})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	bwg, err := be.Connect(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("backend connection error: %w", err)
	}
	g, gctx := errgroup.WithContext(runCtx)
	var kv db.KeyValueDB
	defer func() {
		cancel()
		g.Wait()
		if kv != nil {
			if err := kv.Close(); err != nil {
				log.Errorf("Error closing mixing database: %v", err)
			}
		}
		bwg.Wait()
	}()

	var role node.Role
	if cfg.Masternode != nil {
		role, err = masternodeRole(gctx, g, cfg, be)
	} else {
		var c *node.Client
		c, kv, err = clientRole(gctx, g, cfg, be)
		role = c
	}
	if err != nil {
		return err
	}

	n, err := node.New(subsystemLogger("NODE"), role)
	if err != nil {
		return err
	}
	g.Go(func() error {
		n.Run(gctx)
		return nil
	})

	if cfg.AdminSrvOn {
		adminServer, err := admin.NewServer(&admin.SrvConfig{
			Core:    n,
			Addr:    cfg.AdminAddr,
			AuthSHA: adminSrvAuthSHA,
			Cert:    cfg.RPCCert,
			Key:     cfg.RPCKey,
		})
		if err != nil {
			return fmt.Errorf("cannot set up admin server: %w", err)
		}
		g.Go(func() error {
			adminServer.Run(gctx)
			return nil
		})
	}

	if c, is := role.(*node.Client); is && cfg.AutoStart {
		c.Wallets.ForEach(func(m *mixer.Manager) {
			status, err := n.Start(gctx, m.Name())
			if err != nil {
				log.Errorf("Cannot start mixing for wallet %q: %v", m.Name(), err)
				return
			}
			log.Infof("Wallet %q: %s", m.Name(), status)
		})
	}

	log.Info("cjd is running. Hit CTRL+C to quit...")
	err = g.Wait()
	log.Info("Bye!")
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := mainCore(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

var (
	_ admin.SvrCore = (*node.Node)(nil)
	_ pool.Relay    = (*comms.Server)(nil)
)
