// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package node is the mixing control surface. A Node is either a mixing
// client, with a Manager for each loaded wallet, or a masternode running a
// pool. Client operations are refused on a masternode.
package node

import (
	"context"
	"errors"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/queue"
	"decred.org/coinjoin/client/mixer"
	"decred.org/coinjoin/server/pool"
)

// ErrDeprecated is returned by PoolInfo.
const ErrDeprecated = cj.ErrorKind("Please use getcoinjoininfo instead")

// Status strings returned by the control operations.
const (
	msgStarted = "Mixing started successfully"
	msgStopped = "Mixing was stopped"
	msgReset   = "Mixing was reset"
	msgWaiting = "Mixing started, waiting: "
	msgFailed  = "Mixing start failed: "
	msgWillTry = ", will retry"
	msgAborted = "Pool was aborted"
	msgNoPool  = "No pool to abort"
)

// Role is the node's mixing role, a *Client or a *Masternode.
type Role interface {
	role() string
}

// Client is the role of a node that mixes its wallets' funds.
type Client struct {
	Wallets *mixer.WalletManager
	Options *mixer.Options
	Queues  *queue.Registry
}

func (*Client) role() string { return "client" }

// Masternode is the role of a node that coordinates a mixing pool.
type Masternode struct {
	Pool *pool.Coordinator
}

func (*Masternode) role() string { return "masternode" }

// Node exposes start, stop, reset and info for its role.
type Node struct {
	log  cj.Logger
	role Role
}

// New is the constructor for a Node.
func New(log cj.Logger, role Role) (*Node, error) {
	switch r := role.(type) {
	case *Client:
		if r.Wallets == nil || r.Options == nil || r.Queues == nil {
			return nil, errors.New("incomplete client role")
		}
	case *Masternode:
		if r.Pool == nil {
			return nil, errors.New("masternode role without a pool")
		}
	default:
		return nil, errors.New("unknown role")
	}
	if log == nil {
		log = cj.Disabled
	}
	return &Node{log: log, role: role}, nil
}

// IsMasternode is true for a masternode-role node.
func (n *Node) IsMasternode() bool {
	_, is := n.role.(*Masternode)
	return is
}

// Role is the node's role.
func (n *Node) Role() Role {
	return n.role
}

// Run runs the role's background work until the context is canceled.
func (n *Node) Run(ctx context.Context) {
	n.log.Infof("Running as %s", n.role.role())
	switch r := n.role.(type) {
	case *Client:
		r.Wallets.Run(ctx)
	case *Masternode:
		r.Pool.Run(ctx)
	}
}

// manager checks that the node can mix and returns the wallet's Manager.
func (n *Node) manager(wallet string) (*mixer.Manager, error) {
	c, is := n.role.(*Client)
	if !is {
		return nil, cj.ErrMasternodeRole
	}
	if !c.Options.Enabled() {
		if err := c.Options.Failure(); err != nil {
			n.log.Debugf("Mixing disabled by internal failure: %v", err)
			return nil, cj.ErrDisabledInternal
		}
		return nil, cj.ErrDisabledByConfig
	}
	return c.Wallets.Get(wallet)
}

// Start starts mixing for the wallet and runs the first mixing cycle. The
// returned string describes the outcome of that cycle.
func (n *Node) Start(ctx context.Context, wallet string) (string, error) {
	m, err := n.manager(wallet)
	if err != nil {
		return "", err
	}
	if m.Wallet().IsLocked() {
		return "", cj.ErrWalletLocked
	}
	if !m.StartMixing() {
		return "", cj.ErrAlreadyRunning
	}
	ok, st := m.DoAutomaticDenominating(ctx)
	switch {
	case ok:
		n.log.Infof("Mixing started for wallet %q", m.Name())
		return msgStarted, nil
	case st.Benign():
		return msgWaiting + m.GetStatuses(), nil
	}
	n.log.Infof("Mixing for wallet %q started with a failed cycle: %s", m.Name(), st)
	return msgFailed + m.GetStatuses() + msgWillTry, nil
}

// Stop stops mixing for the wallet, aborting its sessions.
func (n *Node) Stop(wallet string) (string, error) {
	m, err := n.manager(wallet)
	if err != nil {
		return "", err
	}
	if !m.Running() || !m.StopMixing() {
		return "", cj.ErrNotRunning
	}
	n.log.Infof("Mixing stopped for wallet %q", m.Name())
	return msgStopped, nil
}

// Reset aborts the wallet's sessions and clears its mixing progress.
func (n *Node) Reset(wallet string) (string, error) {
	m, err := n.manager(wallet)
	if err != nil {
		return "", err
	}
	m.ResetPool()
	n.log.Infof("Mixing reset for wallet %q", m.Name())
	return msgReset, nil
}

// Info is the getcoinjoininfo result: a *pool.Info on a masternode, a
// *mixer.Info on a client. Without a wallet name on a node with other than
// exactly one wallet, the client result has no wallet fields.
func (n *Node) Info(wallet string) (any, error) {
	switch r := n.role.(type) {
	case *Masternode:
		return r.Pool.Info(), nil
	case *Client:
		m, err := r.Wallets.Get(wallet)
		if err != nil {
			if wallet != "" {
				return nil, err
			}
			return mixer.NewInfo(r.Options, r.Queues.Size()), nil
		}
		return m.Info(), nil
	}
	return nil, errors.New("unknown role")
}

// AbortPool resets the masternode's open pool. Client nodes have no pool.
func (n *Node) AbortPool() (string, error) {
	mn, is := n.role.(*Masternode)
	if !is {
		return "", cj.ErrClientRole
	}
	if !mn.Pool.Abort() {
		return msgNoPool, nil
	}
	n.log.Infof("Pool aborted by operator")
	return msgAborted, nil
}

// PoolInfo is the deprecated getpoolinfo. It always fails.
func (n *Node) PoolInfo() error {
	return ErrDeprecated
}
