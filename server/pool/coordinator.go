// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pool implements the masternode side of mixing. A Coordinator runs
// one pool at a time: it advertises a queue, gathers entries from clients,
// distributes the unsigned transaction, collects signatures and broadcasts the
// mixed transaction.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/coinlock"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/queue"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

const (
	tickInterval = time.Second
	utxoTimeout  = 5 * time.Second
)

// State is the state of the pool.
type State uint8

const (
	StateIdle State = iota
	StateQueue
	StateAcceptingEntries
	StateSigning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQueue:
		return "QUEUE"
	case StateAcceptingEntries:
		return "ACCEPTING_ENTRIES"
	case StateSigning:
		return "SIGNING"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Config is the configuration of a Coordinator.
type Config struct {
	Logger      cj.Logger
	Net         cj.Network
	ProTxHash   chainhash.Hash
	OutPoint    wire.OutPoint
	OperatorKey *secp256k1.PrivateKey
	UTXOs       UTXOSource
	Broadcaster Broadcaster
	Relay       Relay
	// Queues, if set, receives the Coordinator's own advertisements and
	// supplies the queue size reported by Info.
	Queues *queue.Registry
	// AcceptWindow is how long the pool keeps accepting entries after the
	// minimum is reached. Zero means cj.AcceptWindow.
	AcceptWindow time.Duration
}

type participant struct {
	peer       Peer
	collateral wire.OutPoint
	entry      *entry
}

type entry struct {
	inputs  []wire.OutPoint
	outputs []*wire.TxOut
	signed  map[wire.OutPoint]bool
}

type outMsg struct {
	peer Peer
	msg  *msgjson.Message
}

// Coordinator runs the masternode's mixing pool. All pool mutation is
// serialized by one mutex; messages are sent after it is released.
type Coordinator struct {
	log         cj.Logger
	net         cj.Network
	proTxHash   chainhash.Hash
	outPoint    wire.OutPoint
	key         *secp256k1.PrivateKey
	utxos       UTXOSource
	broadcaster Broadcaster
	relay       Relay
	queues      *queue.Registry
	minPeers    int
	maxPeers    int
	window      time.Duration
	now         func() time.Time

	// locker reserves the inputs of accepted entries under the pool's
	// session ID.
	locker *coinlock.CoinLocker

	mtx          sync.Mutex
	state        State
	sessionID    uint64
	denom        cj.Denomination
	participants map[uint64]*participant
	// entries is the reported entry count and only drops on reset. held
	// counts the entries of participants still connected.
	entries      int
	held         int
	broadcasting bool
	opened       time.Time
	thresholdAt  time.Time
	signDeadline time.Time
	finalTx      *wire.MsgTx
}

// NewCoordinator is the constructor for a Coordinator.
func NewCoordinator(cfg *Config) (*Coordinator, error) {
	if cfg.OperatorKey == nil || cfg.UTXOs == nil || cfg.Broadcaster == nil || cfg.Relay == nil {
		return nil, errors.New("incomplete pool configuration")
	}
	log := cfg.Logger
	if log == nil {
		log = cj.Disabled
	}
	window := cfg.AcceptWindow
	if window <= 0 {
		window = cj.AcceptWindow
	}
	return &Coordinator{
		log:          log,
		net:          cfg.Net,
		proTxHash:    cfg.ProTxHash,
		outPoint:     cfg.OutPoint,
		key:          cfg.OperatorKey,
		utxos:        cfg.UTXOs,
		broadcaster:  cfg.Broadcaster,
		relay:        cfg.Relay,
		queues:       cfg.Queues,
		minPeers:     cfg.Net.PoolMinParticipants(),
		maxPeers:     cfg.Net.PoolMaxParticipants(),
		window:       window,
		now:          time.Now,
		locker:       coinlock.NewCoinLocker(log, nil),
		participants: make(map[uint64]*participant),
	}, nil
}

// Info is the masternode's getcoinjoininfo result.
type Info struct {
	QueueSize    int    `json:"queue_size"`
	Denomination string `json:"denomination"`
	State        string `json:"state"`
	EntriesCount int    `json:"entries_count"`
}

// Info describes the pool.
func (c *Coordinator) Info() *Info {
	c.mtx.Lock()
	info := &Info{
		Denomination: c.denom.String(),
		State:        c.state.String(),
		EntriesCount: c.entries,
	}
	c.mtx.Unlock()
	if c.queues != nil {
		info.QueueSize = c.queues.Size()
	}
	return info
}

// State is the pool state.
func (c *Coordinator) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Run checks the pool's deadlines until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			c.mtx.Lock()
			msgs := c.reset(msgjson.PoolTimeoutError, "masternode shutting down")
			c.mtx.Unlock()
			c.send(msgs)
			return
		}
	}
}

func (c *Coordinator) send(msgs []*outMsg) {
	for _, m := range msgs {
		if err := m.peer.Send(m.msg); err != nil {
			c.log.Debugf("Error sending %s to client %d: %v", m.msg.Route, m.peer.ID(), err)
		}
	}
}

func notification(route string, payload any) *msgjson.Message {
	msg, err := msgjson.NewNotification(route, payload)
	if err != nil {
		// Only fails for an empty route or an unencodable payload.
		panic(err)
	}
	return msg
}

// HandleAccept handles a client's dsa request to join the pool.
func (c *Coordinator) HandleAccept(ctx context.Context, peer Peer, msg *msgjson.Message) *msgjson.Error {
	var req msgjson.Accept
	if err := msg.Unmarshal(&req); err != nil {
		return msgjson.NewError(msgjson.RPCParseError, "error parsing dsa: %v", err)
	}
	if !req.Denom.Valid() {
		return msgjson.NewError(msgjson.DenominationError, "invalid denomination %d", req.Denom)
	}
	colOp, err := req.Collateral.Wire()
	if err != nil {
		return msgjson.NewError(msgjson.InvalidCollateralError, "bad collateral outpoint: %v", err)
	}
	if rpcErr := c.checkCollateral(ctx, *colOp); rpcErr != nil {
		return rpcErr
	}

	c.mtx.Lock()
	var adv *queue.Queue
	if rpcErr := c.admissible(peer, req.Denom, *colOp); rpcErr != nil {
		c.mtx.Unlock()
		return rpcErr
	}
	if c.state == StateIdle {
		c.open(req.Denom)
		adv = c.advertisement(false)
	}
	c.participants[peer.ID()] = &participant{peer: peer, collateral: *colOp}
	sid := c.sessionID
	c.mtx.Unlock()

	c.log.Debugf("Client %d joined pool %d (%s)", peer.ID(), sid, req.Denom)
	if adv != nil {
		c.advertise(adv)
	}
	resp, err := msgjson.NewResponse(msg.ID, &msgjson.AcceptResult{SessionID: sid, Queued: true}, nil)
	if err != nil {
		return msgjson.NewError(msgjson.RPCInternal, "encoding error")
	}
	if err := peer.Send(resp); err != nil {
		c.log.Debugf("Error sending dsa response to client %d: %v", peer.ID(), err)
	}
	return nil
}

// admissible checks that the client may join the pool. The mtx MUST be held.
func (c *Coordinator) admissible(peer Peer, d cj.Denomination, collateral wire.OutPoint) *msgjson.Error {
	switch c.state {
	case StateIdle:
		return nil
	case StateQueue, StateAcceptingEntries:
	default:
		return msgjson.NewError(msgjson.PoolStateError, "pool is %s", c.state)
	}
	switch {
	case c.denom != d:
		return msgjson.NewError(msgjson.DenominationError, "pool is mixing %s", c.denom)
	case len(c.participants) >= c.maxPeers:
		return msgjson.NewError(msgjson.QueueFullError, "pool is full")
	case c.participants[peer.ID()] != nil:
		return msgjson.NewError(msgjson.AlreadyHaveError, "already in the pool")
	}
	for _, p := range c.participants {
		if p.collateral == collateral {
			return msgjson.NewError(msgjson.InvalidCollateralError, "collateral already in use")
		}
	}
	return nil
}

func (c *Coordinator) checkCollateral(ctx context.Context, op wire.OutPoint) *msgjson.Error {
	ctx, cancel := context.WithTimeout(ctx, utxoTimeout)
	defer cancel()
	out, err := c.utxos.Output(ctx, op)
	if err != nil {
		return msgjson.NewError(msgjson.InvalidCollateralError, "collateral %s not found", op)
	}
	if out.Value < 0 || !cj.IsCollateralAmount(uint64(out.Value)) {
		return msgjson.NewError(msgjson.InvalidCollateralError, "collateral value %d out of range", out.Value)
	}
	return nil
}

// open starts a new pool. The mtx MUST be held.
func (c *Coordinator) open(d cj.Denomination) {
	c.sessionID++
	c.denom = d
	c.state = StateQueue
	c.opened = c.now()
	c.thresholdAt = time.Time{}
	c.log.Infof("Opened pool %d for %s", c.sessionID, d)
}

// advertisement creates the signed queue for the pool. The mtx MUST be held.
func (c *Coordinator) advertisement(ready bool) *queue.Queue {
	q := &queue.Queue{
		ProTxHash: c.proTxHash,
		OutPoint:  c.outPoint,
		Denom:     c.denom,
		Time:      c.now().Truncate(time.Second),
		Ready:     ready,
	}
	q.Sign(c.key)
	return q
}

func (c *Coordinator) advertise(q *queue.Queue) {
	if c.queues != nil {
		if err := c.queues.Add(q); err != nil {
			c.log.Debugf("Own queue not registered: %v", err)
		}
	}
	c.relay.Broadcast(notification(msgjson.QueueRoute, q.Msg()))
}

// HandleEntry handles a participant's dsi request.
func (c *Coordinator) HandleEntry(ctx context.Context, peer Peer, msg *msgjson.Message) *msgjson.Error {
	var req msgjson.Entry
	if err := msg.Unmarshal(&req); err != nil {
		return msgjson.NewError(msgjson.RPCParseError, "error parsing dsi: %v", err)
	}
	if len(req.Inputs) == 0 || len(req.Inputs) > cj.MaxEntryInputs {
		return msgjson.NewError(msgjson.MaximumInputsError, "%d inputs, must be 1 to %d", len(req.Inputs), cj.MaxEntryInputs)
	}
	if len(req.Outputs) != len(req.Inputs) {
		return msgjson.NewError(msgjson.SizeMismatchError, "%d inputs but %d outputs", len(req.Inputs), len(req.Outputs))
	}
	colOp, err := req.Collateral.Wire()
	if err != nil {
		return msgjson.NewError(msgjson.InvalidCollateralError, "bad collateral outpoint: %v", err)
	}

	c.mtx.Lock()
	p, rpcErr := c.entrant(peer, req.SessionID)
	d, sid := c.denom, c.sessionID
	c.mtx.Unlock()
	if rpcErr != nil {
		return rpcErr
	}
	if p.collateral != *colOp {
		return msgjson.NewError(msgjson.InvalidCollateralError, "collateral differs from dsa")
	}

	// Deep copy everything retained from the request.
	e := &entry{
		inputs:  make([]wire.OutPoint, 0, len(req.Inputs)),
		outputs: make([]*wire.TxOut, 0, len(req.Outputs)),
		signed:  make(map[wire.OutPoint]bool, len(req.Inputs)),
	}
	seen := make(map[wire.OutPoint]bool, len(req.Inputs))
	for i := range req.Inputs {
		op, err := req.Inputs[i].Wire()
		if err != nil {
			return msgjson.NewError(msgjson.InvalidInputError, "bad input: %v", err)
		}
		if seen[*op] {
			return msgjson.NewError(msgjson.InvalidInputError, "duplicate input %s", op)
		}
		seen[*op] = true
		if *op == *colOp {
			return msgjson.NewError(msgjson.InvalidInputError, "collateral used as input")
		}
		if rpcErr := c.checkInput(ctx, *op, d); rpcErr != nil {
			return rpcErr
		}
		e.inputs = append(e.inputs, *op)
	}
	for _, out := range req.Outputs {
		if out == nil || out.Value != d.Amount() {
			return msgjson.NewError(msgjson.DenominationError, "output is not %s", d)
		}
		if len(out.PkScript) == 0 {
			return msgjson.NewError(msgjson.InvalidScriptError, "empty output script")
		}
		e.outputs = append(e.outputs, &wire.TxOut{
			Value:    int64(out.Value),
			Version:  out.Version,
			PkScript: append([]byte(nil), out.PkScript...),
		})
	}

	c.mtx.Lock()
	// The pool may have moved on during the UTXO lookups.
	if c.sessionID != sid {
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.SessionError, "pool %d is gone", sid)
	}
	if p, rpcErr = c.entrant(peer, req.SessionID); rpcErr != nil {
		c.mtx.Unlock()
		return rpcErr
	}
	if err := c.locker.LockCoins(sid, e.inputs); err != nil {
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.AlreadyHaveError, "input already in the pool: %v", err)
	}
	p.entry = e
	c.entries++
	c.held++
	entries := c.entries
	var adv *queue.Queue
	if c.held >= c.minPeers && c.thresholdAt.IsZero() {
		c.thresholdAt = c.now()
		c.state = StateAcceptingEntries
		adv = c.advertisement(true)
	}
	msgs := c.statusAll(true, 0, "")
	if c.held >= c.maxPeers {
		msgs = append(msgs, c.finalize()...)
	}
	c.mtx.Unlock()

	c.log.Debugf("Pool %d accepted entry %d from client %d with %d inputs", sid, entries, peer.ID(), len(e.inputs))
	resp, err := msgjson.NewResponse(msg.ID, &msgjson.Acknowledgement{SessionID: sid, Accepted: true}, nil)
	if err == nil {
		if err := peer.Send(resp); err != nil {
			c.log.Debugf("Error sending dsi response to client %d: %v", peer.ID(), err)
		}
	}
	if adv != nil {
		c.advertise(adv)
	}
	c.send(msgs)
	return nil
}

// entrant finds the participant that may submit an entry. The mtx MUST be
// held.
func (c *Coordinator) entrant(peer Peer, sessionID uint64) (*participant, *msgjson.Error) {
	if c.state != StateQueue && c.state != StateAcceptingEntries {
		return nil, msgjson.NewError(msgjson.PoolStateError, "pool is %s", c.state)
	}
	if sessionID != c.sessionID {
		return nil, msgjson.NewError(msgjson.SessionError, "unknown session %d", sessionID)
	}
	p := c.participants[peer.ID()]
	if p == nil {
		return nil, msgjson.NewError(msgjson.SessionError, "not a participant")
	}
	if p.entry != nil {
		return nil, msgjson.NewError(msgjson.AlreadyHaveError, "entry already submitted")
	}
	return p, nil
}

func (c *Coordinator) checkInput(ctx context.Context, op wire.OutPoint, d cj.Denomination) *msgjson.Error {
	if c.locker.CoinLocked(op) {
		return msgjson.NewError(msgjson.AlreadyHaveError, "input %s already in the pool", op)
	}
	ctx, cancel := context.WithTimeout(ctx, utxoTimeout)
	defer cancel()
	out, err := c.utxos.Output(ctx, op)
	if err != nil {
		return msgjson.NewError(msgjson.MissingTxError, "input %s not found", op)
	}
	if out.Value < 0 || uint64(out.Value) != d.Amount() {
		return msgjson.NewError(msgjson.DenominationError, "input %s value %d is not %s", op, out.Value, d)
	}
	return nil
}

// statusAll builds a dssu for every participant. The mtx MUST be held.
func (c *Coordinator) statusAll(accepted bool, code int, message string) []*outMsg {
	msgs := make([]*outMsg, 0, len(c.participants))
	for _, p := range c.participants {
		msgs = append(msgs, &outMsg{p.peer, notification(msgjson.StatusUpdateRoute, &msgjson.StatusUpdate{
			SessionID:    c.sessionID,
			State:        uint8(c.state),
			EntriesCount: c.entries,
			Accepted:     accepted,
			Code:         code,
			Message:      message,
		})})
	}
	return msgs
}

// finalize builds the unsigned transaction from the entries and sends it to
// the participants. Participants without an entry are dropped. The mtx MUST
// be held.
func (c *Coordinator) finalize() []*outMsg {
	tx := wire.NewMsgTx()
	var msgs []*outMsg
	for id, p := range c.participants {
		if p.entry == nil {
			msgs = append(msgs, &outMsg{p.peer, notification(msgjson.StatusUpdateRoute, &msgjson.StatusUpdate{
				SessionID: c.sessionID,
				State:     uint8(StateSigning),
				Code:      msgjson.PoolStateError,
				Message:   "no entry submitted in time",
			})})
			delete(c.participants, id)
			continue
		}
		for _, op := range p.entry.inputs {
			op := op
			tx.AddTxIn(wire.NewTxIn(&op, int64(c.denom.Amount()), nil))
		}
		for _, out := range p.entry.outputs {
			tx.AddTxOut(&wire.TxOut{Value: out.Value, Version: out.Version, PkScript: out.PkScript})
		}
	}
	sortBIP69(tx)
	c.finalTx = tx
	c.state = StateSigning
	c.signDeadline = c.now().Add(cj.SigningTimeout)

	b, err := tx.Bytes()
	if err != nil {
		c.log.Errorf("Error serializing pool %d transaction: %v", c.sessionID, err)
		return append(msgs, c.reset(msgjson.RPCInternal, "internal error")...)
	}
	c.log.Infof("Pool %d finalized with %d entries, %d inputs", c.sessionID, c.entries, len(tx.TxIn))
	c.log.Tracef("Pool %d transaction: %s", c.sessionID, spew.Sdump(tx))
	for _, p := range c.participants {
		msgs = append(msgs, &outMsg{p.peer, notification(msgjson.FinalTxRoute, &msgjson.FinalTx{
			SessionID: c.sessionID,
			Tx:        b,
		})})
	}
	return msgs
}

// sortBIP69 orders inputs by previous outpoint and outputs by value, then
// script.
func sortBIP69(tx *wire.MsgTx) {
	sort.SliceStable(tx.TxIn, func(i, j int) bool {
		a, b := &tx.TxIn[i].PreviousOutPoint, &tx.TxIn[j].PreviousOutPoint
		if a.Hash != b.Hash {
			// Hashes compare in their displayed, byte-reversed order.
			for k := chainhash.HashSize - 1; k >= 0; k-- {
				if a.Hash[k] != b.Hash[k] {
					return a.Hash[k] < b.Hash[k]
				}
			}
		}
		return a.Index < b.Index
	})
	sort.SliceStable(tx.TxOut, func(i, j int) bool {
		a, b := tx.TxOut[i], tx.TxOut[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return bytes.Compare(a.PkScript, b.PkScript) < 0
	})
}

// HandleSignedInputs handles a participant's dss request.
func (c *Coordinator) HandleSignedInputs(ctx context.Context, peer Peer, msg *msgjson.Message) *msgjson.Error {
	var req msgjson.SignedInputs
	if err := msg.Unmarshal(&req); err != nil {
		return msgjson.NewError(msgjson.RPCParseError, "error parsing dss: %v", err)
	}

	c.mtx.Lock()
	if c.state != StateSigning {
		st := c.state
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.PoolStateError, "pool is %s", st)
	}
	if c.broadcasting {
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.PoolStateError, "pool transaction is being broadcast")
	}
	if req.SessionID != c.sessionID {
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.SessionError, "unknown session %d", req.SessionID)
	}
	p := c.participants[peer.ID()]
	if p == nil || p.entry == nil {
		c.mtx.Unlock()
		return msgjson.NewError(msgjson.SessionError, "not a participant")
	}
	txIns := make(map[wire.OutPoint]*wire.TxIn, len(c.finalTx.TxIn))
	for _, txIn := range c.finalTx.TxIn {
		txIns[txIn.PreviousOutPoint] = txIn
	}
	sigs := make(map[wire.OutPoint][]byte, len(req.Inputs))
	for _, si := range req.Inputs {
		if si == nil {
			continue
		}
		op, err := si.OutPoint.Wire()
		if err != nil {
			c.mtx.Unlock()
			return msgjson.NewError(msgjson.InvalidInputError, "bad outpoint: %v", err)
		}
		if lockedBy, found := c.locker.LockedBy(*op); !found || lockedBy != c.sessionID || !ownsInput(p.entry, *op) {
			c.mtx.Unlock()
			return msgjson.NewError(msgjson.SignatureError, "input %s is not yours", op)
		}
		if len(si.SigScript) == 0 {
			c.mtx.Unlock()
			return msgjson.NewError(msgjson.SignatureError, "empty signature script for %s", op)
		}
		sigs[*op] = append([]byte(nil), si.SigScript...)
	}
	for op, sig := range sigs {
		txIns[op].SignatureScript = sig
		p.entry.signed[op] = true
	}
	sid := c.sessionID
	complete := c.fullySigned()
	var tx *wire.MsgTx
	if complete {
		tx = c.finalTx.Copy()
		c.broadcasting = true
	}
	c.mtx.Unlock()

	resp, err := msgjson.NewResponse(msg.ID, &msgjson.Acknowledgement{SessionID: sid, Accepted: true}, nil)
	if err == nil {
		if err := peer.Send(resp); err != nil {
			c.log.Debugf("Error sending dss response to client %d: %v", peer.ID(), err)
		}
	}
	if complete {
		c.complete(ctx, sid, tx)
	}
	return nil
}

func ownsInput(e *entry, op wire.OutPoint) bool {
	for _, in := range e.inputs {
		if in == op {
			return true
		}
	}
	return false
}

// fullySigned is true if every input is signed. The mtx MUST be held.
func (c *Coordinator) fullySigned() bool {
	for _, p := range c.participants {
		if p.entry == nil || len(p.entry.signed) != len(p.entry.inputs) {
			return false
		}
	}
	return true
}

// complete broadcasts the signed transaction and reports the result to the
// participants. The signing deadline is not enforced while the broadcast is
// in progress.
func (c *Coordinator) complete(ctx context.Context, sid uint64, tx *wire.MsgTx) {
	err := c.broadcaster.BroadcastTx(ctx, tx)

	c.mtx.Lock()
	if c.sessionID != sid || c.state != StateSigning {
		c.mtx.Unlock()
		return
	}
	c.broadcasting = false
	var msgs []*outMsg
	if err != nil {
		c.log.Errorf("Error broadcasting pool %d transaction: %v", sid, err)
		msgs = c.reset(msgjson.InvalidTxError, fmt.Sprintf("broadcast failed: %v", err))
	} else {
		txHash := tx.TxHash()
		c.log.Infof("Pool %d complete: %s", sid, txHash)
		for _, p := range c.participants {
			msgs = append(msgs, &outMsg{p.peer, notification(msgjson.CompleteRoute, &msgjson.Complete{
				SessionID: sid,
				Success:   true,
				TxID:      txHash[:],
			})})
		}
		c.clear()
	}
	c.mtx.Unlock()
	c.send(msgs)
}

// reset abandons the pool and tells the participants why. The mtx MUST be
// held.
func (c *Coordinator) reset(code int, reason string) []*outMsg {
	if c.state == StateIdle {
		return nil
	}
	msgs := make([]*outMsg, 0, len(c.participants))
	for _, p := range c.participants {
		var msg *msgjson.Message
		if c.state == StateSigning {
			msg = notification(msgjson.CompleteRoute, &msgjson.Complete{
				SessionID: c.sessionID,
				Code:      code,
				Message:   reason,
			})
		} else {
			msg = notification(msgjson.StatusUpdateRoute, &msgjson.StatusUpdate{
				SessionID:    c.sessionID,
				State:        uint8(StateError),
				EntriesCount: c.entries,
				Code:         code,
				Message:      reason,
			})
		}
		msgs = append(msgs, &outMsg{p.peer, msg})
	}
	c.log.Infof("Pool %d reset: %s", c.sessionID, reason)
	c.clear()
	return msgs
}

// clear returns the pool to idle. The mtx MUST be held.
func (c *Coordinator) clear() {
	c.locker.UnlockSessionCoins(c.sessionID)
	c.state = StateIdle
	c.denom = cj.DenomNone
	c.participants = make(map[uint64]*participant)
	c.entries = 0
	c.held = 0
	c.broadcasting = false
	c.finalTx = nil
	c.opened = time.Time{}
	c.thresholdAt = time.Time{}
	c.signDeadline = time.Time{}
}

// tick enforces the pool deadlines.
func (c *Coordinator) tick(ctx context.Context) {
	now := c.now()
	var msgs []*outMsg
	var adv *queue.Queue
	c.mtx.Lock()
	switch c.state {
	case StateQueue, StateAcceptingEntries:
		switch {
		case c.held >= c.maxPeers:
			msgs = c.finalize()
		case c.held >= c.minPeers && !c.thresholdAt.IsZero() && now.Sub(c.thresholdAt) >= c.window:
			msgs = c.finalize()
		case now.Sub(c.opened) >= cj.QueueTimeout:
			if c.held >= c.minPeers {
				msgs = c.finalize()
				break
			}
			// A pool that had participants is advertised again. One that
			// was re-advertised and drew nobody goes idle.
			joined, d := len(c.participants) > 0, c.denom
			msgs = c.reset(msgjson.PoolTimeoutError, fmt.Sprintf("only %d of %d entries", c.held, c.minPeers))
			if joined {
				c.open(d)
				adv = c.advertisement(false)
			}
		}
	case StateSigning:
		if !c.broadcasting && now.After(c.signDeadline) {
			msgs = c.reset(msgjson.PoolTimeoutError, "signing timed out")
		}
	}
	c.mtx.Unlock()
	if adv != nil {
		c.advertise(adv)
	}
	c.send(msgs)
}

// Abort resets the open pool at the operator's request. It is false if no
// pool is open or its transaction is being broadcast.
func (c *Coordinator) Abort() bool {
	c.mtx.Lock()
	if c.state == StateIdle || c.broadcasting {
		c.mtx.Unlock()
		return false
	}
	msgs := c.reset(msgjson.PoolStateError, "pool aborted by operator")
	c.mtx.Unlock()
	c.send(msgs)
	return true
}

// RemovePeer drops a disconnected client. A pool that is signing cannot
// complete without it and is reset, unless its transaction is already being
// broadcast.
func (c *Coordinator) RemovePeer(id uint64) {
	c.mtx.Lock()
	p := c.participants[id]
	if p == nil {
		c.mtx.Unlock()
		return
	}
	var msgs []*outMsg
	switch {
	case c.broadcasting:
		delete(c.participants, id)
	case c.state == StateSigning && p.entry != nil:
		msgs = c.reset(msgjson.PoolStateError, "participant disconnected")
	default:
		if p.entry != nil {
			c.locker.UnlockCoins(c.sessionID, p.entry.inputs)
			c.held--
		}
		delete(c.participants, id)
		if len(c.participants) == 0 {
			c.clear()
		}
	}
	c.mtx.Unlock()
	c.send(msgs)
}
