package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/queue"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

var tLogger = cj.StdOutLogger("TEST", cj.LevelTrace)

func randOutPoint() wire.OutPoint {
	var op wire.OutPoint
	rand.Read(op.Hash[:])
	op.Index = rand.Uint32() % 8
	return op
}

type TPeer struct {
	id   uint64
	mtx  sync.Mutex
	msgs []*msgjson.Message
}

func (p *TPeer) ID() uint64 { return p.id }

func (p *TPeer) Send(msg *msgjson.Message) error {
	p.mtx.Lock()
	p.msgs = append(p.msgs, msg)
	p.mtx.Unlock()
	return nil
}

// last returns the latest message on the route.
func (p *TPeer) last(route string) *msgjson.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].Route == route {
			return p.msgs[i]
		}
	}
	return nil
}

func (p *TPeer) response(id uint64) *msgjson.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, msg := range p.msgs {
		if msg.Type == msgjson.Response && msg.ID == id {
			return msg
		}
	}
	return nil
}

type TUTXOSource struct {
	mtx   sync.Mutex
	utxos map[wire.OutPoint]*wire.TxOut
}

func (s *TUTXOSource) add(amt uint64) wire.OutPoint {
	op := randOutPoint()
	s.mtx.Lock()
	s.utxos[op] = &wire.TxOut{Value: int64(amt), PkScript: []byte{0x51}}
	s.mtx.Unlock()
	return op
}

func (s *TUTXOSource) Output(_ context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out, found := s.utxos[op]
	if !found {
		return nil, errors.New("no utxo")
	}
	return out, nil
}

// TBroadcaster records transactions. A non-nil hold blocks BroadcastTx until
// it is closed.
type TBroadcaster struct {
	mtx  sync.Mutex
	txs  []*wire.MsgTx
	err  error
	hold chan struct{}
}

func (b *TBroadcaster) count() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.txs)
}

func (b *TBroadcaster) BroadcastTx(_ context.Context, tx *wire.MsgTx) error {
	if b.hold != nil {
		<-b.hold
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.err != nil {
		return b.err
	}
	b.txs = append(b.txs, tx)
	return nil
}

type TRelay struct {
	mtx    sync.Mutex
	queues []*msgjson.Queue
}

func (r *TRelay) Broadcast(msg *msgjson.Message) {
	q := new(msgjson.Queue)
	msg.Unmarshal(q)
	r.mtx.Lock()
	r.queues = append(r.queues, q)
	r.mtx.Unlock()
}

func (r *TRelay) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.queues)
}

type tClock struct {
	mtx sync.Mutex
	t   time.Time
}

func (c *tClock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *tClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

type tPool struct {
	c      *Coordinator
	utxos  *TUTXOSource
	bcast  *TBroadcaster
	relay  *TRelay
	clock  *tClock
	key    *secp256k1.PrivateKey
	queues *queue.Registry
	reqID  uint64
}

func newTPool(t *testing.T) *tPool {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey error: %v", err)
	}
	var proTx chainhash.Hash
	rand.Read(proTx[:])
	tp := &tPool{
		utxos: &TUTXOSource{utxos: make(map[wire.OutPoint]*wire.TxOut)},
		bcast: &TBroadcaster{},
		relay: &TRelay{},
		clock: &tClock{t: time.Now().Truncate(time.Second)},
		key:   key,
	}
	tp.queues = queue.NewRegistry(&queue.Config{
		Logger: tLogger,
		PubKey: func(chainhash.Hash) (*secp256k1.PublicKey, error) { return key.PubKey(), nil },
	})
	c, err := NewCoordinator(&Config{
		Logger:      tLogger,
		Net:         cj.Regtest,
		ProTxHash:   proTx,
		OutPoint:    randOutPoint(),
		OperatorKey: key,
		UTXOs:       tp.utxos,
		Broadcaster: tp.bcast,
		Relay:       tp.relay,
		Queues:      tp.queues,
	})
	if err != nil {
		t.Fatalf("NewCoordinator error: %v", err)
	}
	c.now = tp.clock.now
	tp.c = c
	return tp
}

func (tp *tPool) request(t *testing.T, route string, payload any) *msgjson.Message {
	t.Helper()
	tp.reqID++
	msg, err := msgjson.NewRequest(tp.reqID, route, payload)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	return msg
}

type tClient struct {
	peer       *TPeer
	collateral wire.OutPoint
	inputs     []wire.OutPoint
	sessionID  uint64
}

func (tp *tPool) newClient(id uint64, nInputs int) *tClient {
	cl := &tClient{
		peer:       &TPeer{id: id},
		collateral: tp.utxos.add(cj.CollateralAmount),
	}
	for i := 0; i < nInputs; i++ {
		cl.inputs = append(cl.inputs, tp.utxos.add(cj.Denom1.Amount()))
	}
	return cl
}

func (tp *tPool) accept(t *testing.T, cl *tClient) *msgjson.Error {
	t.Helper()
	req := tp.request(t, msgjson.AcceptRoute, &msgjson.Accept{
		Denom:      cj.Denom1,
		Collateral: msgjson.NewOutPoint(&cl.collateral),
	})
	if rpcErr := tp.c.HandleAccept(context.Background(), cl.peer, req); rpcErr != nil {
		return rpcErr
	}
	var res msgjson.AcceptResult
	if err := cl.peer.response(req.ID).UnmarshalResult(&res); err != nil {
		t.Fatalf("bad dsa response: %v", err)
	}
	cl.sessionID = res.SessionID
	return nil
}

func (cl *tClient) entry() *msgjson.Entry {
	e := &msgjson.Entry{
		SessionID:  cl.sessionID,
		Collateral: msgjson.NewOutPoint(&cl.collateral),
	}
	for i := range cl.inputs {
		e.Inputs = append(e.Inputs, msgjson.NewOutPoint(&cl.inputs[i]))
		e.Outputs = append(e.Outputs, &msgjson.TxOut{
			Value:    cj.Denom1.Amount(),
			PkScript: []byte{0x76, 0xa9, byte(cl.peer.id), byte(i)},
		})
	}
	return e
}

func (tp *tPool) submit(t *testing.T, cl *tClient, e *msgjson.Entry) *msgjson.Error {
	t.Helper()
	return tp.c.HandleEntry(context.Background(), cl.peer, tp.request(t, msgjson.EntryRoute, e))
}

func (tp *tPool) sign(t *testing.T, cl *tClient, ops []wire.OutPoint) *msgjson.Error {
	t.Helper()
	si := &msgjson.SignedInputs{SessionID: cl.sessionID}
	for i := range ops {
		si.Inputs = append(si.Inputs, &msgjson.SignedInput{
			OutPoint:  msgjson.NewOutPoint(&ops[i]),
			SigScript: []byte{0x01, byte(i)},
		})
	}
	return tp.c.HandleSignedInputs(context.Background(), cl.peer, tp.request(t, msgjson.SignedInputsRoute, si))
}

func finalTx(t *testing.T, cl *tClient) *wire.MsgTx {
	t.Helper()
	msg := cl.peer.last(msgjson.FinalTxRoute)
	if msg == nil {
		t.Fatalf("client %d got no final transaction", cl.peer.id)
	}
	var ft msgjson.FinalTx
	if err := msg.Unmarshal(&ft); err != nil {
		t.Fatalf("bad dsf: %v", err)
	}
	tx, err := ft.MsgTx()
	if err != nil {
		t.Fatalf("bad dsf tx: %v", err)
	}
	return tx
}

func TestAcceptAdvertises(t *testing.T) {
	tp := newTPool(t)
	cl := tp.newClient(1, 2)
	if rpcErr := tp.accept(t, cl); rpcErr != nil {
		t.Fatalf("dsa rejected: %v", rpcErr)
	}
	if tp.c.State() != StateQueue {
		t.Fatalf("expected %s, got %s", StateQueue, tp.c.State())
	}
	if tp.relay.count() != 1 {
		t.Fatalf("expected 1 dsq, got %d", tp.relay.count())
	}
	q, err := queue.FromMsg(tp.relay.queues[0])
	if err != nil {
		t.Fatalf("bad dsq: %v", err)
	}
	if err := q.Verify(tp.key.PubKey()); err != nil {
		t.Fatalf("dsq signature: %v", err)
	}
	if q.Denom != cj.Denom1 || q.Ready {
		t.Fatalf("wrong queue %s", q)
	}
	info := tp.c.Info()
	if info.QueueSize != 1 || info.State != "QUEUE" || info.Denomination != cj.Denom1.String() || info.EntriesCount != 0 {
		t.Fatalf("wrong info %+v", info)
	}

	// Same client again.
	if rpcErr := tp.accept(t, cl); rpcErr == nil || rpcErr.Code != msgjson.AlreadyHaveError {
		t.Fatalf("second dsa from the same client accepted: %v", rpcErr)
	}
	// Another denomination.
	other := tp.newClient(2, 1)
	req := tp.request(t, msgjson.AcceptRoute, &msgjson.Accept{Denom: cj.Denom10, Collateral: msgjson.NewOutPoint(&other.collateral)})
	if rpcErr := tp.c.HandleAccept(context.Background(), other.peer, req); rpcErr == nil || rpcErr.Code != msgjson.DenominationError {
		t.Fatalf("dsa for another denomination accepted: %v", rpcErr)
	}
	// Unknown collateral.
	stranger := &tClient{peer: &TPeer{id: 3}, collateral: randOutPoint()}
	if rpcErr := tp.accept(t, stranger); rpcErr == nil || rpcErr.Code != msgjson.InvalidCollateralError {
		t.Fatalf("dsa with unknown collateral accepted: %v", rpcErr)
	}
}

func TestEntryValidation(t *testing.T) {
	tp := newTPool(t)
	a, b := tp.newClient(1, 2), tp.newClient(2, 2)
	tp.accept(t, a)
	tp.accept(t, b)

	tests := []struct {
		name string
		mod  func(*msgjson.Entry)
		code int
	}{
		{"count mismatch", func(e *msgjson.Entry) { e.Outputs = e.Outputs[:1] }, msgjson.SizeMismatchError},
		{"no inputs", func(e *msgjson.Entry) { e.Inputs, e.Outputs = nil, nil }, msgjson.MaximumInputsError},
		{"wrong output value", func(e *msgjson.Entry) { e.Outputs[0].Value++ }, msgjson.DenominationError},
		{"empty script", func(e *msgjson.Entry) { e.Outputs[1].PkScript = nil }, msgjson.InvalidScriptError},
		{"unknown input", func(e *msgjson.Entry) { op := randOutPoint(); e.Inputs[0] = msgjson.NewOutPoint(&op) }, msgjson.MissingTxError},
		{"duplicate input", func(e *msgjson.Entry) { e.Inputs[1] = e.Inputs[0] }, msgjson.InvalidInputError},
		{"wrong session", func(e *msgjson.Entry) { e.SessionID++ }, msgjson.SessionError},
		{"other collateral", func(e *msgjson.Entry) { e.Collateral = msgjson.NewOutPoint(&b.collateral) }, msgjson.InvalidCollateralError},
	}
	for _, tt := range tests {
		e := a.entry()
		tt.mod(e)
		rpcErr := tp.submit(t, a, e)
		if rpcErr == nil || rpcErr.Code != tt.code {
			t.Fatalf("%s: expected code %d, got %v", tt.name, tt.code, rpcErr)
		}
	}

	// Wrong input amount.
	e := a.entry()
	small := tp.utxos.add(cj.Denom0_1.Amount())
	e.Inputs[0] = msgjson.NewOutPoint(&small)
	if rpcErr := tp.submit(t, a, e); rpcErr == nil || rpcErr.Code != msgjson.DenominationError {
		t.Fatalf("wrong input amount accepted: %v", rpcErr)
	}

	if rpcErr := tp.submit(t, a, a.entry()); rpcErr != nil {
		t.Fatalf("valid entry rejected: %v", rpcErr)
	}
	if rpcErr := tp.submit(t, a, a.entry()); rpcErr == nil || rpcErr.Code != msgjson.AlreadyHaveError {
		t.Fatalf("second entry accepted: %v", rpcErr)
	}
	// An input of another entry.
	e = b.entry()
	e.Inputs[0] = msgjson.NewOutPoint(&a.inputs[0])
	if rpcErr := tp.submit(t, b, e); rpcErr == nil || rpcErr.Code != msgjson.AlreadyHaveError {
		t.Fatalf("overlapping entry accepted: %v", rpcErr)
	}
	// Not a participant.
	c := tp.newClient(3, 1)
	c.sessionID = a.sessionID
	if rpcErr := tp.submit(t, c, c.entry()); rpcErr == nil || rpcErr.Code != msgjson.SessionError {
		t.Fatalf("entry from stranger accepted: %v", rpcErr)
	}
	if n := tp.c.Info().EntriesCount; n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestFullPool(t *testing.T) {
	tp := newTPool(t)
	a, b, idle := tp.newClient(1, 2), tp.newClient(2, 3), tp.newClient(3, 1)
	for _, cl := range []*tClient{a, b, idle} {
		if rpcErr := tp.accept(t, cl); rpcErr != nil {
			t.Fatalf("dsa rejected: %v", rpcErr)
		}
	}
	if rpcErr := tp.submit(t, a, a.entry()); rpcErr != nil {
		t.Fatalf("entry rejected: %v", rpcErr)
	}
	if rpcErr := tp.submit(t, b, b.entry()); rpcErr != nil {
		t.Fatalf("entry rejected: %v", rpcErr)
	}
	// Minimum reached, the queue is re-advertised as ready.
	if tp.c.State() != StateAcceptingEntries {
		t.Fatalf("expected %s, got %s", StateAcceptingEntries, tp.c.State())
	}
	if tp.relay.count() != 2 || !tp.relay.queues[1].Ready {
		t.Fatalf("no ready queue")
	}
	var su msgjson.StatusUpdate
	a.peer.last(msgjson.StatusUpdateRoute).Unmarshal(&su)
	if !su.Accepted || su.EntriesCount != 2 {
		t.Fatalf("wrong status update %+v", su)
	}

	// Not yet.
	tp.c.tick(context.Background())
	if tp.c.State() != StateAcceptingEntries {
		t.Fatalf("finalized before the accept window")
	}
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	if tp.c.State() != StateSigning {
		t.Fatalf("expected %s, got %s", StateSigning, tp.c.State())
	}
	// The participant without an entry is dropped.
	idle.peer.last(msgjson.StatusUpdateRoute).Unmarshal(&su)
	if su.Accepted {
		t.Fatalf("idle participant not dropped")
	}

	tx := finalTx(t, a)
	if len(tx.TxIn) != 5 || len(tx.TxOut) != 5 {
		t.Fatalf("wrong skeleton:\n%s", spew.Sdump(tx))
	}
	for i := 1; i < len(tx.TxIn); i++ {
		prev, cur := tx.TxIn[i-1].PreviousOutPoint, tx.TxIn[i].PreviousOutPoint
		if prev.Hash.String() > cur.Hash.String() {
			t.Fatalf("inputs not sorted:\n%s", spew.Sdump(tx))
		}
	}
	if finalTx(t, b).TxHash() != tx.TxHash() {
		t.Fatalf("participants got different transactions")
	}

	// Signatures for someone else's inputs are refused.
	if rpcErr := tp.sign(t, a, b.inputs[:1]); rpcErr == nil || rpcErr.Code != msgjson.SignatureError {
		t.Fatalf("foreign signature accepted: %v", rpcErr)
	}
	if rpcErr := tp.sign(t, a, a.inputs); rpcErr != nil {
		t.Fatalf("dss rejected: %v", rpcErr)
	}
	if len(tp.bcast.txs) != 0 {
		t.Fatalf("broadcast before every input was signed")
	}
	if rpcErr := tp.sign(t, b, b.inputs); rpcErr != nil {
		t.Fatalf("dss rejected: %v", rpcErr)
	}
	if len(tp.bcast.txs) != 1 {
		t.Fatalf("not broadcast")
	}
	for _, txIn := range tp.bcast.txs[0].TxIn {
		if len(txIn.SignatureScript) == 0 {
			t.Fatalf("unsigned input %s broadcast", txIn.PreviousOutPoint)
		}
	}
	var dsc msgjson.Complete
	b.peer.last(msgjson.CompleteRoute).Unmarshal(&dsc)
	txHash := tp.bcast.txs[0].TxHash()
	if !dsc.Success || string(dsc.TxID) != string(txHash[:]) {
		t.Fatalf("wrong completion %+v", dsc)
	}
	if tp.c.State() != StateIdle || tp.c.locker.Count() != 0 {
		t.Fatalf("pool not cleared")
	}
}

func TestQueueTimeout(t *testing.T) {
	tp := newTPool(t)
	a, b := tp.newClient(1, 1), tp.newClient(2, 1)
	tp.accept(t, a)
	tp.accept(t, b)
	tp.submit(t, a, a.entry())
	sid := a.sessionID

	tp.clock.advance(cj.QueueTimeout)
	tp.c.tick(context.Background())

	var su msgjson.StatusUpdate
	a.peer.last(msgjson.StatusUpdateRoute).Unmarshal(&su)
	if su.Accepted || su.Code != msgjson.PoolTimeoutError || su.SessionID != sid {
		t.Fatalf("participant not told about the timeout: %+v", su)
	}
	if b.peer.last(msgjson.StatusUpdateRoute) == nil {
		t.Fatalf("participant without entry not told")
	}
	// It had an entry, so the pool is advertised again under a new session.
	if tp.c.State() != StateQueue || tp.relay.count() != 2 {
		t.Fatalf("pool not re-advertised: %s, %d queues", tp.c.State(), tp.relay.count())
	}
	if tp.c.locker.Count() != 0 {
		t.Fatalf("inputs still reserved")
	}
	tp.clock.advance(time.Second)
	cl := tp.newClient(3, 1)
	tp.accept(t, cl)
	if cl.sessionID == sid {
		t.Fatalf("session not renewed")
	}
	// An empty pool times out to idle.
	tp.c.RemovePeer(cl.peer.id)
	if tp.c.State() != StateIdle {
		t.Fatalf("empty pool not cleared")
	}
}

func TestQueueTimeoutWithoutEntries(t *testing.T) {
	tp := newTPool(t)
	a := tp.newClient(1, 1)
	tp.accept(t, a)
	sid := a.sessionID
	tp.clock.advance(cj.QueueTimeout)
	tp.c.tick(context.Background())

	var su msgjson.StatusUpdate
	a.peer.last(msgjson.StatusUpdateRoute).Unmarshal(&su)
	if su.Code != msgjson.PoolTimeoutError || su.SessionID != sid {
		t.Fatalf("participant not told about the timeout: %+v", su)
	}
	// Reset and advertised again.
	if tp.c.State() != StateQueue || tp.relay.count() != 2 {
		t.Fatalf("pool not re-advertised: %s, %d queues", tp.c.State(), tp.relay.count())
	}
	if q := tp.relay.queues[1]; q.Ready || q.Denom != cj.Denom1 {
		t.Fatalf("wrong dsq %+v", q)
	}
	// Nobody joined the new pool, so it goes idle.
	tp.clock.advance(cj.QueueTimeout)
	tp.c.tick(context.Background())
	if tp.c.State() != StateIdle || tp.relay.count() != 2 {
		t.Fatalf("unattended pool re-advertised: %s, %d queues", tp.c.State(), tp.relay.count())
	}
}

func TestSigningTimeout(t *testing.T) {
	tp := newTPool(t)
	a, b := tp.newClient(1, 1), tp.newClient(2, 1)
	tp.accept(t, a)
	tp.accept(t, b)
	tp.submit(t, a, a.entry())
	tp.submit(t, b, b.entry())
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	tp.sign(t, a, a.inputs)

	tp.clock.advance(cj.SigningTimeout + time.Second)
	tp.c.tick(context.Background())
	var dsc msgjson.Complete
	a.peer.last(msgjson.CompleteRoute).Unmarshal(&dsc)
	if dsc.Success || dsc.Code != msgjson.PoolTimeoutError {
		t.Fatalf("wrong completion %+v", dsc)
	}
	if tp.c.State() != StateIdle || len(tp.bcast.txs) != 0 {
		t.Fatalf("pool not reset")
	}
}

func TestBroadcastFailure(t *testing.T) {
	tp := newTPool(t)
	tp.bcast.err = errors.New("rejected by network")
	a, b := tp.newClient(1, 1), tp.newClient(2, 1)
	tp.accept(t, a)
	tp.accept(t, b)
	tp.submit(t, a, a.entry())
	tp.submit(t, b, b.entry())
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	tp.sign(t, a, a.inputs)
	tp.sign(t, b, b.inputs)
	var dsc msgjson.Complete
	a.peer.last(msgjson.CompleteRoute).Unmarshal(&dsc)
	if dsc.Success || dsc.Code != msgjson.InvalidTxError {
		t.Fatalf("wrong completion %+v", dsc)
	}
	if tp.c.State() != StateIdle {
		t.Fatalf("pool not reset")
	}
}

func TestRemovePeerWhileSigning(t *testing.T) {
	tp := newTPool(t)
	a, b := tp.newClient(1, 1), tp.newClient(2, 1)
	tp.accept(t, a)
	tp.accept(t, b)
	tp.submit(t, a, a.entry())
	tp.submit(t, b, b.entry())
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	tp.c.RemovePeer(b.peer.id)
	if tp.c.State() != StateIdle {
		t.Fatalf("pool not reset")
	}
	if a.peer.last(msgjson.CompleteRoute) == nil {
		t.Fatalf("remaining participant not told")
	}
}

func TestRemovePeerKeepsEntryCount(t *testing.T) {
	tp := newTPool(t)
	a, b, c := tp.newClient(1, 2), tp.newClient(2, 1), tp.newClient(3, 1)
	for _, cl := range []*tClient{a, b, c} {
		if rpcErr := tp.accept(t, cl); rpcErr != nil {
			t.Fatalf("dsa rejected: %v", rpcErr)
		}
	}
	if rpcErr := tp.submit(t, a, a.entry()); rpcErr != nil {
		t.Fatalf("entry rejected: %v", rpcErr)
	}
	tp.c.RemovePeer(a.peer.id)
	if info := tp.c.Info(); info.EntriesCount != 1 || info.State != StateQueue.String() {
		t.Fatalf("wrong pool info after disconnect %+v", info)
	}
	if tp.c.locker.Count() != 0 {
		t.Fatalf("departed participant's inputs still reserved")
	}

	// The departed entry does not count toward the minimum.
	tp.submit(t, b, b.entry())
	if tp.c.State() != StateQueue || tp.c.Info().EntriesCount != 2 {
		t.Fatalf("expected %s with 2 entries, got %+v", StateQueue, tp.c.Info())
	}
	tp.submit(t, c, c.entry())
	if tp.c.State() != StateAcceptingEntries || tp.c.Info().EntriesCount != 3 {
		t.Fatalf("expected %s with 3 entries, got %+v", StateAcceptingEntries, tp.c.Info())
	}
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	if tp.c.State() != StateSigning {
		t.Fatalf("expected %s, got %s", StateSigning, tp.c.State())
	}
	if tx := finalTx(t, b); len(tx.TxIn) != 2 {
		t.Fatalf("departed inputs in the skeleton:\n%s", spew.Sdump(tx))
	}
	// Reset clears the count.
	tp.c.RemovePeer(b.peer.id)
	if info := tp.c.Info(); info.EntriesCount != 0 || tp.c.State() != StateIdle {
		t.Fatalf("pool not reset %+v", info)
	}
}

func TestSlowBroadcast(t *testing.T) {
	tp := newTPool(t)
	tp.bcast.hold = make(chan struct{})
	a, b := tp.newClient(1, 1), tp.newClient(2, 1)
	tp.accept(t, a)
	tp.accept(t, b)
	tp.submit(t, a, a.entry())
	tp.submit(t, b, b.entry())
	tp.clock.advance(cj.AcceptWindow)
	tp.c.tick(context.Background())
	if rpcErr := tp.sign(t, a, a.inputs); rpcErr != nil {
		t.Fatalf("dss rejected: %v", rpcErr)
	}
	signed := make(chan *msgjson.Error, 1)
	dss := tp.request(t, msgjson.SignedInputsRoute, &msgjson.SignedInputs{
		SessionID: b.sessionID,
		Inputs: []*msgjson.SignedInput{{
			OutPoint:  msgjson.NewOutPoint(&b.inputs[0]),
			SigScript: []byte{0x01},
		}},
	})
	go func() {
		signed <- tp.c.HandleSignedInputs(context.Background(), b.peer, dss)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tp.c.mtx.Lock()
		broadcasting := tp.c.broadcasting
		tp.c.mtx.Unlock()
		if broadcasting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Neither the signing deadline nor a disconnect aborts the broadcast.
	tp.clock.advance(cj.SigningTimeout + time.Second)
	tp.c.tick(context.Background())
	tp.c.RemovePeer(a.peer.id)
	if tp.c.State() != StateSigning || a.peer.last(msgjson.CompleteRoute) != nil {
		t.Fatalf("pool reset during broadcast")
	}
	if rpcErr := tp.sign(t, b, b.inputs); rpcErr == nil || rpcErr.Code != msgjson.PoolStateError {
		t.Fatalf("dss accepted during broadcast: %v", rpcErr)
	}

	close(tp.bcast.hold)
	select {
	case rpcErr := <-signed:
		if rpcErr != nil {
			t.Fatalf("dss rejected: %v", rpcErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast never finished")
	}
	if tp.bcast.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", tp.bcast.count())
	}
	var dsc msgjson.Complete
	b.peer.last(msgjson.CompleteRoute).Unmarshal(&dsc)
	if !dsc.Success {
		t.Fatalf("wrong completion %+v", dsc)
	}
	if tp.c.State() != StateIdle || tp.c.locker.Count() != 0 {
		t.Fatalf("pool not cleared")
	}
}

func TestAbort(t *testing.T) {
	tp := newTPool(t)
	if tp.c.Abort() {
		t.Fatalf("aborted an idle pool")
	}
	a := tp.newClient(1, 2)
	tp.accept(t, a)
	tp.submit(t, a, a.entry())
	if !tp.c.Abort() {
		t.Fatalf("open pool not aborted")
	}
	var su msgjson.StatusUpdate
	a.peer.last(msgjson.StatusUpdateRoute).Unmarshal(&su)
	if su.Code != msgjson.PoolStateError || su.State != uint8(StateError) {
		t.Fatalf("participant not told about the abort: %+v", su)
	}
	if tp.c.State() != StateIdle || tp.c.locker.Count() != 0 {
		t.Fatalf("pool not cleared")
	}
}

func TestBIP69(t *testing.T) {
	tx := wire.NewMsgTx()
	var h1, h2 chainhash.Hash
	h1[chainhash.HashSize-1] = 2
	h2[0] = 9
	h2[chainhash.HashSize-1] = 1
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h1, 0, 0), 0, nil))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h2, 1, 0), 0, nil))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h2, 0, 0), 0, nil))
	tx.AddTxOut(wire.NewTxOut(5, []byte{2}))
	tx.AddTxOut(wire.NewTxOut(5, []byte{1}))
	tx.AddTxOut(wire.NewTxOut(3, []byte{9}))
	sortBIP69(tx)
	if tx.TxIn[0].PreviousOutPoint.Hash != h2 || tx.TxIn[0].PreviousOutPoint.Index != 0 ||
		tx.TxIn[1].PreviousOutPoint.Index != 1 || tx.TxIn[2].PreviousOutPoint.Hash != h1 {
		t.Fatalf("wrong input order:\n%s", spew.Sdump(tx.TxIn))
	}
	if tx.TxOut[0].Value != 3 || tx.TxOut[1].PkScript[0] != 1 || tx.TxOut[2].PkScript[0] != 2 {
		t.Fatalf("wrong output order:\n%s", spew.Sdump(tx.TxOut))
	}
}
