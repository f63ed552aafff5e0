// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db persists the mixing round bookkeeping that must survive a
// restart: the number of rounds each coin has been through, and per-wallet
// progress. Reservations are never persisted.
package db

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"decred.org/coinjoin/cj/encode"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

const (
	progressVersion = 0
	roundsVersion   = 0
)

var (
	progressKey  = []byte("p")
	roundsPrefix = []byte("r/")
)

// Progress is the round-progress bookkeeping of a wallet.
type Progress struct {
	CompletedRounds uint32
	LastSuccess     time.Time
	// UsedMasternodes are masternodes recently mixed with, which new sessions
	// avoid.
	UsedMasternodes []chainhash.Hash
}

// MarshalBinary satisfies encoding.BinaryMarshaler.
func (p *Progress) MarshalBinary() ([]byte, error) {
	mns := make([]byte, 0, len(p.UsedMasternodes)*chainhash.HashSize)
	for i := range p.UsedMasternodes {
		mns = append(mns, p.UsedMasternodes[i][:]...)
	}
	return encode.BuildyBytes{progressVersion}.
		AddData(encode.Uint32Bytes(p.CompletedRounds)).
		AddData(encode.UnixMilliBytes(p.LastSuccess)).
		AddData(mns), nil
}

// UnmarshalBinary satisfies encoding.BinaryUnmarshaler.
func (p *Progress) UnmarshalBinary(b []byte) error {
	ver, pushes, err := encode.DecodeBlob(b, 3)
	if err != nil {
		return err
	}
	if ver != progressVersion {
		return fmt.Errorf("unknown progress version %d", ver)
	}
	if len(pushes) != 3 || len(pushes[0]) != 4 || len(pushes[1]) != 8 ||
		len(pushes[2])%chainhash.HashSize != 0 {
		return errors.New("invalid progress encoding")
	}
	p.CompletedRounds = encode.IntCoder.Uint32(pushes[0])
	p.LastSuccess = encode.DecodeUTime(pushes[1])
	mns := pushes[2]
	p.UsedMasternodes = make([]chainhash.Hash, 0, len(mns)/chainhash.HashSize)
	for len(mns) > 0 {
		var h chainhash.Hash
		copy(h[:], mns[:chainhash.HashSize])
		p.UsedMasternodes = append(p.UsedMasternodes, h)
		mns = mns[chainhash.HashSize:]
	}
	return nil
}

type rounds uint32

func (r rounds) MarshalBinary() ([]byte, error) {
	return encode.BuildyBytes{roundsVersion}.AddData(encode.Uint32Bytes(uint32(r))), nil
}

func decodeRounds(b []byte) (int, error) {
	ver, pushes, err := encode.DecodeBlob(b, 1)
	if err != nil {
		return 0, err
	}
	if ver != roundsVersion || len(pushes) != 1 || len(pushes[0]) != 4 {
		return 0, errors.New("invalid rounds encoding")
	}
	return int(encode.IntCoder.Uint32(pushes[0])), nil
}

// Store is the round bookkeeping for one wallet.
type Store struct {
	db     KeyValueDB
	prefix []byte
	// mtx serializes read-modify-write of the progress record.
	mtx sync.Mutex
}

// NewStore creates a Store for the wallet. Several wallets may share a
// KeyValueDB.
func NewStore(db KeyValueDB, walletName string) *Store {
	return &Store{
		db:     db,
		prefix: []byte("w/" + walletName + "/"),
	}
}

func (s *Store) key(parts ...[]byte) []byte {
	k := append([]byte(nil), s.prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// Rounds is the number of completed rounds of the coin. Unknown coins have
// zero rounds.
func (s *Store) Rounds(op wire.OutPoint) (int, error) {
	b, err := s.db.Get(s.key(roundsPrefix, encode.OutPointKey(&op)))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeRounds(b)
}

// SetRounds records the rounds for the coins.
func (s *Store) SetRounds(ops []wire.OutPoint, n int) error {
	for i := range ops {
		if err := s.db.Store(s.key(roundsPrefix, encode.OutPointKey(&ops[i])), rounds(n)); err != nil {
			return fmt.Errorf("error storing rounds for %s: %w", ops[i], err)
		}
	}
	return nil
}

// AllRounds loads the rounds of every known coin.
func (s *Store) AllRounds() (map[wire.OutPoint]int, error) {
	all := make(map[wire.OutPoint]int)
	prefix := s.key(roundsPrefix)
	return all, s.db.ForEach(prefix, func(k, v []byte) error {
		op, err := encode.DecodeOutPointKey(k[len(prefix):])
		if err != nil {
			return err
		}
		n, err := decodeRounds(v)
		if err != nil {
			return fmt.Errorf("rounds for %s: %w", op, err)
		}
		all[op] = n
		return nil
	})
}

// PruneRounds deletes the records of coins for which keep returns false,
// e.g. spent coins. The number of deleted records is returned.
func (s *Store) PruneRounds(keep func(wire.OutPoint) bool) (int, error) {
	all, err := s.AllRounds()
	if err != nil {
		return 0, err
	}
	var n int
	for op := range all {
		if keep(op) {
			continue
		}
		if err := s.db.Delete(s.key(roundsPrefix, encode.OutPointKey(&op))); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Progress loads the progress record. A wallet without a record has zero
// progress.
func (s *Store) Progress() (*Progress, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.progress()
}

func (s *Store) progress() (*Progress, error) {
	p := new(Progress)
	b, err := s.db.Get(s.key(progressKey))
	if errors.Is(err, ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, p.UnmarshalBinary(b)
}

// UpdateProgress applies f to the stored progress and saves the result.
func (s *Store) UpdateProgress(f func(*Progress)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	p, err := s.progress()
	if err != nil {
		return err
	}
	f(p)
	return s.db.Store(s.key(progressKey), p)
}

// ClearProgress deletes the progress record. Coin rounds are kept.
func (s *Store) ClearProgress() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Delete(s.key(progressKey))
}
