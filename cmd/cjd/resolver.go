// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/client/mixer"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// staticResolver is the masternode list given on the command line.
type staticResolver struct {
	list []*mixer.Masternode
	byID map[chainhash.Hash]*mixer.Masternode
}

var _ mixer.MasternodeResolver = (*staticResolver)(nil)

func newStaticResolver(mns []*mixer.Masternode) *staticResolver {
	r := &staticResolver{
		list: mns,
		byID: make(map[chainhash.Hash]*mixer.Masternode, len(mns)),
	}
	for _, mn := range mns {
		r.byID[mn.ProTxHash] = mn
	}
	return r
}

func (r *staticResolver) Masternodes() []*mixer.Masternode {
	return append([]*mixer.Masternode(nil), r.list...)
}

func (r *staticResolver) Masternode(proTxHash chainhash.Hash) (*mixer.Masternode, error) {
	mn, found := r.byID[proTxHash]
	if !found {
		return nil, cj.NewError(cj.ErrMasternodeGone, proTxHash.String())
	}
	return mn, nil
}

// pubKey is the queue.KeyResolver for advertisement signatures.
func (r *staticResolver) pubKey(proTxHash chainhash.Hash) (*secp256k1.PublicKey, error) {
	mn, err := r.Masternode(proTxHash)
	if err != nil {
		return nil, err
	}
	return mn.PubKey, nil
}
