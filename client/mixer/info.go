// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

// lowKeysThreshold is the legacy keypool size below which Info warns.
const lowKeysThreshold = 100

// Info is the client's getcoinjoininfo result. Warnings is set only when the
// request resolved a wallet.
type Info struct {
	Enabled       bool           `json:"enabled"`
	MultiSession  bool           `json:"multisession"`
	MaxSessions   int            `json:"max_sessions"`
	MaxRounds     int            `json:"max_rounds"`
	MaxAmount     uint64         `json:"max_amount"`
	DenomsGoal    int            `json:"denoms_goal"`
	DenomsHardcap int            `json:"denoms_hardcap"`
	QueueSize     int            `json:"queue_size"`
	Running       bool           `json:"running"`
	Sessions      []*SessionInfo `json:"sessions"`
	KeysLeft      *int           `json:"keys_left,omitempty"`
	Warnings      *string        `json:"warnings,omitempty"`
}

// SessionInfo describes one session.
type SessionInfo struct {
	ProTxHash    string  `json:"protxhash"`
	OutPoint     string  `json:"outpoint"`
	Service      string  `json:"service"`
	Denomination float64 `json:"denomination"`
	State        string  `json:"state"`
	EntriesCount int     `json:"entries_count"`
}

// NewInfo is the wallet-independent part of Info.
func NewInfo(opts *Options, queueSize int) *Info {
	cfg := opts.Config()
	return &Info{
		Enabled:       cfg.Enabled,
		MultiSession:  cfg.MultiSession,
		MaxSessions:   cfg.Sessions,
		MaxRounds:     cfg.Rounds,
		MaxAmount:     cfg.Amount,
		DenomsGoal:    cfg.DenomsGoal,
		DenomsHardcap: cfg.DenomsHardcap,
		QueueSize:     queueSize,
		Sessions:      make([]*SessionInfo, 0),
	}
}

func keypoolWarning(keysLeft int) string {
	if keysLeft < lowKeysThreshold {
		return "WARNING: keypool is almost depleted!"
	}
	return ""
}
