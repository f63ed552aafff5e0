// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

// StatusKind classifies the outcome of a mixing cycle.
type StatusKind uint8

const (
	StatusIdle StatusKind = iota
	StatusMixing
	StatusComplete
	StatusWaiting
	StatusDisabled
	StatusWalletLocked
	StatusInsufficientFunds
	StatusFailed
)

var statusKindStrings = map[StatusKind]string{
	StatusIdle:              "idle",
	StatusMixing:            "mixing",
	StatusComplete:          "complete",
	StatusWaiting:           "waiting",
	StatusDisabled:          "disabled",
	StatusWalletLocked:      "wallet locked",
	StatusInsufficientFunds: "insufficient funds",
	StatusFailed:            "failed",
}

func (k StatusKind) String() string {
	if s, found := statusKindStrings[k]; found {
		return s
	}
	return "unknown"
}

// Status is the result of the latest mixing cycle.
type Status struct {
	Kind StatusKind
	Msg  string
}

func (s Status) String() string {
	if s.Msg == "" {
		return s.Kind.String()
	}
	return s.Msg
}

// WillRetry is true if the automatic loop keeps trying after this status.
// Complete and Waiting are benign and retried silently.
func (s Status) WillRetry() bool {
	switch s.Kind {
	case StatusIdle, StatusDisabled:
		return false
	}
	return true
}

// Benign is true if the status does not indicate a failure.
func (s Status) Benign() bool {
	switch s.Kind {
	case StatusMixing, StatusComplete, StatusWaiting, StatusIdle:
		return true
	}
	return false
}
