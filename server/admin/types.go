// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

// MixingResult is the result of a start, stop, reset or pool abort request.
type MixingResult struct {
	Wallet string `json:"wallet,omitempty"`
	Status string `json:"status"`
}

// ErrorResult is the body of a failed request.
type ErrorResult struct {
	Error string `json:"error"`
}
