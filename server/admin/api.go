// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"decred.org/coinjoin/cj"
)

const pongStr = "pong"

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// writeError responds with the error's message and a status code for its
// class.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch cj.Class(err) {
	case cj.ClassConfiguration, cj.ClassRole:
		code = http.StatusForbidden
	case cj.ClassPrecondition:
		code = http.StatusConflict
		if errors.Is(err, cj.ErrUnknownWallet) {
			code = http.StatusNotFound
		}
	}
	writeJSONWithStatus(w, &ErrorResult{Error: err.Error()}, code)
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

// apiInfo is the handler for the '/info?wallet=NAME' API request.
func (s *Server) apiInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.Info(r.URL.Query().Get(walletKey))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

// apiPoolInfo is the handler for the deprecated '/poolinfo' API request.
func (s *Server) apiPoolInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSONWithStatus(w, &ErrorResult{Error: s.core.PoolInfo().Error()}, http.StatusGone)
}

// apiStart is the handler for the '/mixing/start?wallet=NAME' API request.
func (s *Server) apiStart(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get(walletKey)
	msg, err := s.core.Start(r.Context(), wallet)
	s.respond(w, wallet, msg, err)
}

// apiStop is the handler for the '/mixing/stop?wallet=NAME' API request.
func (s *Server) apiStop(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get(walletKey)
	msg, err := s.core.Stop(wallet)
	s.respond(w, wallet, msg, err)
}

// apiReset is the handler for the '/mixing/reset?wallet=NAME' API request.
func (s *Server) apiReset(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get(walletKey)
	msg, err := s.core.Reset(wallet)
	s.respond(w, wallet, msg, err)
}

// apiAbortPool is the handler for the '/pool/abort' API request.
func (s *Server) apiAbortPool(w http.ResponseWriter, _ *http.Request) {
	msg, err := s.core.AbortPool()
	s.respond(w, "", msg, err)
}

func (s *Server) respond(w http.ResponseWriter, wallet, msg string, err error) {
	if err != nil {
		log.Debugf("mixing command for wallet %q refused: %v", wallet, err)
		writeError(w, err)
		return
	}
	writeJSON(w, &MixingResult{Wallet: wallet, Status: msg})
}
