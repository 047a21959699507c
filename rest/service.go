// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package rest implements the RESTful status and control API of a peer finder
// account.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/coronanet/go-peerfinder"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
)

// New creates an REST API interface in front of a peer finder account.
func New(account *peerfinder.Account) http.Handler {
	api := &api{
		account: account,
		logger:  log.Root().New("api", "rest"),
	}
	router := mux.NewRouter()
	router.HandleFunc("/self", api.route(api.serveSelf))
	router.HandleFunc("/finder", api.route(api.serveFinder))
	router.HandleFunc("/peers", api.route(api.servePeers))
	router.HandleFunc("/locations", api.route(api.serveLocationList))
	router.HandleFunc("/locations/{handle:[0-9]+}", api.route(api.serveLocation))

	return router
}

// api is a REST wrapper on top of the peer finder account that translates the
// Go APIs into REST.
type api struct {
	account *peerfinder.Account
	logger  log.Logger
}

// handler is an API endpoint with a request scoped logger injected.
type handler func(w http.ResponseWriter, r *http.Request, logger log.Logger)

// route converts an API endpoint into a standard HTTP handler function.
func (api *api) route(h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, api.logger.New("method", r.Method, "path", r.URL.Path))
	}
}

// reply streams a JSON document back to the client.
func reply(w http.ResponseWriter, v interface{}, logger log.Logger) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to send reply", "err", err)
	}
}
