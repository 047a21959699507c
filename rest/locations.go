// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coronanet/go-peerfinder"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
)

// FindRequest is the request struct sent by the client to search for a peer.
type FindRequest struct {
	Peer string `json:"peer"`
}

// FindResult is the response struct sent back to the client after a search was
// forwarded by the finder.
type FindResult struct {
	Locations int `json:"locations"`
}

// serveLocationList serves API calls concerning all the peer locations.
func (api *api) serveLocationList(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	switch r.Method {
	case "GET":
		// Retrieves the status of every tracked peer location
		reply(w, api.account.Locations(), logger)

	case "POST":
		// Searches for a remote peer, connections are made in the background
		request := new(FindRequest)
		if err := json.NewDecoder(r.Body).Decode(request); err != nil {
			logger.Warn("Provided find request is invalid", "err", err)
			http.Error(w, "Provided find request is invalid: "+err.Error(), http.StatusBadRequest)
			return
		}
		logger.Debug("Requesting peer search", "peer", request.Peer)

		found, err := api.account.Find(r.Context(), request.Peer)
		if err != nil {
			logger.Warn("Peer search failed", "peer", request.Peer, "err", err)
			http.Error(w, err.Error(), findStatus(err))
			return
		}
		reply(w, &FindResult{Locations: found}, logger)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// serveLocation serves API calls concerning a single peer location.
func (api *api) serveLocation(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	handle, err := strconv.ParseUint(mux.Vars(r)["handle"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid location handle: "+err.Error(), http.StatusBadRequest)
		return
	}
	logger = logger.New("handle", handle)

	switch r.Method {
	case "GET":
		// Retrieves the status of the peer location
		info, err := api.account.PeerLocation(handle)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		reply(w, info, logger)

	case "DELETE":
		// Tears the peer location down, the remote side is notified
		logger.Debug("Requesting peer disconnect")
		switch err := api.account.Disconnect(handle); err {
		case peerfinder.ErrLocationNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		case nil:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// findStatus maps a failed search onto an HTTP status code.
func findStatus(err error) int {
	var perr *protocols.Error
	switch {
	case errors.Is(err, identity.ErrInvalidURI):
		return http.StatusBadRequest
	case errors.Is(err, finder.ErrNotReady), errors.Is(err, peerfinder.ErrAccountClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr) && perr.Code == protocols.CodeNotFound:
		return http.StatusNotFound
	case errors.As(err, &perr) && perr.Code == protocols.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
