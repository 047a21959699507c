// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package rest

import (
	"net/http"

	"github.com/ethereum/go-ethereum/log"
)

// serveFinder serves API calls concerning the finder registration.
func (api *api) serveFinder(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	if r.Method != "GET" {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	reply(w, api.account.Finder(), logger)
}
