// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package rest

import (
	"encoding/hex"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
)

// SelfInfos is the response struct sent back to the client when requesting the
// local identity.
type SelfInfos struct {
	URI       string `json:"uri"`
	Domain    string `json:"domain"`
	PublicKey string `json:"publicKey"`
	Location  string `json:"location"`
}

// serveSelf serves API calls concerning the local identity.
func (api *api) serveSelf(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	if r.Method != "GET" {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	self := api.account.Self()
	reply(w, &SelfInfos{
		URI:       self.URI(),
		Domain:    self.Domain,
		PublicKey: hex.EncodeToString(self.Key),
		Location:  api.account.Location().ID,
	}, logger)
}

// servePeers serves API calls concerning the cached remote identities.
func (api *api) servePeers(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	switch r.Method {
	case "GET":
		// Retrieves every peer whose public key is known
		peers := api.account.KnownPeers()
		if peers == nil {
			peers = []string{}
		}
		reply(w, peers, logger)

	case "DELETE":
		// Wipes the key cache, connections in flight are unaffected
		logger.Debug("Requesting peer cache wipe")
		if err := api.account.ForgetPeers(); err != nil {
			logger.Error("Peer cache wipe failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
