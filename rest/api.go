// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/coronanet/go-peerfinder"
	"github.com/coronanet/go-peerfinder/peerlocation"
)

// API is a tiny Go client for the peer finder REST APIs. The purpose is to
// allow writing integration tests and scenarios in Go.
type API struct {
	endpoint string
}

// NewAPI creates a simplistic REST API around a peer finder endpoint.
func NewAPI(endpoint string) *API {
	return &API{
		endpoint: endpoint,
	}
}

func (api *API) Self() (*SelfInfos, error) {
	self := new(SelfInfos)
	if err := api.run("GET", "/self", nil, self); err != nil {
		return nil, err
	}
	return self, nil
}

func (api *API) Finder() (*peerfinder.FinderStatus, error) {
	status := new(peerfinder.FinderStatus)
	if err := api.run("GET", "/finder", nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (api *API) Peers() ([]string, error) {
	var peers []string
	if err := api.run("GET", "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}
func (api *API) ForgetPeers() error {
	return api.run("DELETE", "/peers", nil, nil)
}

func (api *API) Find(peer string) (int, error) {
	result := new(FindResult)
	if err := api.run("POST", "/locations", &FindRequest{Peer: peer}, result); err != nil {
		return 0, err
	}
	return result.Locations, nil
}
func (api *API) Locations() ([]peerlocation.Info, error) {
	var infos []peerlocation.Info
	if err := api.run("GET", "/locations", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
func (api *API) Location(handle uint64) (*peerlocation.Info, error) {
	info := new(peerlocation.Info)
	if err := api.run("GET", "/locations/"+strconv.FormatUint(handle, 10), nil, info); err != nil {
		return nil, err
	}
	return info, nil
}
func (api *API) Disconnect(handle uint64) error {
	return api.run("DELETE", "/locations/"+strconv.FormatUint(handle, 10), nil, nil)
}

// StatusError is returned if the API server rejected a request.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %d: %s", e.Code, e.Message)
}

// run creates an API requests of the given type and sends over a JSON encoded
// request, potentially expecting a reply, and converting any failures into a
// Go error.
func (api *API) run(method string, path string, request interface{}, reply interface{}) error {
	// If a request body was specified, serialized it
	var body []byte
	if request != nil {
		blob, err := json.Marshal(request)
		if err != nil {
			return err
		}
		body = blob
	}
	// Run the request and ensure it succeeds
	req, err := http.NewRequest(method, api.endpoint+path, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return &StatusError{Code: res.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	// Request seems to have succeeded, parse any expected reply
	if reply != nil {
		return json.Unmarshal(body, reply)
	}
	return nil
}
