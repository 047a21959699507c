// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package protocols

import "fmt"

// NegotiateVersion finds the highest protocol version supported by both sides
// of an identify exchange.
func NegotiateVersion(local []uint, remote []uint) (uint, error) {
	have := make(map[uint]struct{})
	for _, v := range local {
		have[v] = struct{}{}
	}
	var version uint
	for _, v := range remote {
		if _, ok := have[v]; ok && version < v {
			version = v
		}
	}
	if version == 0 {
		return 0, fmt.Errorf("no common protocol version: remote %v vs local %v", remote, local)
	}
	return version, nil
}
