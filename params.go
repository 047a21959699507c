// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import "time"

const (
	// refindCheckInterval is the period at which live peer locations are polled
	// whether their find cycle should be restarted.
	refindCheckInterval = 5 * time.Second

	// findRetention is the time an outgoing find is kept around to match late
	// notifies after its last peer location went away.
	findRetention = 2 * time.Minute

	// closeTimeout is the maximum time to wait for peer locations to shut down
	// when the account is closed.
	closeTimeout = 5 * time.Second

	// eventBufferSize is the number of location events buffered per subscriber.
	eventBufferSize = 64
)
