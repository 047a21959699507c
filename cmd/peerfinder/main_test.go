// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/stretchr/testify/require"
)

// writeDescriptor signs a finder descriptor and stores it in a file.
func writeDescriptor(t *testing.T, key identity.SecretKey, id string) string {
	t.Helper()

	doc, err := identity.SignFinderDescriptor(&identity.FinderDescriptor{
		ID:   id,
		Type: "finder",
		Protocols: []identity.FinderProtocol{
			{Transport: identity.FinderTransportSession, Address: "127.0.0.1:4000"},
			{Transport: identity.FinderTransportRelay, Address: "127.0.0.1:4001"},
		},
		PublicKey: key.Public(),
		Created:   time.Now().Truncate(time.Second),
		Expires:   time.Now().Add(time.Hour).Truncate(time.Second),
	}, key)
	if err != nil {
		t.Fatalf("Failed to sign descriptor: %v", err)
	}
	path := filepath.Join(t.TempDir(), id+".jwt")
	if err := os.WriteFile(path, []byte(doc+"\n"), 0600); err != nil {
		t.Fatalf("Failed to write descriptor: %v", err)
	}
	return path
}

// Tests that descriptor files are verified and loaded into the resolver.
func TestMakeResolver(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	files := []string{writeDescriptor(t, key, "alpha"), writeDescriptor(t, key, "beta")}

	resolver, err := makeResolver("example.org", hex.EncodeToString(key.Public()), files)
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}
	done := make(chan []*identity.FinderDescriptor, 1)
	resolver.Resolve("example.org", func(descs []*identity.FinderDescriptor, err error) {
		require.NoError(t, err)
		done <- descs
	})
	select {
	case descs := <-done:
		require.Len(t, descs, 2)
	case <-time.After(time.Second):
		t.Fatalf("Resolution timed out")
	}
	// Descriptors signed by someone else must be refused
	other, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	_, err = makeResolver("example.org", hex.EncodeToString(other.Public()), files)
	require.Error(t, err)

	_, err = makeResolver("", hex.EncodeToString(key.Public()), files)
	require.ErrorIs(t, err, errMissingDomain)
}

// Tests that settings default when no file is given and load otherwise.
func TestLoadSettings(t *testing.T) {
	config, err := loadSettings("")
	require.NoError(t, err)
	require.Equal(t, settings.Default, config)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay_retry_max: 120\n"), 0600))

	config, err = loadSettings(path)
	require.NoError(t, err)
	require.Equal(t, uint64(120), config.RelayRetryMax)

	_, err = loadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
