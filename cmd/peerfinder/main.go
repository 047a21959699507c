// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// This file contains a development daemon to run a local peer finder account
// exposed through its REST API.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/coronanet/go-peerfinder"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/rest"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/cretz/bine/tor"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

var (
	datadirFlag   = pflag.String("datadir", ".", "Data directory for the account")
	domainFlag    = pflag.String("domain", "", "Domain of the identity and its finders")
	finderKeyFlag = pflag.String("finder-key", "", "Hex public key signing the domain's finder descriptors")
	findersFlag   = pflag.StringSlice("finder", nil, "Files containing signed finder descriptors")
	settingsFlag  = pflag.String("settings", "", "YAML file with operator settings")
	iceFlag       = pflag.StringSlice("ice", nil, "STUN/TURN servers for direct connections (empty = relay only)")
	torFlag       = pflag.Bool("tor", false, "Route finder traffic through Tor (requires a tor binary)")
	apiportFlag   = pflag.Int("apiport", 4444, "TCP port to launch the API server on")
	verbosityFlag = pflag.Int("verbosity", int(log.LvlInfo), "Log level to run with")
)

// errMissingDomain is returned if finders are configured without naming the
// domain they serve.
var errMissingDomain = errors.New("finders configured without --domain")

func main() {
	pflag.Parse()

	// Enable colored terminal logging
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(*verbosityFlag), log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	if err := run(); err != nil {
		log.Crit("Peer finder failed", "err", err)
	}
}

// run assembles the account from the command line flags and serves its API
// until interrupted.
func run() error {
	config, err := loadSettings(*settingsFlag)
	if err != nil {
		return err
	}
	resolver, err := makeResolver(*domainFlag, *finderKeyFlag, *findersFlag)
	if err != nil {
		return err
	}
	var gateway transport.Gateway = transport.NewDirectGateway()
	if *torFlag {
		proxy, err := tor.Start(nil, &tor.StartConf{
			DataDir: filepath.Join(*datadirFlag, "tor"),
			NoHush:  true,
		})
		if err != nil {
			return fmt.Errorf("failed to start tor: %w", err)
		}
		defer proxy.Close()
		gateway = transport.NewTorGateway(proxy)
	}
	var direct peerlocation.DirectFactory
	if len(*iceFlag) > 0 {
		direct = peerlocation.ICEFactory([]webrtc.ICEServer{{URLs: *iceFlag}}, log.Root().New("transport", "ice"))
	}
	account, err := peerfinder.NewAccount(peerfinder.Config{
		Datadir:  *datadirFlag,
		Domain:   *domainFlag,
		Gateway:  gateway,
		Resolver: resolver,
		Direct:   direct,
		Device:   deviceInfo(),
		Settings: settings.NewStatic(config),
	})
	if err != nil {
		return err
	}
	defer account.Close()

	log.Info("Peer finder started", "uri", account.Self().URI(), "location", account.Location().ID)

	server := &http.Server{Addr: fmt.Sprintf("localhost:%d", *apiportFlag), Handler: rest.New(account)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("API server failed", "err", err)
		}
	}()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt

	log.Info("Shutting down peer finder")
	return server.Close()
}

// loadSettings reads the operator settings file, falling back to the defaults
// if none was given.
func loadSettings(path string) (settings.Settings, error) {
	if path == "" {
		return settings.Default, nil
	}
	config, err := settings.LoadFile(path)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return config, nil
}

// makeResolver creates a static finder resolver from signed descriptor files
// of a domain.
func makeResolver(domain string, keyHex string, files []string) (*finder.StaticResolver, error) {
	resolver := finder.NewStaticResolver(nil, nil)
	if len(files) == 0 {
		return resolver, nil
	}
	if domain == "" {
		return nil, errMissingDomain
	}
	key, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid finder key: %w", err)
	}
	var documents []string
	for _, file := range files {
		blob, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		doc := strings.TrimSpace(string(blob))
		if _, err := identity.ParseFinderDescriptor(doc, key); err != nil {
			return nil, fmt.Errorf("invalid finder descriptor %s: %w", file, err)
		}
		documents = append(documents, doc)
	}
	resolver.Add(domain, key, documents...)
	return resolver, nil
}

// deviceInfo collects the device details advertised with the local location.
func deviceInfo() identity.LocationInfo {
	host, _ := os.Hostname()
	return identity.LocationInfo{
		UserAgent: "peerfinder/1.0",
		OS:        runtime.GOOS,
		System:    runtime.GOARCH,
		Host:      host,
	}
}
