package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	slasher "github.com/Intersubjective/slasher-proxy"
	_ "github.com/lib/pq"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file loaded before the environment")
	flag.Parse()

	if *envFile != "" {
		if err := slasher.LoadEnvFile(*envFile); err != nil {
			logrus.Fatalf("loading env file: %s", err)
		}
	}

	cfg := slasher.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %s", err)
	}
	slasher.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := slasher.OpenStore(ctx, "postgres", cfg.DSN, cfg.NetworkName)
	if err != nil {
		logrus.Fatalf("opening store: %s", err)
	}
	defer store.Close()

	client := slasher.NewValidatorClient(cfg.RPCURL)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, err = client.NodeID(ctx)
		if err != nil {
			logrus.Fatalf("resolving validator node ID: %s", err)
		}
	}
	logrus.Infof("attributing commitments to node %s", nodeID)

	events := make(chan slasher.BlockEvent, 64)
	ing := slasher.NewIngestor(store, client, nodeID)
	verifier := slasher.NewVerifier(store)

	go ing.Run(ctx, events)
	go verifier.RunVerifier(ctx, ing.BlockReader())

	switch {
	case cfg.BlocksChannel != "":
		go slasher.RunChannelListener(ctx, cfg.DSN, cfg.BlocksChannel, events)
	case cfg.BlocksWSURL != "":
		ws := &slasher.WSListener{URL: cfg.BlocksWSURL, Events: events}
		go ws.Run(ctx)
	default:
		logrus.Warn("no block source configured, verification is dormant")
	}

	proxy := &slasher.Proxy{Store: store, Client: client, NodeID: nodeID}
	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: proxy.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.Infof("listening on %s, relaying to %s", cfg.ListenAddr(), cfg.RPCURL)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logrus.Fatalf("http server: %s", err)
	}
}
