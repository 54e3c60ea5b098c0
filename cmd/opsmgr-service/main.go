// Command opsmgr-service runs the sprite HTTP service standalone, exposing
// one repository's snapshot/events/control operations plus health and
// metrics endpoints.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/opsmgr/control-plane/engine"
	"github.com/opsmgr/control-plane/engine/config"
	"github.com/opsmgr/control-plane/engine/service"
)

func main() {
	var (
		repoDir    string
		cfgPath    string
		listenAddr string
	)
	flag.StringVar(&repoDir, "repo", ".", "repository root")
	flag.StringVar(&cfgPath, "config", "", "operator config file (YAML)")
	flag.StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if listenAddr == "" {
		listenAddr = cfg.Service.ListenAddr
	}
	if os.Getenv(service.TokenEnv) == "" {
		fmt.Fprintln(os.Stderr, "error:", service.TokenEnv, "must be set")
		os.Exit(1)
	}

	eng, err := engine.New(repoDir, engine.Options{Config: cfg})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	srv := service.New(eng.Repo(), service.Options{Metrics: eng.MetricsProvider()})
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if mh := eng.MetricsHandler(); mh != nil {
		mux.Handle("/metrics", mh)
	}

	slog.Info("sprite service listening", "addr", listenAddr, "repo", repoDir)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
