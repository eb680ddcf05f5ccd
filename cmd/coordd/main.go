package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/coord/server"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to YAML configuration file")
	host := flag.String("host", "", "Server host address")
	port := flag.Int("port", 0, "Server port")
	dataDir := flag.String("data-dir", "", "Directory for the transaction log and the GLOBAL snapshot")
	phxEndpoint := flag.String("phx", "", "PHX participant base URL")
	laEndpoint := flag.String("la", "", "LA participant base URL")
	replicatorMode := flag.String("replicator-mode", "", "Replicator mode (initial+stream or stream_only)")
	reseed := flag.Bool("reseed", false, "Force an initial sync even when the GLOBAL replica is non-empty")
	enableGraphQL := flag.Bool("graphql", false, "Enable the read-only GraphQL API endpoint (/graphql)")
	logFormat := flag.String("log-format", "", "Log format (text or json)")
	flag.Parse()

	cfg := config.DefaultCoordConfig()
	if *configFile != "" {
		if err := config.LoadCoordConfig(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Flags override both defaults and the config file
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *phxEndpoint != "" {
		cfg.RegionEndpoints["PHX"] = *phxEndpoint
	}
	if *laEndpoint != "" {
		cfg.RegionEndpoints["LA"] = *laEndpoint
	}
	if *replicatorMode != "" {
		cfg.ReplicatorMode = *replicatorMode
	}
	if *reseed {
		cfg.Reseed = true
	}
	if *enableGraphQL {
		cfg.EnableGraphQL = true
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	setupLogging(cfg.LogFormat)

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	// Start server (blocks until shutdown)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(format string) {
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
