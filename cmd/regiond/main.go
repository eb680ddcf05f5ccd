package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/region/server"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to YAML configuration file")
	host := flag.String("host", "", "Server host address")
	port := flag.Int("port", 0, "Server port")
	region := flag.String("region", "", "Region this participant serves (PHX or LA)")
	dataDir := flag.String("data-dir", "", "Directory for store snapshots and the participant log")
	logFormat := flag.String("log-format", "", "Log format (text or json)")
	flag.Parse()

	cfg := config.DefaultRegionConfig()
	if *configFile != "" {
		if err := config.LoadRegionConfig(*configFile, cfg); err != nil {
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
	if *region != "" {
		cfg.Region = *region
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
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
