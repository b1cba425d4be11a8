package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ingeniousdebilitation/mobilecloud-14/server"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", "", "Path to configuration file, or ssm:<parameter name>")
	flag.Parse()

	// Load configuration
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := server.ConfigureLogging(config); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	// Create and start server
	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.WithError(err).Error("Shutdown did not complete cleanly")
		}
	}()

	log.WithFields(log.Fields{
		"metadata": config.Metadata.Type,
		"content":  config.Content.Type,
	}).Info("Starting video service")
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	<-done
}
