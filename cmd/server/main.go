package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/GriffinCanCode/computeguard/internal/infrastructure/config"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/server"
)

func main() {
	port := flag.String("port", "", "HTTP port (overrides PORT)")
	dev := flag.Bool("dev", false, "Development logging")
	policy := flag.String("policy", "", "Breaker/recovery policy file (overrides POLICY_FILE)")
	flag.Parse()

	if *policy != "" {
		if err := os.Setenv("POLICY_FILE", *policy); err != nil {
			log.Fatalf("Failed to set policy file: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Server error: %v", runErr)
	}
}
