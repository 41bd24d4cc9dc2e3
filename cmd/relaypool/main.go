package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaypool/relaypool/internal/app"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "serve"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		if errRun := app.RunServer(ctx, *configPath, nil); errRun != nil {
			log.WithError(errRun).Fatal("server exited")
		}
	case "migrate":
		if errMigrate := app.Migrate(ctx, *configPath); errMigrate != nil {
			log.WithError(errMigrate).Fatal("migration failed")
		}
		log.Info("migration complete")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve or migrate)\n", command)
		os.Exit(2)
	}
}
