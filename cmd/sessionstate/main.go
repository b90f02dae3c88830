// Package main starts the session state engine process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	sessionstatecmd "github.com/louisbranch/sessionstate/internal/cmd/sessionstate"
	"github.com/louisbranch/sessionstate/internal/platform/config"
)

func main() {
	cfg, err := sessionstatecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sessionstatecmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
