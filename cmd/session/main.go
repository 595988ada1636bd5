// Package main starts the session real-time service and handles termination.
//
// The process is a transport adapter around party chat, dice rolls, and
// encounter turn order so persistent records remain owned by the storage
// layer.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	sessioncmd "github.com/Klutzleo/TBA-App-sub000/internal/cmd/session"
	"github.com/Klutzleo/TBA-App-sub000/internal/platform/config"
)

func main() {
	cfg, err := sessioncmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[SESSION] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sessioncmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
