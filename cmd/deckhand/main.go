package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deckhand/deckhand/cmd/deckhand/commands"
)

// Set by -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	bootstrapLogger()

	// A second signal kills the process; the first one cancels running steps.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("deckhand failed")
		os.Exit(1)
	}
}

// bootstrapLogger sets the global logger for the time before a project,
// and with it the masked project logger, is loaded.
func bootstrapLogger() {
	level, err := zerolog.ParseLevel(os.Getenv("DECKHAND_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if os.Getenv("CI") == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.Logger.Level(level)
}
