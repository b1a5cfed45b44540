package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	logger := log.New(os.Stderr, "", 0)

	app := App{
		Args:        os.Args,
		Log:         logger,
		UsageOutput: os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx)
	stop()

	os.Exit(exitCode(err, logger))
}

// exitCode is 0 for a clean close, 2 for usage errors, and 1 otherwise.
func exitCode(err error, logger *log.Logger) int {
	var (
		usage   usageError
		session sessionError
	)
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &usage):
		logger.Print(err)
		return 2
	case errors.As(err, &session):
		return 1
	default:
		logger.Print(err)
		return 1
	}
}
