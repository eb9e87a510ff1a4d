package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sysmon/internal/app"
	"sysmon/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s: api (query service) started\n", time.Now().Format(time.RFC3339))

	runErr := a.Run(ctx, app.ModeAPI)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
