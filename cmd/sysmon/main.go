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
	modeName := flag.String("mode", "all", "activities to run: all, sampler or api")
	flag.Parse()

	mode, err := app.ParseMode(*modeName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sysmon:", err)
		os.Exit(2)
	}

	if err := run(*configPath, mode); err != nil {
		fmt.Fprintln(os.Stderr, "sysmon:", err)
		os.Exit(1)
	}
}

func run(configPath string, mode app.Mode) error {
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

	fmt.Fprintf(os.Stderr, "%s: sysmon started in %s mode\n", time.Now().Format(time.RFC3339), mode)

	runErr := a.Run(ctx, mode)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
