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
	once := flag.Bool("once", false, "store one sample, apply retention and exit")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
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

	fmt.Fprintf(os.Stderr, "%s: ingest (sampler) started\n", time.Now().Format(time.RFC3339))

	var runErr error
	if once {
		runErr = a.Once(ctx)
	} else {
		runErr = a.Run(ctx, app.ModeSampler)
	}
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
