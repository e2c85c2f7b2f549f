// Package main is the entry point for the sigmadex rule search service.
package main

import (
	"context"
	"fmt"
	"os"

	"sigmadex/bootstrap"
	"sigmadex/cmd"
)

// ConfigEnv names the environment variable holding the server config file path.
const ConfigEnv = "SIGMADEX_CONFIG"

// run indexes the corpus and serves the API until a shutdown signal.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, os.Getenv(ConfigEnv))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Shutdown()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	return app.WaitForShutdown(ctx)
}

func main() {
	// `sigmadex corpus ...` runs the offline CLI
	if len(os.Args) > 1 && os.Args[1] == "corpus" {
		os.Exit(cmd.Execute(context.Background(), os.Args[2:]))
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
