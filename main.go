// Package main is the entry point for the ThreatCloud intelligence store.
package main

import (
	"context"
	"fmt"
	"os"

	"threatcloud/bootstrap"
	"threatcloud/cmd"
)

// run initializes and starts the server.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	app.Start()
	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

func main() {
	// "export" runs the offline CLI against the local database instead of
	// starting the server.
	if len(os.Args) > 1 && os.Args[1] == "export" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		exportCmd := cmd.NewExportCmd()
		if err := exportCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
