// Command ftpsctl transfers files to and from FTP and explicit FTPS servers.
//
// Usage:
//
//	ftpsctl --host ftp.example.com --user alice ls incoming
//	ftpsctl --config session.toml get incoming/report.csv
//	ftpsctl --config session.toml fetch incoming --match '\.csv$' --dest ./in
//	ftpsctl --config session.toml watch incoming --match '\.csv$' --schedule '*/5 * * * *'
//
// The password is read from the configuration file or from the
// FTPS_PASSWORD environment variable, which takes precedence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
