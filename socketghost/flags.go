package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/socketghost/cli"
	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/flows"
	"github.com/go-appsec/interceptor/socketghost/service"
	"github.com/go-appsec/interceptor/socketghost/service/proxy"
)

var validCommands = []string{"serve", "flows", "ca", "version", "help"}

// Run dispatches a socketghost command and returns the process exit code.
func Run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "flows":
		err = flows.Parse(context.Background(), args[1:])
	case "ca":
		err = parseCA(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("socketghost version %s\n", config.Version)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError(args[0], validCommands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) int {
	flags, err := service.ParseServeFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	} else if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error parsing serve flags: %v\n", err)
		return 1
	}

	if srv, err := service.NewServer(flags); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error creating service: %v\n", err)
		return 1
	} else if err := srv.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Service error: %v\n", err)
		return 1
	}
	return 0
}

func parseCA(args []string) error {
	fs := pflag.NewFlagSet("ca", pflag.ContinueOnError)
	var dataDir string
	var pem bool
	fs.StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.socketghost)")
	fs.BoolVar(&pem, "pem", false, "print the certificate PEM instead of its path")
	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: socketghost ca [options]

Print the path of the root CA certificate used for TLS interception, creating
it if needed. Install it in the client's trust store to intercept HTTPS.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	certs, err := proxy.NewCertManager(dataDir)
	if err != nil {
		return err
	}
	if pem {
		_, err = os.Stdout.Write(certs.CACertPEM())
		return err
	}
	fmt.Println(certs.CACertPath())
	return nil
}

func printRootUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: socketghost <command> [options]

Commands:
  serve      Run the intercepting proxy, control channel and history API
  flows      List, inspect and manage captured flows
  ca         Print the interception CA certificate path or PEM
  version    Print the version

Use "socketghost <command> --help" for specific command usage.
`)
}
