package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] != "serve" {
		setupCLILogging()
	}
	os.Exit(Run(args))
}

// setupCLILogging keeps offline commands quiet unless something goes wrong.
// serve configures logging from its config file instead.
func setupCLILogging() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
