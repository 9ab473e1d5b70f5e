// Command bridgesim runs a standalone simulated bridge for demos and
// development against real HTTP instead of hardware.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/app"
	"github.com/cuelight/cuelight/internal/simbridge"
)

func main() {
	addr := flag.String("addr", ":3100", "Address to listen on")
	legacyOnly := flag.Bool("legacy-only", false, "Serve only the legacy API, like an older bridge")
	requireKey := flag.String("require-key", "", "Reject modern requests without this application key")
	requireToken := flag.String("require-token", "", "Reject legacy requests without this token")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	sim := simbridge.New(simbridge.Options{
		RequiredKey:   *requireKey,
		RequiredToken: *requireToken,
		LegacyOnly:    *legacyOnly,
	})

	ctx := app.SignalContext()
	if err := sim.Run(ctx, *addr, 5*time.Second); err != nil {
		log.Fatal().Err(err).Msg("Simulator failed")
	}
}
