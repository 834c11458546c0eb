//go:build !rp2040 && !rp2350

// Command ping-host runs a single-pin ultrasonic ranger on a Linux board
// (periph GPIO) or against a simulated sensor.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"rangefinder-go/drivers/ping"
	"rangefinder-go/drivers/ping/pingsim"
	"rangefinder-go/internal/app"
	"rangefinder-go/internal/config"
	"rangefinder-go/internal/logger"
	"rangefinder-go/internal/platform"

	"github.com/rs/zerolog"
)

// Simulated echo holdoff: 750 µs in 100 ns ticks.
const simHoldoffTicks = 7500

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log := logger.New(os.Stderr, "error", logger.IsService())
		logger.Err(log.Error(), err).Msg("invalid configuration")
		os.Exit(2)
	}

	log := logger.New(os.Stdout, cfg.LogLevel, logger.IsService())

	clock := ping.MonotonicClock()
	pin, err := openPin(cfg, clock, log)
	if err != nil {
		logger.Err(log.Error(), err).Str("pin", cfg.Pin).Msg("failed to open pin")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	if err := app.New(cfg, log, pin, clock).Run(ctx); err != nil {
		logger.Err(log.Error(), err).Msg("rangefinder exited")
		os.Exit(1)
	}
	log.Info().Msg("Exiting...")
}

func openPin(cfg *config.Config, clock ping.Clock, log zerolog.Logger) (ping.Pin, error) {
	if cfg.Simulate {
		log.Info().Int("distance_cm", cfg.SimDistanceCm).Msg("using simulated sensor")
		return pingsim.NewRealtime(clock, simHoldoffTicks, pingsim.TicksForDistance(cfg.SimDistanceCm)), nil
	}
	return platform.OpenPin(cfg.Pin)
}

func handleSignals(cancel context.CancelFunc, log zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigs
	log.Info().Str("signal", s.String()).Msg("Received termination signal.")
	cancel()
}
