package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-sync/internal/auth"
	"github.com/nekogravitycat/booking-sync/internal/config"
	"github.com/nekogravitycat/booking-sync/internal/engine"
	"github.com/nekogravitycat/booking-sync/internal/pkg/logging"
	"github.com/nekogravitycat/booking-sync/internal/transport"
)

// syncwatch runs one synchronization engine for a participant identity
// and logs the projection as it converges. Useful for poking at a
// server without a full client.
func main() {
	participant := flag.String("participant", "", "participant id for the event stream (default: token subject)")
	owner := flag.String("owner", "", "owner id whose slots to track")
	consumer := flag.String("consumer", "", "consumer id whose bookings to track")
	listOwners := flag.Bool("list-owners", false, "list owners and exit")
	flag.Parse()

	// For receiving Ctrl+C / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.IsProduction)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if *listOwners {
		client := transport.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, logger)
		owners, err := client.ListOwners(ctx)
		if err != nil {
			log.Fatalf("failed to list owners: %v", err)
		}
		for _, o := range owners {
			logger.Info("owner", zap.String("id", o.ID), zap.String("name", o.Name), zap.String("subject", o.Subject))
		}
		return
	}

	if *participant == "" {
		// Fall back to the access token's subject claim.
		id, err := auth.ParticipantFromToken(cfg.APIToken)
		if err != nil {
			log.Fatalf("-participant is required (no usable API token: %v)", err)
		}
		*participant = id
	}

	eng := engine.New(engine.Config{
		Identity: engine.Identity{
			ParticipantID: *participant,
			OwnerID:       *owner,
			ConsumerID:    *consumer,
		},
		APIBaseURL:     cfg.APIBaseURL,
		WSBaseURL:      cfg.WSBaseURL,
		APIToken:       cfg.APIToken,
		HTTPTimeout:    cfg.HTTPTimeout,
		ReserveTimeout: cfg.ReserveTimeout,
		PollInterval:   cfg.PollInterval,
	}, logger)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	// Log the view periodically until Ctrl+C
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			eng.Stop()
			logger.Info("exited gracefully")
			return
		case <-ticker.C:
			logger.Info("projection",
				zap.String("conn", string(eng.ConnState())),
				zap.Int("available", len(eng.AvailableSlots(""))),
				zap.Int("bookings", len(eng.Bookings())))
		}
	}
}
