package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claimdrop/internal/config"
	"claimdrop/internal/ledger"
	"claimdrop/internal/ledger/ledgersim"
	"claimdrop/internal/lifecycle"
	"claimdrop/internal/log"
	"claimdrop/internal/notify"
	"claimdrop/internal/registry"
	"claimdrop/internal/retry"
	"claimdrop/internal/server"
	"claimdrop/internal/sponsor"
	"claimdrop/internal/validate"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.L(ctx).Fatalf("config error: %v", err)
	}
	log.InitConfig(log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		File:   log.FileConfig{Filename: cfg.Log.File},
	})

	ledgers, err := buildLedgers(ctx, cfg.Networks)
	if err != nil {
		log.L(ctx).Fatalf("ledger error: %v", err)
	}

	policy := registry.Policy{PendingTTL: cfg.Registry.PendingTTL, Retention: cfg.Registry.Retention}
	var store registry.Store = registry.NewMemoryStore(registry.WithPolicy(policy))
	if cfg.Registry.DSN != "" {
		pg, err := registry.NewPostgresStore(ctx, cfg.Registry.DSN, policy)
		if err != nil {
			log.L(ctx).Fatalf("registry error: %v", err)
		}
		defer pg.Close()
		store = pg
	}

	metrics := server.NewMetrics()
	opts := []lifecycle.Option{lifecycle.WithObserver(metrics)}
	if cfg.Sponsor.URL != "" {
		funder := sponsor.NewHTTPFunder(sponsor.HTTPConfig{
			URL:     cfg.Sponsor.URL,
			Secret:  cfg.Sponsor.Secret,
			Timeout: cfg.Sponsor.Timeout,
		})
		opts = append(opts, lifecycle.WithSponsor(sponsor.NewGate(ledgers, funder, cfg.Sponsor.Timeout)))
	}
	if cfg.Notify.WebhookURL != "" {
		opts = append(opts, lifecycle.WithNotifier(notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.Timeout)))
	}

	orch := lifecycle.New(lifecycle.Config{
		RefundTimeout:      cfg.Escrow.RefundTimeout,
		DustThreshold:      cfg.Escrow.DustThreshold,
		ConfirmationRounds: cfg.Escrow.ConfirmationRounds,
		ClockSkew:          cfg.Escrow.ClockSkew,
		SponsorAmount:      cfg.Sponsor.Amount,
		SponsorMinBalance:  cfg.Sponsor.MinBalance,
		NotifyTimeout:      cfg.Notify.Timeout,
		Retry: retry.Config{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
	}, ledgers, store, opts...)

	apiServer := server.NewServer(cfg, orch, store, metrics)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.L(ctx).Errorf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// buildLedgers connects each configured network. Networks without an algod
// url, or localnet when nothing is configured, run on the simulator.
func buildLedgers(ctx context.Context, networks map[string]config.NetworkConfig) (map[validate.Network]ledger.Client, error) {
	if len(networks) == 0 {
		networks = map[string]config.NetworkConfig{string(validate.Localnet): {}}
	}
	out := make(map[validate.Network]ledger.Client, len(networks))
	for name, nc := range networks {
		network, err := validate.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		if nc.AlgodURL == "" {
			log.L(ctx).Warnf("network %s has no algod url, using the in-process simulator", network)
			out[network] = ledgersim.New()
			continue
		}
		c, err := ledger.NewAlgodClient(ledger.AlgodConfig{URL: nc.AlgodURL, Token: nc.AlgodToken})
		if err != nil {
			return nil, err
		}
		out[network] = c
	}
	return out, nil
}
