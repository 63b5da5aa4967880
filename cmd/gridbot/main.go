package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"infinity-grid/internal/alert"
	"infinity-grid/internal/config"
	"infinity-grid/internal/engine"
	"infinity-grid/internal/exchange"
	"infinity-grid/internal/exchange/kraken"
	"infinity-grid/internal/ledger"
	"infinity-grid/internal/metrics"
	"infinity-grid/internal/safety"
	"infinity-grid/internal/store"
	"infinity-grid/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(err.Error())
		}
	}
	st, err := store.Open(cfg.Store.Path, cfg.UserRef)
	if err != nil {
		fatal(err.Error())
	}
	defer st.Close()
	checkGridConfig(st, cfg)

	client, err := kraken.NewClient(cfg.Exchange, cfg.Pair(), cfg.UserRef)
	if err != nil {
		fatal(err.Error())
	}
	rules, err := client.GetRules(ctx, cfg.Pair())
	if err != nil {
		fatal(err.Error())
	}
	fee := cfg.Grid.Fee.Decimal
	if fee.IsZero() {
		if fee, err = client.MakerFee(ctx); err != nil {
			fatal(err.Error())
		}
		log.Printf("level=INFO event=fee_discovered fee=%q", fee)
	}

	policy, err := strategy.New(string(cfg.Grid.Strategy))
	if err != nil {
		fatal(err.Error())
	}
	params := strategy.Params{
		Interval:          cfg.Grid.Interval.Decimal,
		AmountPerGrid:     cfg.Grid.AmountPerGrid.Decimal,
		NOpenBuyOrders:    cfg.Grid.NOpenBuyOrders,
		MaxInvestment:     cfg.Grid.MaxInvestment.Decimal,
		Fee:               fee,
		ReinvestThreshold: cfg.Grid.ReinvestThreshold.Decimal,
	}

	led := ledger.New(params, policy, rules, st, cfg.UserRef)
	orders, err := st.LoadOrders()
	if err != nil {
		fatal(err.Error())
	}
	state, err := st.LoadState()
	if err != nil {
		fatal(err.Error())
	}
	surplus, err := st.LoadSurplus()
	if err != nil {
		fatal(err.Error())
	}
	deferred, err := st.LoadDeferredSells()
	if err != nil {
		fatal(err.Error())
	}
	led.Restore(orders, state, surplus, deferred)
	log.Printf("level=INFO event=state_restored orders=%d surplus_records=%d deferred_sells=%d invested=%q",
		len(orders), len(surplus), len(deferred), state.TotalInvested)

	breaker := safety.NewBreaker(cfg.Safety.Enabled, cfg.Safety.MaxPlaceFailures, cfg.Safety.MaxCancelFailures)
	breaker.SetAlerter(alerts)

	var gateway exchange.Gateway = client
	var execFeed exchange.ExecutionFeed
	if cfg.DryRun {
		gateway = exchange.NewDryRunGateway(client)
		execFeed = exchange.NewNullExecutionFeed()
		log.Printf("level=INFO event=dry_run_enabled")
	} else {
		execFeed = kraken.NewExecutionFeed(cfg.Exchange.WSAuthBaseURL, client, cfg.UserRef)
	}
	gateway = safety.NewGuardedGateway(gateway, breaker)
	tickFeed := kraken.NewTickerFeed(cfg.Exchange.WSBaseURL, client)

	if cfg.Observability.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Observability.Metrics.Listen); err != nil {
				log.Printf("level=ERROR event=metrics_listener_failed err=%q", err)
			}
		}()
	}

	eng := engine.New(params, policy, led, gateway, tickFeed, execFeed, alerts, breaker, engine.Options{
		Pair:              cfg.Pair(),
		UserRef:           cfg.UserRef,
		ReconcileInterval: time.Duration(cfg.Observability.Runtime.ReconcileIntervalSec) * time.Second,
		PlaceAttempts:     cfg.Observability.Runtime.PlaceRetryAttempts,
		PlaceBackoff:      time.Duration(cfg.Observability.Runtime.PlaceRetryBackoffMs) * time.Millisecond,
	})
	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManagerWithOptions(string(cfg.Grid.Strategy), cfg.Pair(), notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}

// checkGridConfig warns when the grid parameters changed against what the
// persisted ledger state was built with; the state itself is kept.
func checkGridConfig(st *store.Store, cfg config.Config) {
	payload, err := yaml.Marshal(cfg.Grid)
	if err != nil {
		return
	}
	prev, err := st.LoadGridConfig()
	if err != nil {
		log.Printf("level=WARN event=grid_config_load_failed err=%q", err)
		return
	}
	if prev != "" && prev != string(payload) {
		log.Printf("level=WARN event=grid_config_changed detail=%q",
			"persisted state was built with different grid parameters")
	}
	if err := st.SaveGridConfig(string(payload)); err != nil {
		log.Printf("level=WARN event=grid_config_save_failed err=%q", err)
	}
}
