package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/suspectuso/ton-escrow/internal/accounts"
	"github.com/suspectuso/ton-escrow/internal/config"
	"github.com/suspectuso/ton-escrow/internal/custody"
	"github.com/suspectuso/ton-escrow/internal/deposit"
	"github.com/suspectuso/ton-escrow/internal/escrow"
	"github.com/suspectuso/ton-escrow/internal/httpapi"
	"github.com/suspectuso/ton-escrow/internal/logging"
	"github.com/suspectuso/ton-escrow/internal/notifier"
	"github.com/suspectuso/ton-escrow/internal/scheduler"
	"github.com/suspectuso/ton-escrow/internal/settings"
	"github.com/suspectuso/ton-escrow/internal/settlement"
	"github.com/suspectuso/ton-escrow/internal/storage"
	"github.com/suspectuso/ton-escrow/internal/telegram"
	"github.com/suspectuso/ton-escrow/internal/tonapi"
	"github.com/suspectuso/ton-escrow/internal/webhook"
	"github.com/suspectuso/ton-escrow/internal/withdrawal"
	"github.com/suspectuso/ton-escrow/migrations"
)

func main() {
	// Load .env file before the logger reads LOG_LEVEL
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Debug("no .env file found")
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL, migrations.Files, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	log.Info("storage initialized")

	tonAPI := tonapi.NewClient(cfg.TonAPIBaseURL, cfg.TonAPIKey, cfg.TonAPIRPS, log)
	log.Info("tonapi client initialized", "base_url", cfg.TonAPIBaseURL)

	// A nil Wallet keeps withdrawals manual
	var wallet custody.Wallet
	custodyAddress := cfg.CustodyAddress
	if cfg.CustodyConfigured() {
		w, err := custody.Connect(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("connect custody wallet: %w", err)
		}
		wallet = w
		custodyAddress = w.Address()
		log.Info("custody wallet connected", "address", custodyAddress)
	} else {
		log.Warn("custody wallet not configured, withdrawals are manual only")
	}

	bot, err := telegram.New(cfg.BotToken, log)
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}

	cfgSvc := settings.New(store, log)
	notify := notifier.New(store, cfgSvc, bot, log)
	defer notify.Wait()

	engine := settlement.New(store, log)
	accts := accounts.New(store, log)
	deals := escrow.New(store, engine, cfgSvc, notify, log)
	deposits := deposit.New(store, cfgSvc, notify, log)
	payouts := withdrawal.New(store, engine, cfgSvc, wallet, notify, log)

	bot.Handle(telegram.NewDialog(telegram.DialogConfig{
		Accounts:       accts,
		Escrow:         deals,
		Deposits:       deposits,
		Withdrawals:    payouts,
		Deals:          store,
		States:         telegram.NewStateManager(30 * time.Minute),
		BotUsername:    cfg.BotUsername,
		CustodyAddress: custodyAddress,
	}, log))
	log.Info("telegram bot initialized")

	watcher := deposit.NewWatcher(tonAPI, store, deposits, deals, custodyAddress, log)
	hook := webhook.NewHandler(tonAPI, watcher, custodyAddress, log)

	if err := webhook.NewManager(tonAPI, cfg.WebhookEndpoint, custodyAddress, log).Init(ctx); err != nil {
		log.Error("init webhook", "error", err)
	}

	sched := scheduler.New(log)
	for _, job := range []scheduler.Job{
		{Name: "expire_transactions", Spec: cfg.CronExpireTransactions, Run: deals.ExpireSweep},
		{Name: "auto_confirm", Spec: cfg.CronAutoConfirm, Run: deals.AutoConfirmSweep},
		{Name: "expire_deposits", Spec: cfg.CronExpireDeposits, Run: deposits.ExpireSweep},
		{Name: "auto_withdrawals", Spec: cfg.CronAutoWithdrawals, Run: payouts.ProcessPending},
	} {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpapi.New(httpapi.Deps{
			Escrow:      deals,
			Withdrawals: payouts,
			Deposits:    deposits,
			Users:       accts,
			Adjuster:    engine,
			Settings:    cfgSvc,
			DB:          store,
			Webhook:     hook,
			AdminToken:  cfg.AdminAPIToken,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		log.Info("http server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		watcher.Run(ctx, cfg.DepositPollInterval)
	}()
	go func() {
		defer wg.Done()
		log.Info("starting bot polling")
		bot.Start(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	hook.Wait()
	return nil
}
