package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
	"github.com/gaspardpetit/walletbridge/internal/config"
	"github.com/gaspardpetit/walletbridge/internal/demowallet"
	"github.com/gaspardpetit/walletbridge/internal/grants"
	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/metrics"
	"github.com/gaspardpetit/walletbridge/internal/redisx"
	"github.com/gaspardpetit/walletbridge/internal/serverstate"
	"github.com/gaspardpetit/walletbridge/internal/walletd"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.HostConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "walletbridge-host version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("walletbridge-host version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo("host", version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		err        error
		grantStore grants.Store = grants.NewMemory()
		stateStore              = serverstate.NewMemoryStore()
	)
	if cfg.RedisAddr != "" {
		rc, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", redisx.Redact(cfg.RedisAddr)).Msg("connect redis")
		}
		defer func() { _ = rc.Close() }()
		grantStore = grants.NewRedis(rc, grants.DefaultRedisKey)
		stateStore = serverstate.NewRedisStore(rc, serverstate.DefaultRedisKey)
		logx.Log.Info().Str("addr", redisx.Redact(cfg.RedisAddr)).Msg("using redis grant and state store")
	}
	state := serverstate.New(stateStore)

	var wallet *demowallet.Wallet
	if cfg.WalletFile == "" {
		logx.Log.Warn().Msg("no wallet file; serving an empty wallet with a random key")
		wallet, err = demowallet.New(demowallet.Config{})
	} else {
		wallet, err = demowallet.Load(cfg.WalletFile)
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.WalletFile).Msg("load wallet")
	}

	approver := cardano.AutoApprove
	if !cfg.AutoApprove {
		approver = cardano.ApproverFunc(func(_ context.Context, peer jsbridge.Peer) (bool, error) {
			ok := slices.Contains(cfg.AllowedOrigins, cardano.Origin(peer))
			logx.Log.Info().Str("origin", cardano.Origin(peer)).Bool("approved", ok).Msg("enable requested")
			return ok, nil
		})
	}

	host := walletd.New(walletd.Options{
		PortName:       cfg.PortName,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Heartbeat:      cfg.Heartbeat,
		DeadAfter:      cfg.DeadAfter,
		Handler:        cardano.NewHostHandler(wallet, grantStore, approver),
		State:          state,
	})
	handler := walletd.NewRouter(host, walletd.RouterOptions{
		Port:           cfg.Port,
		MetricsAddr:    cfg.MetricsAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       preg,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			before := wallet.Account()
			changed, err := wallet.Reload(cfg.WalletFile)
			if err != nil {
				logx.Log.Error().Err(err).Str("path", cfg.WalletFile).Msg("reload wallet")
				continue
			}
			if !changed {
				logx.Log.Info().Msg("wallet unchanged")
				continue
			}
			after := wallet.Account()
			host.Broadcast(ctx, cardano.WalletEventAccountChanged, after)
			if after.NetworkID != before.NetworkID {
				host.Broadcast(ctx, cardano.WalletEventNetworkChanged, after.NetworkID)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if state.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			var (
				waitCtx context.Context
				stop    context.CancelFunc
			)
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Int("sessions", host.Len()).Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Int("sessions", host.Len()).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithCancel(ctx)
			}
			go func() {
				defer stop()
				if err := host.Drain(waitCtx); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						logx.Log.Warn().Int("sessions", host.Len()).Msg("drain timeout exceeded; terminating")
					}
				} else {
					logx.Log.Info().Msg("drain complete; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		host.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	state.SetReady()
	logx.Log.Info().Int("port", cfg.Port).Str("address", wallet.Account().Address).Msg("server starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
