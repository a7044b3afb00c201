package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
	"github.com/gaspardpetit/walletbridge/internal/config"
	"github.com/gaspardpetit/walletbridge/internal/connect"
	"github.com/gaspardpetit/walletbridge/internal/inpage"
	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/provider"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const usage = `commands:
  info                          wallet name, icon and api version
  enable                        request access and print the active account
  network                       network id
  balance                       decoded wallet balance
  utxos [amount]                utxos covering the optional cbor amount
  collateral [amount]           collateral utxos
  addresses                     used addresses
  unused-addresses              unused addresses
  change-address                change address
  reward-addresses              reward addresses
  sign-tx <tx> [partial]        sign a cbor transaction
  sign-data <addr> <payload>    sign hex payload with addr
  submit-tx <tx>                submit a signed transaction
  watch                         print wallet events until interrupted
`

type command func(ctx context.Context, p *inpage.Page, api cardano.API, args []string) (any, error)

var commands = map[string]struct {
	run    command
	enable bool
}{
	"info":             {run: info},
	"watch":            {run: watch},
	"enable":           {run: enable},
	"network":          {run: network, enable: true},
	"balance":          {run: balance, enable: true},
	"utxos":            {run: utxos, enable: true},
	"collateral":       {run: collateral, enable: true},
	"addresses":        {run: addresses(cardano.API.GetUsedAddresses), enable: true},
	"unused-addresses": {run: addresses(cardano.API.GetUnusedAddresses), enable: true},
	"reward-addresses": {run: addresses(cardano.API.GetRewardAddresses), enable: true},
	"change-address":   {run: changeAddress, enable: true},
	"sign-tx":          {run: signTx, enable: true},
	"sign-data":        {run: signData, enable: true},
	"submit-tx":        {run: submitTx, enable: true},
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ClientConfig
	cfg.BindFlags(flag.CommandLine)
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
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "walletbridge version=%s sha=%s date=%s\n\nusage: walletbridge [flags] <command> [args]\n\n%s\nflags:\n", version, buildSHA, buildDate, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("walletbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	p, err := inpage.Open(ctx, inpage.Options{Config: cfg})
	if err != nil {
		logx.Log.Fatal().Err(err).Str("host", cfg.HostURL).Msg("connect")
	}
	defer p.Close()

	var api cardano.API
	if cmd.enable {
		flow := connect.NewFlow[cardano.API](connect.CardanoUI{Provider: p.Provider}, nil)
		conn, err := flow.Connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			p.Close()
			os.Exit(1)
		}
		api = conn.Provider
	}
	out, err := cmd.run(ctx, p, api, args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, connect.Describe(err))
		p.Close()
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
}

var errUsage = errors.New("wrong arguments; see -h")

func info(_ context.Context, p *inpage.Page, _ cardano.API, _ []string) (any, error) {
	return struct {
		cardano.WalletInfo
		Connected bool `json:"connected"`
	}{p.Provider.WalletInfo(), p.Provider.Connected()}, nil
}

func enable(ctx context.Context, p *inpage.Page, _ cardano.API, _ []string) (any, error) {
	conn, err := connect.NewFlow[cardano.API](connect.CardanoUI{Provider: p.Provider}, nil).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Account, nil
}

func network(ctx context.Context, _ *inpage.Page, api cardano.API, _ []string) (any, error) {
	id, err := api.GetNetworkID(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"networkId": int(id), "network": id.String()}, nil
}

func balance(ctx context.Context, p *inpage.Page, _ cardano.API, _ []string) (any, error) {
	return p.Provider.Balance(ctx)
}

func optionalCbor(args []string) (cardano.Cbor, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > 1 {
		return nil, errUsage
	}
	return cardano.DecodeHex(args[0])
}

func utxos(ctx context.Context, _ *inpage.Page, api cardano.API, args []string) (any, error) {
	amount, err := optionalCbor(args)
	if err != nil {
		return nil, err
	}
	return api.GetUtxos(ctx, amount, nil)
}

func collateral(ctx context.Context, _ *inpage.Page, api cardano.API, args []string) (any, error) {
	amount, err := optionalCbor(args)
	if err != nil {
		return nil, err
	}
	return api.GetCollateral(ctx, amount)
}

func addresses(get func(cardano.API, context.Context) ([]cardano.Cbor, error)) command {
	return func(ctx context.Context, _ *inpage.Page, api cardano.API, _ []string) (any, error) {
		return get(api, ctx)
	}
}

func changeAddress(ctx context.Context, _ *inpage.Page, api cardano.API, _ []string) (any, error) {
	return api.GetChangeAddress(ctx)
}

func signTx(ctx context.Context, _ *inpage.Page, api cardano.API, args []string) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, errUsage
	}
	tx, err := cardano.DecodeHex(args[0])
	if err != nil {
		return nil, err
	}
	partial := len(args) == 2 && args[1] == "partial"
	return api.SignTx(ctx, tx, partial)
}

func signData(ctx context.Context, _ *inpage.Page, api cardano.API, args []string) (any, error) {
	if len(args) != 2 {
		return nil, errUsage
	}
	addr, err := cardano.DecodeHex(args[0])
	if err != nil {
		return nil, err
	}
	payload, err := cardano.DecodeHex(args[1])
	if err != nil {
		return nil, err
	}
	return api.SignData(ctx, addr, payload)
}

func submitTx(ctx context.Context, _ *inpage.Page, api cardano.API, args []string) (any, error) {
	if len(args) != 1 {
		return nil, errUsage
	}
	tx, err := cardano.DecodeHex(args[0])
	if err != nil {
		return nil, err
	}
	id, err := api.SubmitTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txId": id}, nil
}

func watch(ctx context.Context, p *inpage.Page, _ cardano.API, _ []string) (any, error) {
	enc := json.NewEncoder(os.Stdout)
	emit := func(event string, v any) {
		_ = enc.Encode(map[string]any{"event": event, "data": v})
	}
	offs := make([]func(), 0, 3)
	for _, ev := range []string{provider.EventConnect, provider.EventDisconnect} {
		off, err := p.Provider.On(ev, func(any) { emit(ev, nil) })
		if err != nil {
			return nil, err
		}
		offs = append(offs, off)
	}
	off, err := p.Provider.OnAccountChanged(func(a *cardano.Account) { emit(provider.EventAccountChanged, a) })
	if err != nil {
		return nil, err
	}
	offs = append(offs, off)
	off, err = p.Provider.OnNetworkChanged(func(n cardano.NetworkID) { emit(cardano.EventNetworkChanged, n) })
	if err != nil {
		return nil, err
	}
	offs = append(offs, off)
	defer func() {
		for _, off := range offs {
			off()
		}
	}()
	select {
	case <-ctx.Done():
		return nil, nil
	case <-p.Done():
		return nil, p.Err()
	}
}
