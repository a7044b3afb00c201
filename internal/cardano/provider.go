package cardano

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/logx"
	"github.com/gaspardpetit/walletbridge/internal/provider"
	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// EventNetworkChanged extends the provider event set.
const EventNetworkChanged = "networkChanged"

// DefaultWalletInfo is reported when Options.Info is empty.
var DefaultWalletInfo = WalletInfo{APIVersion: APIVersion, Name: "walletbridge"}

// API is the capability object returned by Enable.
type API interface {
	GetNetworkID(ctx context.Context) (NetworkID, error)
	GetUtxos(ctx context.Context, amount Cbor, paginate *Paginate) ([]Cbor, error)
	GetCollateral(ctx context.Context, amount Cbor) ([]Cbor, error)
	GetBalance(ctx context.Context) (Cbor, error)
	GetUsedAddresses(ctx context.Context) ([]Cbor, error)
	GetUnusedAddresses(ctx context.Context) ([]Cbor, error)
	GetChangeAddress(ctx context.Context) (Cbor, error)
	GetRewardAddresses(ctx context.Context) ([]Cbor, error)
	SignTx(ctx context.Context, tx Cbor, partialSign bool) (Cbor, error)
	SignData(ctx context.Context, addr Cbor, payload Bytes) (DataSignature, error)
	SubmitTx(ctx context.Context, tx Cbor) (string, error)
}

// Options configure a Provider.
type Options struct {
	Timeout time.Duration
	Info    WalletInfo
}

// Provider is the in-page CIP-30 wallet.
type Provider struct {
	base *provider.Base
	info WalletInfo
	log  zerolog.Logger

	mu      sync.Mutex
	enabled bool
	account *Account
	offs    []func()
}

var _ API = (*Provider)(nil)

// New builds a provider sending through bridge and following signals.
func New(bridge provider.Requester, signals provider.SignalSource, opts Options) *Provider {
	if opts.Info.Name == "" {
		opts.Info = DefaultWalletInfo
	}
	if opts.Info.APIVersion == "" {
		opts.Info.APIVersion = APIVersion
	}
	p := &Provider{
		base: provider.New(bridge, signals, provider.Options{
			Timeout: opts.Timeout,
			Events:  []string{EventNetworkChanged},
			Table:   Capabilities(),
			Name:    "cardano",
		}),
		info: opts.Info,
		log:  logx.Component("cardano"),
	}
	if off, err := p.base.On(provider.EventMessageLowLevel, p.onMessage); err == nil {
		p.offs = append(p.offs, off)
	}
	if off, err := p.base.On(provider.EventDisconnect, func(any) { p.setAccount(nil) }); err == nil {
		p.offs = append(p.offs, off)
	}
	return p
}

// Base exposes the chain-independent provider.
func (p *Provider) Base() *provider.Base { return p.base }

// On subscribes to a provider event.
func (p *Provider) On(event string, fn func(any)) (func(), error) { return p.base.On(event, fn) }

// OnAccountChanged subscribes to account changes; nil means no account.
func (p *Provider) OnAccountChanged(fn func(*Account)) (func(), error) {
	return p.base.On(provider.EventAccountChanged, func(v any) {
		a, _ := v.(*Account)
		fn(a)
	})
}

// OnNetworkChanged subscribes to network changes.
func (p *Provider) OnNetworkChanged(fn func(NetworkID)) (func(), error) {
	return p.base.On(EventNetworkChanged, func(v any) {
		if n, ok := v.(NetworkID); ok {
			fn(n)
		}
	})
}

// Connected reports the bridge connection status.
func (p *Provider) Connected() bool { return p.base.Status() == provider.Connected }

// Account returns the last account reported by the host.
func (p *Provider) Account() *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		return nil
	}
	a := *p.account
	return &a
}

func (p *Provider) setAccount(a *Account) {
	p.mu.Lock()
	p.account = a
	p.mu.Unlock()
}

func (p *Provider) onMessage(v any) {
	msg, ok := v.(wire.Message)
	if !ok {
		return
	}
	switch msg.Method {
	case WalletEventAccountChanged:
		var a *Account
		if len(msg.Params) > 0 && string(msg.Params) != "null" {
			a = &Account{}
			if err := json.Unmarshal(msg.Params, a); err != nil {
				p.log.Debug().Err(err).Msg("drop malformed account event")
				return
			}
		}
		p.setAccount(a)
		p.base.Emit(provider.EventAccountChanged, a)
	case WalletEventNetworkChanged:
		var n NetworkID
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			p.log.Debug().Err(err).Msg("drop malformed network event")
			return
		}
		p.base.Emit(EventNetworkChanged, n)
	}
}

// WalletInfo returns the static wallet description.
func (p *Provider) WalletInfo() WalletInfo { return p.info }

// Enabled reports whether Enable succeeded.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// IsEnabled asks the host whether this dapp is already authorised.
func (p *Provider) IsEnabled(ctx context.Context) (bool, error) {
	var ok bool
	if err := p.base.Call(ctx, MethodIsEnabled, nil, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Enable asks the host for access and returns the capability API.
func (p *Provider) Enable(ctx context.Context) (API, error) {
	var ok bool
	if err := p.base.Call(ctx, MethodEnable, nil, &ok); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: host declined", provider.ErrNotEnabled)
	}
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	p.log.Info().Msg("wallet enabled")
	return p, nil
}

func (p *Provider) call(ctx context.Context, method string, params, out any) error {
	if !p.Enabled() {
		return provider.ErrNotEnabled
	}
	return p.base.Call(ctx, method, params, out)
}

// Request forwards any method, including ones outside the CIP-30 table.
func (p *Provider) Request(ctx context.Context, method string, params, out any) error {
	return p.call(ctx, method, params, out)
}

func (p *Provider) GetNetworkID(ctx context.Context) (NetworkID, error) {
	var n NetworkID
	err := p.call(ctx, MethodGetNetworkID, nil, &n)
	return n, err
}

func (p *Provider) GetUtxos(ctx context.Context, amount Cbor, paginate *Paginate) ([]Cbor, error) {
	var out []Cbor
	err := p.call(ctx, MethodGetUtxos, utxosParams{Amount: amount, Paginate: paginate}, &out)
	return out, err
}

func (p *Provider) GetCollateral(ctx context.Context, amount Cbor) ([]Cbor, error) {
	var out []Cbor
	err := p.call(ctx, MethodGetCollateral, collateralParams{Amount: amount}, &out)
	return out, err
}

func (p *Provider) GetBalance(ctx context.Context) (Cbor, error) {
	var out Cbor
	err := p.call(ctx, MethodGetBalance, nil, &out)
	return out, err
}

// Balance fetches and decodes the balance.
func (p *Provider) Balance(ctx context.Context) (Value, error) {
	raw, err := p.GetBalance(ctx)
	if err != nil {
		return Value{}, err
	}
	return DecodeValue(raw)
}

func (p *Provider) GetUsedAddresses(ctx context.Context) ([]Cbor, error) {
	var out []Cbor
	err := p.call(ctx, MethodGetUsedAddresses, nil, &out)
	return out, err
}

func (p *Provider) GetUnusedAddresses(ctx context.Context) ([]Cbor, error) {
	var out []Cbor
	err := p.call(ctx, MethodGetUnusedAddresses, nil, &out)
	return out, err
}

func (p *Provider) GetChangeAddress(ctx context.Context) (Cbor, error) {
	var out Cbor
	err := p.call(ctx, MethodGetChangeAddress, nil, &out)
	return out, err
}

func (p *Provider) GetRewardAddresses(ctx context.Context) ([]Cbor, error) {
	var out []Cbor
	err := p.call(ctx, MethodGetRewardAddresses, nil, &out)
	return out, err
}

func (p *Provider) SignTx(ctx context.Context, tx Cbor, partialSign bool) (Cbor, error) {
	var out Cbor
	err := p.call(ctx, MethodSignTx, signTxParams{Tx: tx, PartialSign: partialSign}, &out)
	return out, err
}

func (p *Provider) SignData(ctx context.Context, addr Cbor, payload Bytes) (DataSignature, error) {
	var out DataSignature
	err := p.call(ctx, MethodSignData, signDataParams{Addr: addr, Payload: payload}, &out)
	return out, err
}

func (p *Provider) SubmitTx(ctx context.Context, tx Cbor) (string, error) {
	var out string
	err := p.call(ctx, MethodSubmitTx, tx, &out)
	return out, err
}

// Close detaches the provider.
func (p *Provider) Close() {
	p.mu.Lock()
	offs := p.offs
	p.offs = nil
	p.mu.Unlock()
	for _, off := range offs {
		off()
	}
	p.base.Close()
}
