// Package connect drives a wallet picker: it fetches the known wallets,
// connects to the one chosen and tracks the resulting connection. Rendering
// the picker is left to the UI implementation.
package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
)

var (
	// ErrNoWallets is returned when no wallet is available.
	ErrNoWallets = errors.New("no wallet available")
	// ErrNoChooser is returned when several wallets are offered and no
	// Chooser was configured.
	ErrNoChooser = errors.New("several wallets available and no chooser")
)

// KnownWallet describes a wallet the user can connect to.
type KnownWallet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Logo string `json:"logo,omitempty"`
}

// AccountInfo is what a connection reports about the active account.
type AccountInfo struct {
	Address   string `json:"address,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	ChainID   string `json:"chainId,omitempty"`
}

// Connection is an established wallet connection.
type Connection[T any] struct {
	Wallet   KnownWallet
	Provider T
	Account  AccountInfo
}

// UI is implemented by the wallet picker.
type UI[T any] interface {
	FetchWallets(ctx context.Context) ([]KnownWallet, error)
	OnConnect(ctx context.Context, w KnownWallet) (Connection[T], error)
	OnDisconnect(ctx context.Context) error
}

// Chooser picks one wallet when several are offered.
type Chooser func(ctx context.Context, wallets []KnownWallet) (KnownWallet, error)

// Error is a failed connection attempt. Error() is short enough to show to
// a user; the cause stays reachable through errors.Is/As.
type Error struct {
	Wallet KnownWallet
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("could not connect to %s: %s", e.Wallet.Name, Describe(e.Err))
}

func (e *Error) Unwrap() error { return e.Err }

// Describe reduces err to a message suitable for a notification.
func Describe(err error) string {
	var remote *jsbridge.RemoteError
	var timeout *jsbridge.TimeoutError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		return remote.Message
	case errors.As(err, &timeout):
		return "the wallet did not answer in time"
	case errors.Is(err, jsbridge.ErrConnectionLost), errors.Is(err, jsbridge.ErrNotConnected),
		errors.Is(err, jsbridge.ErrChannelUnavailable):
		return "the wallet is not reachable"
	default:
		return err.Error()
	}
}

// Flow holds the current connection.
type Flow[T any] struct {
	ui     UI[T]
	choose Chooser

	mu      sync.Mutex
	current *Connection[T]
}

// NewFlow returns a flow driving ui; choose may be nil.
func NewFlow[T any](ui UI[T], choose Chooser) *Flow[T] {
	return &Flow[T]{ui: ui, choose: choose}
}

// Connect fetches the wallets, picks one and connects to it.
func (f *Flow[T]) Connect(ctx context.Context) (Connection[T], error) {
	var zero Connection[T]
	wallets, err := f.ui.FetchWallets(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch wallets: %w", err)
	}
	var w KnownWallet
	switch len(wallets) {
	case 0:
		return zero, ErrNoWallets
	case 1:
		w = wallets[0]
	default:
		if f.choose == nil {
			return zero, ErrNoChooser
		}
		if w, err = f.choose(ctx, wallets); err != nil {
			return zero, fmt.Errorf("choose wallet: %w", err)
		}
	}
	return f.ConnectTo(ctx, w)
}

// ConnectTo connects to w and records the connection.
func (f *Flow[T]) ConnectTo(ctx context.Context, w KnownWallet) (Connection[T], error) {
	conn, err := f.ui.OnConnect(ctx, w)
	if err != nil {
		logx.Log.Warn().Str("wallet", w.ID).Err(err).Msg("connect failed")
		return Connection[T]{}, &Error{Wallet: w, Err: err}
	}
	conn.Wallet = w
	f.mu.Lock()
	f.current = &conn
	f.mu.Unlock()
	logx.Log.Info().Str("wallet", w.ID).Str("address", conn.Account.Address).Msg("wallet connected")
	return conn, nil
}

// Disconnect notifies the UI and clears the connection.
func (f *Flow[T]) Disconnect(ctx context.Context) error {
	err := f.ui.OnDisconnect(ctx)
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
	return err
}

// Current returns the active connection.
func (f *Flow[T]) Current() (Connection[T], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return Connection[T]{}, false
	}
	return *f.current, true
}
