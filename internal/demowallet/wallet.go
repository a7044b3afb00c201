// Package demowallet is a static, file-defined wallet that lets the host run
// without real key management. It signs with a single ed25519 key.
package demowallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
	"github.com/gaspardpetit/walletbridge/internal/logx"
)

// MaxCollateral is the largest collateral amount served, in lovelace.
const MaxCollateral = 5_000_000

// Config is the YAML wallet definition. Byte fields are hex strings.
type Config struct {
	NetworkID       int                          `yaml:"network_id"`
	Coin            uint64                       `yaml:"coin"`
	Assets          map[string]map[string]uint64 `yaml:"assets"`
	UsedAddresses   []string                     `yaml:"used_addresses"`
	UnusedAddresses []string                     `yaml:"unused_addresses"`
	ChangeAddress   string                       `yaml:"change_address"`
	RewardAddresses []string                     `yaml:"reward_addresses"`
	Utxos           []string                     `yaml:"utxos"`
	Collateral      []string                     `yaml:"collateral"`
	Seed            string                       `yaml:"seed"`
	DeclineSigning  bool                         `yaml:"decline_signing"`
}

type state struct {
	cfg        Config
	network    cardano.NetworkID
	balance    cardano.Value
	used       []cardano.Cbor
	unused     []cardano.Cbor
	change     cardano.Cbor
	reward     []cardano.Cbor
	utxos      []cardano.Cbor
	collateral []cardano.Cbor
	key        ed25519.PrivateKey
}

// Wallet implements cardano.Wallet.
type Wallet struct {
	log zerolog.Logger

	mu        sync.RWMutex
	st        *state
	submitted []string
}

var _ cardano.Wallet = (*Wallet)(nil)

func hexList(in []string) ([]cardano.Cbor, error) {
	out := make([]cardano.Cbor, 0, len(in))
	for _, s := range in {
		b, err := cardano.DecodeHex(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func build(cfg Config) (*state, error) {
	st := &state{cfg: cfg, network: cardano.NetworkID(cfg.NetworkID)}
	st.balance = cardano.Value{Coin: cfg.Coin, Assets: cfg.Assets}
	var err error
	lists := []struct {
		dst *[]cardano.Cbor
		src []string
		nm  string
	}{
		{&st.used, cfg.UsedAddresses, "used_addresses"},
		{&st.unused, cfg.UnusedAddresses, "unused_addresses"},
		{&st.reward, cfg.RewardAddresses, "reward_addresses"},
		{&st.utxos, cfg.Utxos, "utxos"},
		{&st.collateral, cfg.Collateral, "collateral"},
	}
	for _, l := range lists {
		if *l.dst, err = hexList(l.src); err != nil {
			return nil, fmt.Errorf("%s: %w", l.nm, err)
		}
	}
	if cfg.ChangeAddress != "" {
		if st.change, err = cardano.DecodeHex(cfg.ChangeAddress); err != nil {
			return nil, fmt.Errorf("change_address: %w", err)
		}
	} else if len(st.used) > 0 {
		st.change = st.used[0]
	}
	if _, err := st.balance.Encode(); err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	if cfg.Seed != "" {
		seed, err := cardano.DecodeHex(cfg.Seed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("seed: want %d hex bytes", ed25519.SeedSize)
		}
		st.key = ed25519.NewKeyFromSeed(seed)
	} else {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		st.key = key
	}
	return st, nil
}

// New returns a wallet for cfg.
func New(cfg Config) (*Wallet, error) {
	st, err := build(cfg)
	if err != nil {
		return nil, err
	}
	return &Wallet{st: st, log: logx.Component("demowallet")}, nil
}

func readConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads a wallet definition from path.
func Load(path string) (*Wallet, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Reload replaces the wallet definition from path and reports whether the
// active account changed.
func (w *Wallet) Reload(path string) (bool, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return false, err
	}
	st, err := build(cfg)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	old := w.st
	w.st = st
	w.mu.Unlock()
	changed := old.network != st.network || cardano.EncodeHex(old.change) != cardano.EncodeHex(st.change)
	w.log.Info().Bool("account_changed", changed).Str("path", path).Msg("wallet reloaded")
	return changed, nil
}

func (w *Wallet) current() *state {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.st
}

// Account returns the active account.
func (w *Wallet) Account() cardano.Account {
	st := w.current()
	return cardano.Account{Address: cardano.EncodeHex(st.change), NetworkID: st.network}
}

// PublicKey returns the signing key.
func (w *Wallet) PublicKey() ed25519.PublicKey {
	return w.current().key.Public().(ed25519.PublicKey)
}

// Submitted returns the ids of submitted transactions.
func (w *Wallet) Submitted() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.submitted...)
}

func (w *Wallet) NetworkID(context.Context) (cardano.NetworkID, error) {
	return w.current().network, nil
}

func covers(have cardano.Value, amount cardano.Cbor) (bool, error) {
	if len(amount) == 0 {
		return true, nil
	}
	want, err := cardano.DecodeValue(amount)
	if err != nil {
		return false, &cardano.APIError{Code: cardano.APIInvalidRequest, Info: err.Error()}
	}
	if want.Coin > have.Coin {
		return false, nil
	}
	for policy, names := range want.Assets {
		for name, qty := range names {
			if have.Assets[policy][name] < qty {
				return false, nil
			}
		}
	}
	return true, nil
}

func (w *Wallet) Utxos(_ context.Context, amount cardano.Cbor, paginate *cardano.Paginate) ([]cardano.Cbor, error) {
	st := w.current()
	ok, err := covers(st.balance, amount)
	if err != nil || !ok {
		return nil, err
	}
	utxos := st.utxos
	if paginate != nil && paginate.Limit > 0 {
		start := paginate.Page * paginate.Limit
		if start >= len(utxos) {
			return nil, nil
		}
		end := min(start+paginate.Limit, len(utxos))
		utxos = utxos[start:end]
	}
	return utxos, nil
}

func (w *Wallet) Collateral(_ context.Context, amount cardano.Cbor) ([]cardano.Cbor, error) {
	st := w.current()
	if len(amount) > 0 {
		want, err := cardano.DecodeValue(amount)
		if err != nil {
			return nil, &cardano.APIError{Code: cardano.APIInvalidRequest, Info: err.Error()}
		}
		if want.Coin > MaxCollateral {
			return nil, &cardano.APIError{Code: cardano.APIInvalidRequest, Info: "collateral above 5 ADA"}
		}
	}
	if len(st.collateral) == 0 {
		return nil, nil
	}
	return st.collateral, nil
}

func (w *Wallet) Balance(context.Context) (cardano.Cbor, error) {
	return w.current().balance.Encode()
}

func (w *Wallet) UsedAddresses(context.Context) ([]cardano.Cbor, error) {
	return w.current().used, nil
}

func (w *Wallet) UnusedAddresses(context.Context) ([]cardano.Cbor, error) {
	return w.current().unused, nil
}

func (w *Wallet) ChangeAddress(context.Context) (cardano.Cbor, error) {
	return w.current().change, nil
}

func (w *Wallet) RewardAddresses(context.Context) ([]cardano.Cbor, error) {
	return w.current().reward, nil
}

// bodyHash returns the blake2b-256 hash of the transaction body, the first
// element of a transaction array.
func bodyHash(tx cardano.Cbor) ([32]byte, error) {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(tx, &parts); err != nil || len(parts) == 0 {
		return [32]byte{}, fmt.Errorf("not a transaction")
	}
	return blake2b.Sum256(parts[0]), nil
}

type vkeyWitness struct {
	_         struct{} `cbor:",toarray"`
	VKey      []byte
	Signature []byte
}

func (w *Wallet) SignTx(_ context.Context, tx cardano.Cbor, partialSign bool) (cardano.Cbor, error) {
	st := w.current()
	if st.cfg.DeclineSigning {
		w.log.Info().Msg("declined signing")
		return nil, cardano.UserDeclined(cardano.TxSignUserDeclined)
	}
	hash, err := bodyHash(tx)
	if err != nil {
		return nil, &cardano.APIError{Code: cardano.APIInvalidRequest, Info: err.Error()}
	}
	wit := vkeyWitness{VKey: st.key.Public().(ed25519.PublicKey), Signature: ed25519.Sign(st.key, hash[:])}
	out, err := cbor.Marshal(map[uint64][]vkeyWitness{0: {wit}})
	if err != nil {
		return nil, &cardano.APIError{Code: cardano.TxSignProofGeneration, Info: err.Error()}
	}
	w.log.Info().Str("body_hash", cardano.EncodeHex(hash[:])).Bool("partial", partialSign).Msg("signed transaction")
	return out, nil
}

func (w *Wallet) owns(st *state, addr cardano.Cbor) bool {
	a := cardano.EncodeHex(addr)
	for _, list := range [][]cardano.Cbor{st.used, st.unused, st.reward, {st.change}} {
		for _, x := range list {
			if cardano.EncodeHex(x) == a {
				return true
			}
		}
	}
	return false
}

// coseHeader holds the protected header of a COSE_Sign1 message.
type coseHeader struct {
	Alg     int    `cbor:"1,keyasint"`
	Address []byte `cbor:"address"`
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[string]bool
	Payload     []byte
	Signature   []byte
}

type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
}

// SignData produces a CIP-8 COSE_Sign1 signature over payload.
func (w *Wallet) SignData(_ context.Context, addr cardano.Cbor, payload cardano.Bytes) (cardano.DataSignature, error) {
	st := w.current()
	if st.cfg.DeclineSigning {
		return cardano.DataSignature{}, cardano.UserDeclined(cardano.DataSignUserDeclined)
	}
	if !w.owns(st, addr) {
		return cardano.DataSignature{}, &cardano.APIError{Code: cardano.DataSignAddressNotPK, Info: "address not owned by wallet"}
	}
	protected, err := cbor.Marshal(coseHeader{Alg: -8, Address: addr})
	if err != nil {
		return cardano.DataSignature{}, err
	}
	toSign, err := cbor.Marshal(sigStructure{Context: "Signature1", Protected: protected, ExternalAAD: []byte{}, Payload: payload})
	if err != nil {
		return cardano.DataSignature{}, err
	}
	sig, err := cbor.Marshal(coseSign1{
		Protected:   protected,
		Unprotected: map[string]bool{"hashed": false},
		Payload:     payload,
		Signature:   ed25519.Sign(st.key, toSign),
	})
	if err != nil {
		return cardano.DataSignature{}, err
	}
	key, err := cbor.Marshal(coseKey{Kty: 1, Alg: -8, Crv: 6, X: st.key.Public().(ed25519.PublicKey)})
	if err != nil {
		return cardano.DataSignature{}, err
	}
	return cardano.DataSignature{Signature: sig, Key: key}, nil
}

func (w *Wallet) SubmitTx(_ context.Context, tx cardano.Cbor) (string, error) {
	hash, err := bodyHash(tx)
	if err != nil {
		return "", &cardano.APIError{Code: cardano.TxSendFailure, Info: err.Error()}
	}
	id := cardano.EncodeHex(hash[:])
	w.mu.Lock()
	w.submitted = append(w.submitted, id)
	w.mu.Unlock()
	w.log.Info().Str("tx_id", id).Msg("transaction submitted")
	return id, nil
}
