package cardano

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/walletbridge/internal/jsbridge"
	"github.com/gaspardpetit/walletbridge/internal/logx"
)

// Wallet is the host-side wallet backing the bridge. Errors of type
// *APIError reach the dapp with their CIP-30 code.
type Wallet interface {
	NetworkID(ctx context.Context) (NetworkID, error)
	Utxos(ctx context.Context, amount Cbor, paginate *Paginate) ([]Cbor, error)
	Collateral(ctx context.Context, amount Cbor) ([]Cbor, error)
	Balance(ctx context.Context) (Cbor, error)
	UsedAddresses(ctx context.Context) ([]Cbor, error)
	UnusedAddresses(ctx context.Context) ([]Cbor, error)
	ChangeAddress(ctx context.Context) (Cbor, error)
	RewardAddresses(ctx context.Context) ([]Cbor, error)
	SignTx(ctx context.Context, tx Cbor, partialSign bool) (Cbor, error)
	SignData(ctx context.Context, addr Cbor, payload Bytes) (DataSignature, error)
	SubmitTx(ctx context.Context, tx Cbor) (string, error)
}

// Grants records which origins enabled the wallet.
type Grants interface {
	Granted(ctx context.Context, origin string) (bool, error)
	Grant(ctx context.Context, origin string) error
}

// Approver decides whether a peer may enable the wallet.
type Approver interface {
	Approve(ctx context.Context, peer jsbridge.Peer) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, peer jsbridge.Peer) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, peer jsbridge.Peer) (bool, error) {
	return f(ctx, peer)
}

// AutoApprove approves every peer.
var AutoApprove = ApproverFunc(func(context.Context, jsbridge.Peer) (bool, error) { return true, nil })

// HostHandler serves CIP-30 bridge requests from a Wallet.
type HostHandler struct {
	wallet   Wallet
	grants   Grants
	approver Approver
	log      zerolog.Logger
}

// NewHostHandler returns a handler for wallet. A nil approver declines
// every enable request that is not already granted.
func NewHostHandler(wallet Wallet, grants Grants, approver Approver) *HostHandler {
	return &HostHandler{wallet: wallet, grants: grants, approver: approver, log: logx.Component("cardano.host")}
}

// Origin returns the grant key for peer.
func Origin(peer jsbridge.Peer) string {
	if peer.Origin != "" {
		return peer.Origin
	}
	return "client:" + peer.ClientName
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", jsbridge.ErrInvalidParams, err)
	}
	return nil
}

func (h *HostHandler) granted(ctx context.Context, origin string) (bool, error) {
	ok, err := h.grants.Granted(ctx, origin)
	if err != nil {
		h.log.Error().Err(err).Str("origin", origin).Msg("grant lookup failed")
		return false, &APIError{Code: APIInternalError, Info: "grant store unavailable"}
	}
	return ok, nil
}

func (h *HostHandler) enable(ctx context.Context, peer jsbridge.Peer) (bool, error) {
	origin := Origin(peer)
	ok, err := h.granted(ctx, origin)
	if err != nil || ok {
		return ok, err
	}
	if h.approver == nil {
		return false, &APIError{Code: APIRefused, Info: "user declined access"}
	}
	approved, err := h.approver.Approve(ctx, peer)
	if err != nil {
		return false, err
	}
	if !approved {
		return false, &APIError{Code: APIRefused, Info: "user declined access"}
	}
	if err := h.grants.Grant(ctx, origin); err != nil {
		h.log.Error().Err(err).Str("origin", origin).Msg("store grant")
		return false, &APIError{Code: APIInternalError, Info: "grant store unavailable"}
	}
	h.log.Info().Str("origin", origin).Msg("wallet enabled")
	return true, nil
}

// ServeBridge implements jsbridge.Handler.
func (h *HostHandler) ServeBridge(ctx context.Context, method string, params json.RawMessage) (any, error) {
	peer, _ := jsbridge.PeerFrom(ctx)
	switch method {
	case MethodEnable:
		return h.enable(ctx, peer)
	case MethodIsEnabled:
		return h.granted(ctx, Origin(peer))
	}
	if _, known := Capabilities().Lookup(method); !known {
		return nil, fmt.Errorf("%w: %s", jsbridge.ErrMethodNotFound, method)
	}
	ok, err := h.granted(ctx, Origin(peer))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &APIError{Code: APIRefused, Info: "wallet not enabled for " + Origin(peer)}
	}

	switch method {
	case MethodGetNetworkID:
		return h.wallet.NetworkID(ctx)
	case MethodGetUtxos:
		var p utxosParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.wallet.Utxos(ctx, p.Amount, p.Paginate)
	case MethodGetCollateral:
		var p collateralParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.wallet.Collateral(ctx, p.Amount)
	case MethodGetBalance:
		return h.wallet.Balance(ctx)
	case MethodGetUsedAddresses:
		return h.wallet.UsedAddresses(ctx)
	case MethodGetUnusedAddresses:
		return h.wallet.UnusedAddresses(ctx)
	case MethodGetChangeAddress:
		return h.wallet.ChangeAddress(ctx)
	case MethodGetRewardAddresses:
		return h.wallet.RewardAddresses(ctx)
	case MethodSignTx:
		var p signTxParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if len(p.Tx) == 0 {
			return nil, &APIError{Code: APIInvalidRequest, Info: "missing tx"}
		}
		return h.wallet.SignTx(ctx, p.Tx, p.PartialSign)
	case MethodSignData:
		var p signDataParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.wallet.SignData(ctx, p.Addr, p.Payload)
	case MethodSubmitTx:
		var tx Cbor
		if err := decodeParams(params, &tx); err != nil {
			return nil, err
		}
		if len(tx) == 0 {
			return nil, &APIError{Code: APIInvalidRequest, Info: "missing tx"}
		}
		return h.wallet.SubmitTx(ctx, tx)
	}
	return nil, fmt.Errorf("%w: %s", jsbridge.ErrMethodNotFound, method)
}
