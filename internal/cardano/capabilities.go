package cardano

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/walletbridge/internal/provider"
)

// CapabilityVersion names the method table below.
const CapabilityVersion = "cip30/" + APIVersion

// Bridge method names.
const (
	MethodEnable             = "enable"
	MethodIsEnabled          = "isEnabled"
	MethodGetNetworkID       = "getNetworkId"
	MethodGetUtxos           = "getUtxos"
	MethodGetCollateral      = "getCollateral"
	MethodGetBalance         = "getBalance"
	MethodGetUsedAddresses   = "getUsedAddresses"
	MethodGetUnusedAddresses = "getUnusedAddresses"
	MethodGetChangeAddress   = "getChangeAddress"
	MethodGetRewardAddresses = "getRewardAddresses"
	MethodSignTx             = "signTx"
	MethodSignData           = "signData"
	MethodSubmitTx           = "submitTx"
)

// Wallet event methods pushed by the host.
const (
	WalletEventAccountChanged = "wallet_events_accountChanged"
	WalletEventNetworkChanged = "wallet_events_networkChanged"
)

func hexSchema() *openapi3.Schema {
	return openapi3.NewStringSchema().WithPattern(`^([0-9a-fA-F]{2})*$`)
}

func hexList() *openapi3.Schema { return openapi3.NewArraySchema().WithItems(hexSchema()) }

func object(required []string, props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for name, p := range props {
		s = s.WithProperty(name, p)
	}
	s.Required = required
	return s
}

func paginateSchema() *openapi3.Schema {
	return object([]string{"page", "limit"}, map[string]*openapi3.Schema{
		"page":  openapi3.NewIntegerSchema().WithMin(0),
		"limit": openapi3.NewIntegerSchema().WithMin(1),
	})
}

// Capabilities returns the CIP-30 method table.
func Capabilities() provider.Table {
	return provider.NewTable(CapabilityVersion,
		provider.Capability{Method: MethodEnable, Result: openapi3.NewBoolSchema()},
		provider.Capability{Method: MethodIsEnabled, Result: openapi3.NewBoolSchema()},
		provider.Capability{Method: MethodGetNetworkID, Result: openapi3.NewIntegerSchema().WithMin(0)},
		provider.Capability{
			Method: MethodGetUtxos,
			Params: object(nil, map[string]*openapi3.Schema{"amount": hexSchema(), "paginate": paginateSchema()}),
			Result: hexList().WithNullable(),
		},
		provider.Capability{
			Method: MethodGetCollateral,
			Params: object(nil, map[string]*openapi3.Schema{"amount": hexSchema()}),
			Result: hexList().WithNullable(),
		},
		provider.Capability{Method: MethodGetBalance, Result: hexSchema()},
		provider.Capability{Method: MethodGetUsedAddresses, Result: hexList()},
		provider.Capability{Method: MethodGetUnusedAddresses, Result: hexList()},
		provider.Capability{Method: MethodGetChangeAddress, Result: hexSchema()},
		provider.Capability{Method: MethodGetRewardAddresses, Result: hexList()},
		provider.Capability{
			Method: MethodSignTx,
			Params: object([]string{"tx"}, map[string]*openapi3.Schema{"tx": hexSchema(), "partialSign": openapi3.NewBoolSchema()}),
			Result: hexSchema(),
		},
		provider.Capability{
			Method: MethodSignData,
			Params: object([]string{"addr", "payload"}, map[string]*openapi3.Schema{"addr": hexSchema(), "payload": hexSchema()}),
			Result: object([]string{"signature", "key"}, map[string]*openapi3.Schema{"signature": hexSchema(), "key": hexSchema()}),
		},
		provider.Capability{Method: MethodSubmitTx, Params: hexSchema(), Result: openapi3.NewStringSchema()},
	)
}
