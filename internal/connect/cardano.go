package connect

import (
	"context"
	"strconv"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
)

// CardanoUI offers a single in-page CIP-30 provider as the only wallet.
type CardanoUI struct {
	Provider *cardano.Provider
}

// FetchWallets lists the provider.
func (u CardanoUI) FetchWallets(ctx context.Context) ([]KnownWallet, error) {
	info := u.Provider.WalletInfo()
	return []KnownWallet{{ID: info.Name, Name: info.Name, Logo: info.Icon}}, nil
}

// OnConnect enables the provider and reads the change address and network.
func (u CardanoUI) OnConnect(ctx context.Context, w KnownWallet) (Connection[cardano.API], error) {
	api, err := u.Provider.Enable(ctx)
	if err != nil {
		return Connection[cardano.API]{}, err
	}
	addr, err := api.GetChangeAddress(ctx)
	if err != nil {
		return Connection[cardano.API]{}, err
	}
	network, err := api.GetNetworkID(ctx)
	if err != nil {
		return Connection[cardano.API]{}, err
	}
	return Connection[cardano.API]{
		Provider: api,
		Account:  AccountInfo{Address: addr.String(), ChainID: strconv.Itoa(int(network))},
	}, nil
}

// OnDisconnect has nothing to release; the provider outlives the connection.
func (u CardanoUI) OnDisconnect(ctx context.Context) error { return nil }
