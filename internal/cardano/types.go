// Package cardano implements the CIP-30 wallet provider on top of the
// bridge, and the host-side adapter that serves it from a Wallet.
package cardano

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// APIVersion is the CIP-30 version implemented.
const APIVersion = "0.1.0"

// EncodeHex returns the lowercase hex form used on the wire.
func EncodeHex(b []byte) string { return hex.EncodeToString(b) }

// DecodeHex parses a hex string in either case.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}

func marshalHex(b []byte) ([]byte, error) { return json.Marshal(EncodeHex(b)) }

func unmarshalHex(data []byte) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return DecodeHex(s)
}

// Cbor is CBOR encoded data, hex encoded on the wire.
type Cbor []byte

func (c Cbor) MarshalJSON() ([]byte, error) { return marshalHex(c) }

func (c *Cbor) UnmarshalJSON(data []byte) error {
	b, err := unmarshalHex(data)
	if err != nil {
		return err
	}
	*c = b
	return nil
}

func (c Cbor) String() string { return EncodeHex(c) }

// Bytes is raw bytes, hex encoded on the wire.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) { return marshalHex(b) }

func (b *Bytes) UnmarshalJSON(data []byte) error {
	v, err := unmarshalHex(data)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b Bytes) String() string { return EncodeHex(b) }

// NetworkID is 0 for testnets and 1 for mainnet.
type NetworkID int

const (
	Testnet NetworkID = 0
	Mainnet NetworkID = 1
)

func (n NetworkID) String() string {
	if n == Mainnet {
		return "mainnet"
	}
	return "testnet"
}

// Paginate selects a page of results.
type Paginate struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// DataSignature is the COSE signature returned by signData.
type DataSignature struct {
	Signature Cbor `json:"signature"`
	Key       Cbor `json:"key"`
}

// WalletInfo describes the injected wallet.
type WalletInfo struct {
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
	Icon       string `json:"icon"`
}

// Account is the active account reported by the host.
type Account struct {
	Address   string    `json:"address"`
	NetworkID NetworkID `json:"networkId"`
}

type utxosParams struct {
	Amount   Cbor      `json:"amount,omitempty"`
	Paginate *Paginate `json:"paginate,omitempty"`
}

type collateralParams struct {
	Amount Cbor `json:"amount,omitempty"`
}

type signTxParams struct {
	Tx          Cbor `json:"tx"`
	PartialSign bool `json:"partialSign,omitempty"`
}

type signDataParams struct {
	Addr    Cbor  `json:"addr"`
	Payload Bytes `json:"payload"`
}
