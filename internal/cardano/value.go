package cardano

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Value is a decoded balance: lovelace plus native assets keyed by hex
// policy id and hex asset name.
type Value struct {
	Coin   uint64
	Assets map[string]map[string]uint64
}

type multiAsset map[cbor.ByteString]map[cbor.ByteString]uint64

type valueArray struct {
	_      struct{} `cbor:",toarray"`
	Coin   uint64
	Assets multiAsset
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// ErrInvalidValue is returned for CBOR that is not a ledger value.
var ErrInvalidValue = errors.New("invalid cardano value")

// DecodeValue decodes coin or [coin, multiasset].
func DecodeValue(b []byte) (Value, error) {
	if len(b) == 0 {
		return Value{}, ErrInvalidValue
	}
	switch b[0] >> 5 {
	case 0:
		var coin uint64
		if err := cbor.Unmarshal(b, &coin); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Value{Coin: coin}, nil
	case 4:
		var arr valueArray
		if err := cbor.Unmarshal(b, &arr); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		v := Value{Coin: arr.Coin}
		if len(arr.Assets) > 0 {
			v.Assets = make(map[string]map[string]uint64, len(arr.Assets))
			for policy, names := range arr.Assets {
				m := make(map[string]uint64, len(names))
				for name, qty := range names {
					m[EncodeHex([]byte(name))] = qty
				}
				v.Assets[EncodeHex([]byte(policy))] = m
			}
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("%w: unexpected major type %d", ErrInvalidValue, b[0]>>5)
	}
}

// Encode returns the canonical CBOR form of v.
func (v Value) Encode() (Cbor, error) {
	if len(v.Assets) == 0 {
		return encMode.Marshal(v.Coin)
	}
	ma := make(multiAsset, len(v.Assets))
	for policy, names := range v.Assets {
		pb, err := DecodeHex(policy)
		if err != nil {
			return nil, err
		}
		m := make(map[cbor.ByteString]uint64, len(names))
		for name, qty := range names {
			nb, err := DecodeHex(name)
			if err != nil {
				return nil, err
			}
			m[cbor.ByteString(nb)] = qty
		}
		ma[cbor.ByteString(pb)] = m
	}
	return encMode.Marshal(valueArray{Coin: v.Coin, Assets: ma})
}
