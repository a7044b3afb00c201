package cardano

import (
	"fmt"

	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// CIP-30 APIError codes.
const (
	APIInvalidRequest = -1
	APIInternalError  = -2
	APIRefused        = -3
	APIAccountChange  = -4
)

// CIP-30 TxSignError codes.
const (
	TxSignProofGeneration = 1
	TxSignUserDeclined    = 2
)

// CIP-30 DataSignError codes.
const (
	DataSignProofGeneration = 1
	DataSignAddressNotPK    = 2
	DataSignUserDeclined    = 3
)

// CIP-30 TxSendError codes.
const (
	TxSendRefused = 1
	TxSendFailure = 2
)

// APIError is a CIP-30 error returned by a Wallet. It crosses the bridge as
// an error payload carrying Info and Code.
type APIError struct {
	Code int
	Info string
}

func (e *APIError) Error() string { return fmt.Sprintf("cip30 error %d: %s", e.Code, e.Info) }

// Payload returns the wire form of e.
func (e *APIError) Payload() *wire.ErrorPayload {
	return &wire.ErrorPayload{Message: e.Info, Code: e.Code}
}

// UserDeclined is the error wallets return when the user rejects signing.
func UserDeclined(code int) *APIError { return &APIError{Code: code, Info: "User rejected"} }
