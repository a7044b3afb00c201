package demowallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/gaspardpetit/walletbridge/internal/cardano"
)

const seed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

const walletYAML = `
network_id: 0
coin: 5000000
assets:
  aabb:
    "41": 3
used_addresses: ["0101", "0102"]
unused_addresses: ["0103"]
reward_addresses: ["e101"]
utxos: ["8200", "8201", "8202"]
collateral: ["8203"]
seed: ` + seed + `
`

func load(t *testing.T) (*Wallet, string) {
	t.Helper()
	path := writeConfig(t, walletYAML)
	w, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return w, path
}

func TestLoadAndQueries(t *testing.T) {
	w, _ := load(t)
	ctx := context.Background()
	if n, _ := w.NetworkID(ctx); n != cardano.Testnet {
		t.Fatalf("network = %v", n)
	}
	change, _ := w.ChangeAddress(ctx)
	if cardano.EncodeHex(change) != "0101" {
		t.Fatalf("change address defaults to first used, got %s", change)
	}
	bal, err := w.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	v, err := cardano.DecodeValue(bal)
	if err != nil || v.Coin != 5000000 || v.Assets["aabb"]["41"] != 3 {
		t.Fatalf("unexpected balance %+v %v", v, err)
	}
	if acc := w.Account(); acc.Address != "0101" || acc.NetworkID != cardano.Testnet {
		t.Fatalf("unexpected account %+v", acc)
	}
}

func TestUtxosAmountAndPaging(t *testing.T) {
	w, _ := load(t)
	ctx := context.Background()
	page, _ := w.Utxos(ctx, nil, &cardano.Paginate{Page: 1, Limit: 2})
	if len(page) != 1 || cardano.EncodeHex(page[0]) != "8202" {
		t.Fatalf("unexpected page %v", page)
	}
	if out, _ := w.Utxos(ctx, nil, &cardano.Paginate{Page: 5, Limit: 2}); out != nil {
		t.Fatalf("expected nil past the end, got %v", out)
	}
	small, _ := cardano.Value{Coin: 1}.Encode()
	if out, _ := w.Utxos(ctx, small, nil); len(out) != 3 {
		t.Fatalf("expected all utxos, got %d", len(out))
	}
	big, _ := cardano.Value{Coin: 10_000_000}.Encode()
	if out, _ := w.Utxos(ctx, big, nil); out != nil {
		t.Fatalf("expected nil when amount cannot be met")
	}
	tooMuch, _ := cardano.Value{Coin: MaxCollateral + 1}.Encode()
	var apiErr *cardano.APIError
	if _, err := w.Collateral(ctx, tooMuch); !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError for large collateral, got %v", err)
	}
}

func TestSignTxWitness(t *testing.T) {
	w, _ := load(t)
	body, _ := cbor.Marshal(map[uint64]uint64{2: 170000})
	tx, _ := cbor.Marshal([]any{cbor.RawMessage(body), map[uint64]any{}, true, nil})
	out, err := w.SignTx(context.Background(), tx, false)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var ws map[uint64][]vkeyWitness
	if err := cbor.Unmarshal(out, &ws); err != nil {
		t.Fatalf("decode witness set: %v", err)
	}
	if len(ws[0]) != 1 {
		t.Fatalf("expected one vkey witness, got %v", ws)
	}
	hash := blake2b.Sum256(body)
	if !ed25519.Verify(w.PublicKey(), hash[:], ws[0][0].Signature) {
		t.Fatalf("signature does not verify")
	}

	id, err := w.SubmitTx(context.Background(), tx)
	if err != nil || id != cardano.EncodeHex(hash[:]) {
		t.Fatalf("unexpected tx id %s %v", id, err)
	}
	if got := w.Submitted(); len(got) != 1 || got[0] != id {
		t.Fatalf("unexpected submitted %v", got)
	}
	if _, err := w.SignTx(context.Background(), cardano.Cbor{0x01}, false); err == nil {
		t.Fatalf("expected error for non-transaction")
	}
}

func TestDeclineSigning(t *testing.T) {
	w, err := New(Config{DeclineSigning: true, UsedAddresses: []string{"01"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = w.SignTx(context.Background(), cardano.Cbor{0x80}, false)
	var apiErr *cardano.APIError
	if !errors.As(err, &apiErr) || apiErr.Info != "User rejected" || apiErr.Code != cardano.TxSignUserDeclined {
		t.Fatalf("expected user rejection, got %v", err)
	}
}

func TestSignData(t *testing.T) {
	w, _ := load(t)
	ctx := context.Background()
	if _, err := w.SignData(ctx, cardano.Cbor{0x09}, cardano.Bytes("x")); err == nil {
		t.Fatalf("expected error for foreign address")
	}
	sig, err := w.SignData(ctx, cardano.Cbor{0x01, 0x02}, cardano.Bytes("hello"))
	if err != nil {
		t.Fatalf("sign data: %v", err)
	}
	var msg coseSign1
	if err := cbor.Unmarshal(sig.Signature, &msg); err != nil {
		t.Fatalf("decode cose: %v", err)
	}
	toSign, _ := cbor.Marshal(sigStructure{Context: "Signature1", Protected: msg.Protected, ExternalAAD: []byte{}, Payload: msg.Payload})
	if !ed25519.Verify(w.PublicKey(), toSign, msg.Signature) {
		t.Fatalf("cose signature does not verify")
	}
	var key coseKey
	if err := cbor.Unmarshal(sig.Key, &key); err != nil || key.Crv != 6 {
		t.Fatalf("unexpected key %+v %v", key, err)
	}
}

func TestReload(t *testing.T) {
	w, path := load(t)
	changed, err := w.Reload(path)
	if err != nil || changed {
		t.Fatalf("identical reload: changed=%v err=%v", changed, err)
	}
	if err := os.WriteFile(path, []byte("network_id: 1\nused_addresses: [\"0201\"]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, err = w.Reload(path)
	if err != nil || !changed {
		t.Fatalf("expected account change: changed=%v err=%v", changed, err)
	}
	if acc := w.Account(); acc.Address != "0201" || acc.NetworkID != cardano.Mainnet {
		t.Fatalf("unexpected account %+v", acc)
	}
	if err := os.WriteFile(path, []byte("seed: zz\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Reload(path); err == nil {
		t.Fatalf("expected error for invalid seed")
	}
}
