package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// ErrHandshake reports an invalid hello or ack.
var ErrHandshake = errors.New("channel handshake failed")

func clientHandshake(ctx context.Context, link Link, hello wire.Hello) (wire.Ack, error) {
	b, err := json.Marshal(hello)
	if err != nil {
		return wire.Ack{}, err
	}
	if err := link.Send(ctx, b); err != nil {
		return wire.Ack{}, err
	}
	data, err := link.Recv(ctx)
	if err != nil {
		return wire.Ack{}, err
	}
	var ack wire.Ack
	if err := json.Unmarshal(data, &ack); err != nil || ack.ID == "" {
		return wire.Ack{}, fmt.Errorf("%w: bad ack", ErrHandshake)
	}
	return ack, nil
}

// Handshake reads the hello from a freshly accepted link and answers it with
// the id returned by accept. When accept fails the link is left open for the
// caller to close with an appropriate reason.
func Handshake(ctx context.Context, link Link, accept func(wire.Hello) (string, error)) (wire.Hello, string, error) {
	data, err := link.Recv(ctx)
	if err != nil {
		return wire.Hello{}, "", err
	}
	var hello wire.Hello
	if err := json.Unmarshal(data, &hello); err != nil || hello.Port == "" {
		return wire.Hello{}, "", fmt.Errorf("%w: bad hello", ErrHandshake)
	}
	id, err := accept(hello)
	if err != nil {
		return hello, "", err
	}
	b, _ := json.Marshal(wire.Ack{ID: id})
	if err := link.Send(ctx, b); err != nil {
		return hello, "", err
	}
	return hello, id, nil
}
