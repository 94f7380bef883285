// Package rpc carries agent RPC calls over connection streams. Each call
// uses its own stream: the client writes one request frame and reads
// response frames until one is marked done.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/polykey/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/polykey/pkg/transport"
	"github.com/WebFirstLanguage/polykey/pkg/wire"
	"github.com/google/uuid"
)

// ErrNoResponse is returned when a unary call completes without a body
var ErrNoResponse = errors.New("rpc: call completed without a response")

// StreamOpener opens a new stream to the peer
type StreamOpener interface {
	NewStream(ctx context.Context) (transport.Stream, error)
}

// Call performs a unary call and decodes the single result into resp
func Call(ctx context.Context, conn StreamOpener, method string, req, resp interface{}) error {
	got := false
	err := CallStream(ctx, conn, method, req, func(r *wire.Response) error {
		if got {
			return fmt.Errorf("%s: unexpected extra response", method)
		}
		got = true
		if resp == nil {
			return nil
		}
		return r.DecodeBody(resp)
	})
	if err != nil {
		return err
	}
	if !got {
		return fmt.Errorf("%s: %w", method, ErrNoResponse)
	}
	return nil
}

// Collect performs a server streaming call and decodes every item
func Collect[T any](ctx context.Context, conn StreamOpener, method string, req interface{}) ([]T, error) {
	var items []T
	err := CallStream(ctx, conn, method, req, func(r *wire.Response) error {
		var item T
		if err := r.DecodeBody(&item); err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// CallStream performs a call and invokes fn for every response carrying a
// body. A remote error is returned as a wrapped *wire.Error.
func CallStream(ctx context.Context, conn StreamOpener, method string, req interface{}, fn func(*wire.Response) error) error {
	request, err := wire.NewRequest(uuid.NewString(), method, req)
	if err != nil {
		return err
	}

	stream, err := conn.NewStream(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to open stream: %w", method, err)
	}
	defer stream.Close()
	defer transport.BindContext(ctx, stream)()

	if err := wire.WriteFrame(stream, request); err != nil {
		return wrapIO(ctx, method, err)
	}

	for {
		var resp wire.Response
		if err := wire.ReadFrame(stream, &resp); err != nil {
			return wrapIO(ctx, method, err)
		}
		if resp.ID != request.ID {
			return fmt.Errorf("%s: response id mismatch", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if len(resp.Body) > 0 {
			if err := fn(&resp); err != nil {
				return err
			}
		}
		if resp.Done {
			return nil
		}
	}
}

func wrapIO(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func encodeBody(v interface{}) ([]byte, error) {
	return cborcanon.Marshal(v)
}
