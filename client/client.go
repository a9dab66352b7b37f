// Package client connects wallets and tools to a Shardveil deployment:
// attested key-image queries through the router, and plain HTTP reads
// for everything that carries no privacy requirement.
package client

import (
	"context"
	"fmt"

	"Shardveil/internal/attest"
	"Shardveil/internal/connect"
	"Shardveil/internal/wire"
)

// Client queries a router over an attested session.
type Client struct {
	retrying *connect.RetryingClient
}

// NewClient creates a client for the router at addr. The measurement
// allowlist pins which router identities the client will talk to.
func NewClient(addr, chainID string, allowed []attest.Measurement) (*Client, error) {
	verifier := attest.NewVerifier(chainID, allowed)

	channel, err := connect.NewChannel(addr, verifier)
	if err != nil {
		return nil, fmt.Errorf("create channel:\n%w", err)
	}

	return &Client{
		retrying: connect.NewRetryingClient(channel, connect.DefaultRetryConfig),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.retrying.Close()
}

// CheckKeyImages asks whether the given key images have been spent.
func (c *Client) CheckKeyImages(ctx context.Context, images []wire.KeyImage) (*wire.CheckKeyImagesResponse, error) {
	body, err := wire.Marshal(&wire.CheckKeyImagesRequest{KeyImages: images})
	if err != nil {
		return nil, fmt.Errorf("encode request:\n%w", err)
	}

	var resp *wire.CheckKeyImagesResponse

	err = c.retrying.Do(ctx, func(ctx context.Context) error {
		raw, err := c.retrying.Channel().Call(ctx, wire.MethodCheckKeyImages, body)
		if err != nil {
			return err
		}

		decoded := new(wire.CheckKeyImagesResponse)
		if err := wire.Unmarshal(raw, decoded); err != nil {
			return &connect.DecodeError{Err: err}
		}

		resp = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check key images:\n%w", err)
	}

	return resp, nil
}
