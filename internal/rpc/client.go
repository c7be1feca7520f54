package rpc

import (
	"context"
	"fmt"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jbweber/sma/api/v1alpha1"
)

// Client calls the management API with untyped Struct messages.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient returns a client for target. Extra options are appended after the
// transport credentials derived from tlsCfg.
func NewClient(target string, tlsCfg TLSConfig, opts ...grpc.DialOption) (*Client, error) {
	creds, err := tlsCfg.ClientCredentials()
	if err != nil {
		return nil, err
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes method with params and returns the reply.
func (c *Client) Call(ctx context.Context, method string, params *structpb.Struct) (*structpb.Struct, error) {
	if !slices.Contains(v1alpha1.Methods, method) {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if params == nil {
		params = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, v1alpha1.FullMethod(method), params, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
