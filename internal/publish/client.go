package publish

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a tracker's gRPC service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient returns a client for addr. No connection is made until the
// first call.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Reset asks the tracker to clear all tracks.
func (c *Client) Reset(ctx context.Context, reason string) error {
	return c.conn.Invoke(ctx, resetMethod, wrapperspb.String(reason), new(emptypb.Empty))
}

// Health returns the tracker's status as a generic map.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, healthMethod, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch calls fn with each streamed output until ctx ends, the server
// closes the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(new(emptypb.Empty)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg.AsMap()); err != nil {
			return err
		}
	}
}
