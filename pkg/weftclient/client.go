// Package weftclient is the Go client of a weft backend.
package weftclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fxnlabs/weft/pkg/errdefs"
	"github.com/fxnlabs/weft/pkg/wire"
)

// Client calls a weft backend. Every error it returns wraps one of the
// errdefs sentinels; a call that did not complete wraps errdefs.ErrTransport.
type Client struct {
	conn      *grpc.ClientConn
	rpc       wire.BackendClient
	log       *zap.Logger
	metadata  MetadataProvider
	chunk     int
	retryBase time.Duration
	retries   uint64
	dialOpts  []grpc.DialOption

	mu      sync.RWMutex
	sources map[uint64]string
}

type Option func(*Client)

// WithMetadataProvider lets GetFunction derive parameter descriptors when
// the caller passes none.
func WithMetadataProvider(p MetadataProvider) Option {
	return func(c *Client) { c.metadata = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithChunkSize sets the WriteMemory chunk size, capped at wire.MaxChunkSize.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunk = n }
}

// WithRetry configures the exponential backoff used for idempotent calls.
func WithRetry(base time.Duration, retries uint64) Option {
	return func(c *Client) {
		c.retryBase = base
		c.retries = retries
	}
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Dial creates a client for the backend at target. No connection is made
// until the first call.
func Dial(target string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", target, errdefs.ErrTransport, err)
	}
	c.conn = conn
	c.rpc = wire.NewBackendClient(conn)
	return c, nil
}

// New creates a client on an existing connection.
func New(cc grpc.ClientConnInterface, opts ...Option) *Client {
	c := newClient(opts)
	c.rpc = wire.NewBackendClient(cc)
	return c
}

func newClient(opts []Option) *Client {
	c := &Client{
		log:       zap.NewNop(),
		chunk:     wire.MaxChunkSize,
		retryBase: 50 * time.Millisecond,
		retries:   3,
		sources:   make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chunk <= 0 || c.chunk > wire.MaxChunkSize {
		c.chunk = wire.MaxChunkSize
	}
	c.log = c.log.Named("weftclient")
	return c
}

// Close closes the connection created by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Allocate(ctx context.Context, size uint64) (uint64, error) {
	resp, err := c.rpc.Allocate(ctx, &wire.AllocateRequest{Size: size})
	if err != nil {
		return 0, wire.FromStatus(err)
	}
	return resp.Handle, nil
}

func (c *Client) Free(ctx context.Context, h uint64) error {
	_, err := c.rpc.Free(ctx, &wire.FreeRequest{Handle: h})
	return wire.FromStatus(err)
}

// WriteMemory streams data into block h in chunks of at most the configured
// chunk size. The first message carries the handle.
func (c *Client) WriteMemory(ctx context.Context, h uint64, data []byte) error {
	stream, err := c.rpc.WriteMemory(ctx)
	if err != nil {
		return wire.FromStatus(err)
	}
	chunks := wire.Chunks(data, c.chunk)
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}
	for i, chunk := range chunks {
		msg := &wire.WriteMemoryChunk{Data: chunk}
		if i == 0 {
			msg.Handle = h
		}
		if err := stream.Send(msg); err != nil {
			// The server ended the stream; its status comes from CloseAndRecv.
			if errors.Is(err, io.EOF) {
				break
			}
			return wire.FromStatus(err)
		}
	}
	_, err = stream.CloseAndRecv()
	return wire.FromStatus(err)
}

// ReadMemory returns size bytes of block h. Transport failures are retried.
func (c *Client) ReadMemory(ctx context.Context, h, size uint64) ([]byte, error) {
	var out []byte
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := c.readMemory(ctx, h, size)
		if err != nil {
			if errdefs.IsTransport(err) {
				c.log.Debug("Retrying ReadMemory", zap.Uint64("handle", h), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		out = data
		return nil
	})
	return out, err
}

func (c *Client) readMemory(ctx context.Context, h, size uint64) ([]byte, error) {
	stream, err := c.rpc.ReadMemory(ctx, &wire.ReadMemoryRequest{Handle: h, Size: size})
	if err != nil {
		return nil, wire.FromStatus(err)
	}
	out := make([]byte, 0, size)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wire.FromStatus(err)
		}
		out = append(out, msg.Data...)
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("read memory 0x%x: got %d of %d bytes: %w", h, len(out), size, errdefs.ErrTransport)
	}
	return out, nil
}

func (c *Client) LoadModule(ctx context.Context, source string) (uint64, error) {
	resp, err := c.rpc.LoadModule(ctx, &wire.LoadModuleRequest{Source: source})
	if err != nil {
		return 0, wire.FromStatus(err)
	}
	c.mu.Lock()
	c.sources[resp.Handle] = source
	c.mu.Unlock()
	return resp.Handle, nil
}

// GetFunction registers entry point name of module. When params is nil the
// client's MetadataProvider is asked for them, using the module source this
// client loaded.
func (c *Client) GetFunction(ctx context.Context, module uint64, name string, params []wire.Param) (uint64, error) {
	if params == nil && c.metadata != nil {
		c.mu.RLock()
		source := c.sources[module]
		c.mu.RUnlock()
		var err error
		if params, err = c.metadata.Params(source, name); err != nil {
			if errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err) {
				return 0, fmt.Errorf("parameters of %s: %w", name, err)
			}
			return 0, fmt.Errorf("parameters of %s: %w: %w", name, errdefs.ErrInvalidArgument, err)
		}
	}
	resp, err := c.rpc.GetFunction(ctx, &wire.GetFunctionRequest{Module: module, Name: name, Params: params})
	if err != nil {
		return 0, wire.FromStatus(err)
	}
	return resp.Handle, nil
}

// LaunchConfig is the geometry of a launch. Stream is the caller's stream
// handle; the backend completes every launch before replying regardless.
type LaunchConfig struct {
	Grid           wire.Dim3
	Block          wire.Dim3
	SharedMemBytes uint32
	Stream         uint64
}

func (c *Client) Launch(ctx context.Context, fn uint64, cfg LaunchConfig, args ...wire.ParamValue) error {
	_, err := c.rpc.Launch(ctx, &wire.LaunchRequest{
		Function:       fn,
		Grid:           cfg.Grid,
		Block:          cfg.Block,
		SharedMemBytes: cfg.SharedMemBytes,
		Stream:         cfg.Stream,
		Params:         args,
	})
	return wire.FromStatus(err)
}
