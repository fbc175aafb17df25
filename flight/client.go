package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// Client sends record streams to a Service for expansion. Calls go through
// a circuit breaker; caller errors (bad configuration or bad data) do not
// count against it.
type Client struct {
	client  flight.Client
	breaker *gobreaker.CircuitBreaker[[]arrow.Record]
	command []byte
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	command     []byte
	logger      *zap.Logger
	breaker     gobreaker.Settings
	dialOptions []grpc.DialOption
}

// WithStageConfig sends raw, a JSON stage configuration, with every call
// instead of relying on the server default.
func WithStageConfig(raw []byte) ClientOption {
	return func(o *clientOptions) { o.command = raw }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithBreakerSettings replaces the circuit breaker settings. IsSuccessful
// is kept unless set.
func WithBreakerSettings(s gobreaker.Settings) ClientOption {
	return func(o *clientOptions) { o.breaker = s }
}

// WithDialOptions adds gRPC dial options. Without any, the connection is
// insecure.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

// NewClient connects to the Flight service at addr.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		logger: zap.NewNop(),
		breaker: gobreaker.Settings{
			Name:    "SplitClientCircuitBreaker",
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker.IsSuccessful == nil {
		o.breaker.IsSuccessful = isCallerError
	}
	if len(o.dialOptions) == 0 {
		o.dialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	client, err := flight.NewClientWithMiddleware(addr, nil, nil, o.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &Client{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[[]arrow.Record](o.breaker),
		command: o.command,
		logger:  o.logger,
	}, nil
}

// isCallerError reports errors that say nothing about the server's
// health.
func isCallerError(err error) bool {
	if err == nil {
		return true
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Canceled:
		return true
	}
	return false
}

// Split sends records, all of schema s, and returns the expanded pages.
// The caller releases the returned records.
func (c *Client) Split(ctx context.Context, s *arrow.Schema, records []arrow.Record) ([]arrow.Record, error) {
	out, err := c.breaker.Execute(func() ([]arrow.Record, error) {
		return c.exchange(ctx, s, records)
	})
	if err != nil {
		c.logger.Warn("split failed", zap.Error(err), zap.String("breaker", c.breaker.State().String()))
		return nil, err
	}
	return out, nil
}

func (c *Client) exchange(ctx context.Context, s *arrow.Schema, records []arrow.Record) ([]arrow.Record, error) {
	g, ctx := errgroup.WithContext(ctx)
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("DoExchange failed: %w", err)
	}

	g.Go(func() error {
		defer stream.CloseSend()
		w := flight.NewRecordWriter(stream, ipc.WithSchema(s))
		if len(c.command) > 0 {
			w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: c.command})
		}
		for _, rec := range records {
			if err := w.Write(rec); err != nil {
				// The server ended the call early; its status arrives on
				// the receive side.
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("failed to send record: %w", err)
			}
		}
		if err := w.Close(); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to close record stream: %w", err)
		}
		return nil
	})

	var result []arrow.Record
	g.Go(func() error {
		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()
		result, err = readAllRecords(reader)
		return err
	})

	if err := g.Wait(); err != nil {
		for _, rec := range result {
			rec.Release()
		}
		return nil, err
	}
	return result, nil
}

// readAllRecords pulls every record batch from a stream.
func readAllRecords(stream *flight.Reader) ([]arrow.Record, error) {
	var result []arrow.Record
	for stream.Next() {
		rec := stream.Record()
		// Retain the record so it's safe to use after Next() call
		rec.Retain()
		result = append(result, rec)
	}
	if err := stream.Err(); err != nil && err != io.EOF {
		for _, rec := range result {
			rec.Release()
		}
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}
	return result, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
