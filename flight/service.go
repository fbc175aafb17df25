// Package flight serves record expansion over Arrow Flight DoExchange and
// provides a client for it.
package flight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/splitjson"
	"github.com/TFMV/splitjson/coerce"
	"github.com/TFMV/splitjson/config"
	"github.com/TFMV/splitjson/schema"
	"github.com/TFMV/splitjson/stage"
)

var exchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "splitjson_flight_exchanges_total",
	Help: "DoExchange calls by resulting status code",
}, []string{"code"})

func init() {
	prometheus.MustRegister(exchanges)
}

// Service expands every record stream sent to DoExchange. The stream's
// flight descriptor may carry a JSON stage configuration as its command;
// otherwise the service default is used.
type Service struct {
	flight.BaseFlightServer
	cfg    schema.StageConfig
	logger *zap.Logger
}

// NewService returns a Service using cfg by default.
func NewService(cfg schema.StageConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger}
}

func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	err := s.exchange(stream)
	code := status.Code(err)
	exchanges.WithLabelValues(code.String()).Inc()
	return err
}

func (s *Service) exchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read input schema: %v", err)
	}
	defer reader.Release()

	cfg := s.cfg
	if descr := reader.LatestFlightDescriptor(); descr != nil && len(descr.Cmd) > 0 {
		if cfg, err = config.Parse(bytes.NewReader(descr.Cmd), "json"); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid stage configuration: %v", err)
		}
	}

	newOut := func(out *arrow.Schema) (stage.Output, error) {
		return &streamOutput{writer: flight.NewRecordWriter(stream, ipc.WithSchema(out))}, nil
	}

	stats, err := splitjson.Run(stream.Context(), &readerInput{reader: reader}, newOut, cfg, s.logger)
	if err != nil {
		s.logger.Warn("exchange failed", zap.Error(err))
		return statusOf(err)
	}
	s.logger.Info("exchange complete",
		zap.Uint64("input_records", stats.InputRecords),
		zap.Uint64("output_records", stats.OutputRecords),
		zap.Uint64("skipped", stats.Skipped))
	return nil
}

// statusOf maps a run error onto a gRPC status.
func statusOf(err error) error {
	var (
		dup  *schema.DuplicateColumnError
		cerr *coerce.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &dup),
		errors.Is(err, schema.ErrArrayColumnNotFound),
		errors.Is(err, schema.ErrArrayColumnType),
		errors.Is(err, schema.ErrExpectedExactlyOneArrayColumn),
		errors.Is(err, schema.ErrNegativePageSize),
		errors.Is(err, schema.ErrUnsupportedType),
		errors.Is(err, coerce.ErrMissingTimestampParser):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &cerr):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// readerInput adapts a flight reader to splitjson.Input.
type readerInput struct {
	reader *flight.Reader
}

func (r *readerInput) Schema() *arrow.Schema { return r.reader.Schema() }

func (r *readerInput) Next() (arrow.Record, error) {
	if !r.reader.Next() {
		if err := r.reader.Err(); err != nil {
			return nil, fmt.Errorf("error reading from flight stream: %w", err)
		}
		return nil, io.EOF
	}
	// The reader reuses its record on the next call.
	rec := r.reader.Record()
	rec.Retain()
	return rec, nil
}

// streamOutput writes pages back to the exchange stream.
type streamOutput struct {
	writer   *flight.Writer
	finished bool
	closed   bool
}

func (o *streamOutput) Add(rec arrow.Record) error {
	if o.closed || o.finished {
		return stage.ErrOutputClosed
	}
	return o.writer.Write(rec)
}

// Finish writes the end-of-stream marker.
func (o *streamOutput) Finish() error {
	if o.finished {
		return nil
	}
	o.finished = true
	return o.writer.Close()
}

func (o *streamOutput) Close() error {
	o.closed = true
	return nil
}
