package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
)

const (
	serviceName = "kdapp.node.v1.Node"

	methodSpendable = "/" + serviceName + "/GetSpendableResources"
	methodSubmit    = "/" + serviceName + "/SubmitTransaction"
	methodSubscribe = "/" + serviceName + "/SubscribePayloads"

	codecName = "json"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the node service be described without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

type spendableRequest struct {
	Address string `json:"address"`
}

type spendableResponse struct {
	UTXOs []UTXO `json:"utxos"`
}

type submitRequest struct {
	Transaction []byte `json:"transaction"`
}

type submitResponse struct {
	TxID        string `json:"tx_id"`
	SubmittedAt int64  `json:"submitted_at"`
}

type subscribeRequest struct {
	Prefix uint32 `json:"prefix"`
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:16110",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient is a Client backed by a remote node service.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGrpcClient connects to the node at addr and waits until the connection
// is ready.
func NewGrpcClient(addr string, logger *slog.Logger, extra ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad node endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: node at %s not ready: %w", domain.ErrNodeUnavailable, cfg.Address, err)
	}

	logger.Info("Connected to node", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// SpendableResources implements Client.
func (c *GrpcClient) SpendableResources(ctx context.Context, address string) ([]UTXO, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var resp spendableResponse
	if err := c.conn.Invoke(ctx, methodSpendable, &spendableRequest{Address: address}, &resp); err != nil {
		return nil, fmt.Errorf("get spendable resources: %w", mapStatus(err))
	}
	return resp.UTXOs, nil
}

// Submit implements Client.
func (c *GrpcClient) Submit(ctx context.Context, tx *chain.Transaction) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var resp submitResponse
	if err := c.conn.Invoke(ctx, methodSubmit, &submitRequest{Transaction: tx.Encode()}, &resp); err != nil {
		return Receipt{}, fmt.Errorf("submit transaction: %w", mapStatus(err))
	}
	return Receipt{TxID: resp.TxID, SubmittedAt: time.UnixMilli(resp.SubmittedAt)}, nil
}

var subscribeDesc = &grpc.StreamDesc{StreamName: "SubscribePayloads", ServerStreams: true}

// Subscribe implements Client.
func (c *GrpcClient) Subscribe(ctx context.Context, prefix uint32) (<-chan Notification, error) {
	stream, err := c.conn.NewStream(ctx, subscribeDesc, methodSubscribe)
	if err != nil {
		return nil, fmt.Errorf("open payload stream: %w", mapStatus(err))
	}
	if err := stream.SendMsg(&subscribeRequest{Prefix: prefix}); err != nil {
		return nil, fmt.Errorf("send subscription: %w", mapStatus(err))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscription send: %w", mapStatus(err))
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		for {
			var n Notification
			err := stream.RecvMsg(&n)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("Payload stream error", "error", err, "address", c.addr)
				}
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// mapStatus folds transport failures into the domain taxonomy.
func mapStatus(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", domain.ErrNodeUnavailable, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrSubmissionFailed, status.Convert(err).Message())
	default:
		return err
	}
}

var _ Client = (*GrpcClient)(nil)

// RegisterServer exposes backend on s under the node service name, so a
// Loopback can serve several runtime processes.
func RegisterServer(s *grpc.Server, backend Client) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*Client)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetSpendableResources", Handler: spendableHandler},
			{MethodName: "SubmitTransaction", Handler: submitHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "SubscribePayloads", Handler: subscribeHandler, ServerStreams: true},
		},
	}, backend)
}

func spendableHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req spendableRequest
	if err := dec(&req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	utxos, err := srv.(Client).SpendableResources(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &spendableResponse{UTXOs: utxos}, nil
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req submitRequest
	if err := dec(&req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tx, err := chain.DecodeTransaction(req.Transaction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	receipt, err := srv.(Client).Submit(ctx, tx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &submitResponse{TxID: receipt.TxID, SubmittedAt: receipt.SubmittedAt.UnixMilli()}, nil
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	var req subscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	notifications, err := srv.(Client).Subscribe(stream.Context(), req.Prefix)
	if err != nil {
		return toStatus(err)
	}
	for n := range notifications {
		if err := stream.SendMsg(&n); err != nil {
			return err
		}
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrSubmissionFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errBadAddress):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNodeUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
