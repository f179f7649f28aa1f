package rpc

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/twopc/core/master"
	"github.com/sushant-115/twopc/core/replica"
	internaltelemetry "github.com/sushant-115/twopc/internal/telemetry"
)

// ServerOptions configures NewServer.
type ServerOptions struct {
	// Creds secures the listener. Nil serves plaintext.
	Creds   credentials.TransportCredentials
	Metrics *internaltelemetry.RPCMetrics
	Logger  *zap.Logger
}

// NewServer builds a gRPC server with panic recovery, request logging and,
// when configured, RPC metrics.
func NewServer(opts ServerOptions) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptors := []grpc.UnaryServerInterceptor{recoveryInterceptor(logger), loggingInterceptor(logger)}
	if opts.Metrics != nil {
		interceptors = append(interceptors, opts.Metrics.UnaryServerInterceptor())
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if opts.Creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(opts.Creds))
	}
	return grpc.NewServer(serverOpts...)
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in RPC handler",
					zap.String("method", info.FullMethod), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if ce := logger.Check(zap.DebugLevel, "RPC handled"); ce != nil {
			ce.Write(
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
				zap.Duration("took", time.Since(start)),
			)
		}
		return resp, err
	}
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, master.ErrUnavailable),
		errors.Is(err, master.ErrClosed),
		errors.Is(err, replica.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, master.ErrInvalidKey), errors.Is(err, master.ErrInvalidValue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// MasterService serves a *master.Master over twopc.Master.
type MasterService struct {
	m *master.Master
}

func NewMasterService(m *master.Master) *MasterService {
	return &MasterService{m: m}
}

func (s *MasterService) Put(ctx context.Context, req *PutRequest) (*AckResponse, error) {
	ok, err := s.m.Put(ctx, req.Key, req.Value)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{OK: ok}, nil
}

func (s *MasterService) Delete(ctx context.Context, req *DeleteRequest) (*AckResponse, error) {
	ok, err := s.m.Delete(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{OK: ok}, nil
}

func (s *MasterService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	value, found, err := s.m.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Value: value, Found: found}, nil
}

func (s *MasterService) TransactionState(_ context.Context, req *TxnRequest) (*StateResponse, error) {
	return &StateResponse{State: s.m.TransactionState(req.ID).String()}, nil
}

// ReplicaService serves a *replica.Replica over twopc.Replica.
type ReplicaService struct {
	r *replica.Replica
}

func NewReplicaService(r *replica.Replica) *ReplicaService {
	return &ReplicaService{r: r}
}

func ack(ok bool, err error) (*AckResponse, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{OK: ok}, nil
}

func (s *ReplicaService) Put(_ context.Context, req *PutRequest) (*AckResponse, error) {
	return ack(s.r.Put(req.Key, req.Value, req.ID))
}

func (s *ReplicaService) Delete(_ context.Context, req *DeleteRequest) (*AckResponse, error) {
	return ack(s.r.Delete(req.Key, req.ID))
}

func (s *ReplicaService) Get(_ context.Context, req *GetRequest) (*GetResponse, error) {
	value, found, err := s.r.Get(req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Value: value, Found: found}, nil
}

func (s *ReplicaService) VoteReq(_ context.Context, req *TxnRequest) (*AckResponse, error) {
	return ack(s.r.VoteReq(req.ID))
}

func (s *ReplicaService) Commit(_ context.Context, req *TxnRequest) (*AckResponse, error) {
	return ack(s.r.Commit(req.ID))
}

func (s *ReplicaService) Abort(_ context.Context, req *TxnRequest) (*AckResponse, error) {
	return ack(s.r.Abort(req.ID))
}

var (
	_ MasterServer  = (*MasterService)(nil)
	_ ReplicaServer = (*ReplicaService)(nil)
)
