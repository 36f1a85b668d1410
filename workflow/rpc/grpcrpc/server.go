package grpcrpc

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"

	"github.com/dshills/idempotent-go/workflow/rpc"
)

// NewServer returns a gRPC server that serves adapter under ServiceName.
// Extra options are appended after the forced JSON codec.
//
//	coord := memory.NewCoordinator()
//	srv := grpcrpc.NewServer(coord, logger)
//	lis, _ := net.Listen("tcp", ":7070")
//	go srv.Serve(lis)
func NewServer(adapter rpc.Adapter, logger logr.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	Register(srv, adapter)
	return srv
}

// Register adds the coordinator service to an existing server. The server
// must have been created with grpc.ForceServerCodec using the codec from
// ServerCodec.
func Register(srv *grpc.Server, adapter rpc.Adapter) {
	srv.RegisterService(&serviceDesc, adapter)
}

// ServerCodec returns the server option that installs the JSON codec.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

func loggingInterceptor(logger logr.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.V(1).Info("coordinator call failed", "method", info.FullMethod, "error", err.Error(), "duration", time.Since(start))
		} else {
			logger.V(2).Info("coordinator call", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*rpc.Adapter)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodStartWorkflow, func(ctx context.Context, a rpc.Adapter, in *startWorkflowMsg) (any, error) {
			resp, err := a.StartWorkflow(ctx, rpc.StartWorkflowRequest{
				WorkflowID:          in.WorkflowID,
				Name:                in.Name,
				ContextName:         in.ContextName,
				PrefetchCheckpoints: in.PrefetchCheckpoints,
			})
			if err != nil {
				return nil, err
			}
			return &startWorkflowReply{FencingToken: resp.FencingToken, Checkpoints: resp.Checkpoints}, nil
		}),
		unary(methodLeaseCheckpoint, func(ctx context.Context, a rpc.Adapter, in *leaseCheckpointMsg) (any, error) {
			resp, err := a.LeaseCheckpoint(ctx, rpc.LeaseCheckpointRequest{
				WorkflowID:          in.WorkflowID,
				FencingToken:        in.FencingToken,
				LeaseTimeout:        time.Duration(in.LeaseTimeout) * time.Millisecond,
				PositionChecksum:    in.PositionChecksum,
				IdempotencyChecksum: in.IdempotencyChecksum,
			})
			if err != nil {
				return nil, err
			}
			reply := &leaseCheckpointReply{RemainingLeaseTimeout: resp.RemainingLeaseTimeout.Milliseconds()}
			if resp.Completed() {
				reply.HasValue = true
				reply.Value = resp.Value
			} else if resp.Leased() && reply.RemainingLeaseTimeout == 0 {
				// Sub-millisecond remainders must still read as leased.
				reply.RemainingLeaseTimeout = 1
			}
			return reply, nil
		}),
		unary(methodCheckpoint, func(ctx context.Context, a rpc.Adapter, in *checkpointMsg) (any, error) {
			resp, err := a.Checkpoint(ctx, rpc.CheckpointRequest{
				WorkflowID:          in.WorkflowID,
				FencingToken:        in.FencingToken,
				PositionChecksum:    in.PositionChecksum,
				IdempotencyChecksum: in.IdempotencyChecksum,
				Value:               in.Value,
			})
			if err != nil {
				return nil, err
			}
			return &checkpointReply{Abort: resp.Abort}, nil
		}),
		unary(methodReleaseLeasedCheckpoint, func(ctx context.Context, a rpc.Adapter, in *releaseLeasedCheckpointMsg) (any, error) {
			err := a.ReleaseLeasedCheckpoint(ctx, rpc.ReleaseLeasedCheckpointRequest{
				WorkflowID:       in.WorkflowID,
				PositionChecksum: in.PositionChecksum,
			})
			if err != nil {
				return nil, err
			}
			return &emptyReply{}, nil
		}),
		unary(methodCompleteWorkflow, func(ctx context.Context, a rpc.Adapter, in *completeWorkflowMsg) (any, error) {
			err := a.CompleteWorkflow(ctx, rpc.CompleteWorkflowRequest{
				WorkflowID:   in.WorkflowID,
				FencingToken: in.FencingToken,
				ExpireAfter:  time.Duration(in.ExpireAfter) * time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			return &emptyReply{}, nil
		}),
		unary(methodGetWorkflowStatus, func(ctx context.Context, a rpc.Adapter, in *workflowStatusMsg) (any, error) {
			st, err := a.GetWorkflowStatus(ctx, rpc.WorkflowStatusRequest{WorkflowID: in.WorkflowID})
			if err != nil {
				return nil, err
			}
			return &workflowStatusReply{
				ID:          st.ID,
				Status:      int(st.Status),
				ExpireAt:    toMillis(st.ExpireAt),
				CompletedAt: toMillis(st.CompletedAt),
			}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "idempotent/v1/coordinator",
}

// unary builds a method descriptor that decodes Req, calls the adapter and
// converts coordinator errors to gRPC statuses.
func unary[Req any](method string, call func(context.Context, rpc.Adapter, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(ctx, srv.(rpc.Adapter), req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}
