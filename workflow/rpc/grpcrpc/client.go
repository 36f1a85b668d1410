// Package grpcrpc carries the coordinator contract over gRPC.
//
// Messages are JSON encoded with a forced codec, so neither side needs
// generated protobuf code. Coordinator error codes travel in the status
// message and are turned back into *rpc.Error values on the client.
package grpcrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/dshills/idempotent-go/workflow/rpc"
)

// Client is an rpc.Adapter backed by a gRPC connection.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
}

type clientConfig struct {
	creds       credentials.TransportCredentials
	dialOptions []grpc.DialOption
}

// ClientOption configures NewClient.
type ClientOption func(*clientConfig)

// WithTransportCredentials sets the connection credentials. The default is
// an insecure connection.
func WithTransportCredentials(creds credentials.TransportCredentials) ClientOption {
	return func(c *clientConfig) {
		c.creds = creds
	}
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *clientConfig) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// NewClient connects to the coordinator at target. The connection is
// established lazily on the first call.
func NewClient(target string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{creds: insecure.NewCredentials()}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(cfg.creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, cfg.dialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpcrpc: connect %s: %w", target, err)
	}
	return &Client{conn: conn, ownConn: true}, nil
}

// NewClientFromConn wraps an existing connection. Calls force the JSON
// codec, so conn needs no special configuration. Close leaves conn open.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if NewClient opened it.
func (c *Client) Close() error {
	if !c.ownConn {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, reply, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return fromStatus(err)
	}
	return nil
}

// StartWorkflow implements rpc.Adapter.
func (c *Client) StartWorkflow(ctx context.Context, req rpc.StartWorkflowRequest) (rpc.StartWorkflowResponse, error) {
	var reply startWorkflowReply
	err := c.invoke(ctx, methodStartWorkflow, &startWorkflowMsg{
		WorkflowID:          req.WorkflowID,
		Name:                req.Name,
		ContextName:         req.ContextName,
		PrefetchCheckpoints: req.PrefetchCheckpoints,
	}, &reply)
	if err != nil {
		return rpc.StartWorkflowResponse{}, err
	}
	return rpc.StartWorkflowResponse{FencingToken: reply.FencingToken, Checkpoints: reply.Checkpoints}, nil
}

// LeaseCheckpoint implements rpc.Adapter.
func (c *Client) LeaseCheckpoint(ctx context.Context, req rpc.LeaseCheckpointRequest) (rpc.LeaseCheckpointResponse, error) {
	var reply leaseCheckpointReply
	err := c.invoke(ctx, methodLeaseCheckpoint, &leaseCheckpointMsg{
		WorkflowID:          req.WorkflowID,
		FencingToken:        req.FencingToken,
		LeaseTimeout:        req.LeaseTimeout.Milliseconds(),
		PositionChecksum:    req.PositionChecksum,
		IdempotencyChecksum: req.IdempotencyChecksum,
	}, &reply)
	if err != nil {
		return rpc.LeaseCheckpointResponse{}, err
	}
	return reply.toResponse(), nil
}

// Checkpoint implements rpc.Adapter.
func (c *Client) Checkpoint(ctx context.Context, req rpc.CheckpointRequest) (rpc.CheckpointResponse, error) {
	var reply checkpointReply
	err := c.invoke(ctx, methodCheckpoint, &checkpointMsg{
		WorkflowID:          req.WorkflowID,
		FencingToken:        req.FencingToken,
		PositionChecksum:    req.PositionChecksum,
		IdempotencyChecksum: req.IdempotencyChecksum,
		Value:               req.Value,
	}, &reply)
	if err != nil {
		return rpc.CheckpointResponse{}, err
	}
	return rpc.CheckpointResponse{Abort: reply.Abort}, nil
}

// ReleaseLeasedCheckpoint implements rpc.Adapter.
func (c *Client) ReleaseLeasedCheckpoint(ctx context.Context, req rpc.ReleaseLeasedCheckpointRequest) error {
	return c.invoke(ctx, methodReleaseLeasedCheckpoint, &releaseLeasedCheckpointMsg{
		WorkflowID:       req.WorkflowID,
		PositionChecksum: req.PositionChecksum,
	}, &emptyReply{})
}

// CompleteWorkflow implements rpc.Adapter.
func (c *Client) CompleteWorkflow(ctx context.Context, req rpc.CompleteWorkflowRequest) error {
	return c.invoke(ctx, methodCompleteWorkflow, &completeWorkflowMsg{
		WorkflowID:   req.WorkflowID,
		FencingToken: req.FencingToken,
		ExpireAfter:  req.ExpireAfter.Milliseconds(),
	}, &emptyReply{})
}

// GetWorkflowStatus implements rpc.Adapter.
func (c *Client) GetWorkflowStatus(ctx context.Context, req rpc.WorkflowStatusRequest) (rpc.WorkflowStatus, error) {
	var reply workflowStatusReply
	if err := c.invoke(ctx, methodGetWorkflowStatus, &workflowStatusMsg{WorkflowID: req.WorkflowID}, &reply); err != nil {
		return rpc.WorkflowStatus{}, err
	}
	return rpc.WorkflowStatus{
		ID:          reply.ID,
		Status:      rpc.Status(reply.Status),
		ExpireAt:    fromMillis(reply.ExpireAt),
		CompletedAt: fromMillis(reply.CompletedAt),
	}, nil
}

// fromStatus maps a gRPC status back to a coordinator error when the
// message starts with a known code.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	code, msg, _ := strings.Cut(st.Message(), ": ")
	if rerr := rpc.FromCode(code); rerr != nil {
		rerr.Message = msg
		return rerr
	}

	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("grpcrpc: %s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("grpcrpc: %s: %w", st.Message(), context.DeadlineExceeded)
	}
	return err
}

// toStatus is the server-side inverse of fromStatus.
func toStatus(err error) error {
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		code := codes.Aborted
		switch rerr.Code {
		case rpc.CodeWorkflowNotFound:
			code = codes.NotFound
		case rpc.CodeCheckpointLeasedByOtherWorker:
			code = codes.Unavailable
		}
		return status.Error(code, rerr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

var _ rpc.Adapter = (*Client)(nil)
