package grpcrpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/rpc/memory"
)

func newTestClient(t *testing.T, adapter rpc.Adapter) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(adapter, logr.Discard())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet", WithDialOptions(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_FullProtocol(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestClient(t, memory.NewCoordinator())

	start, err := client.StartWorkflow(ctx, rpc.StartWorkflowRequest{WorkflowID: "w", Name: "checkout"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if start.FencingToken != 1 {
		t.Errorf("token = %d, want 1", start.FencingToken)
	}

	lease := rpc.LeaseCheckpointRequest{
		WorkflowID: "w", FencingToken: start.FencingToken, LeaseTimeout: 5 * time.Second,
		PositionChecksum: 11, IdempotencyChecksum: 22,
	}
	granted, err := client.LeaseCheckpoint(ctx, lease)
	if err != nil {
		t.Fatalf("LeaseCheckpoint: %v", err)
	}
	if granted.Completed() || granted.Leased() {
		t.Fatalf("expected grant, got %+v", granted)
	}

	held, err := client.LeaseCheckpoint(ctx, lease)
	if err != nil {
		t.Fatalf("LeaseCheckpoint: %v", err)
	}
	if !held.Leased() || held.RemainingLeaseTimeout > 5*time.Second {
		t.Errorf("expected remaining lease, got %+v", held)
	}

	cp, err := client.Checkpoint(ctx, rpc.CheckpointRequest{
		WorkflowID: "w", FencingToken: start.FencingToken, PositionChecksum: 11, IdempotencyChecksum: 22,
		Value: []byte{0x82, 0x01},
	})
	if err != nil || cp.Abort {
		t.Fatalf("Checkpoint = %+v, %v", cp, err)
	}

	replay, err := client.LeaseCheckpoint(ctx, lease)
	if err != nil {
		t.Fatal(err)
	}
	if !replay.Completed() || string(replay.Value) != string([]byte{0x82, 0x01}) {
		t.Errorf("replay = %+v", replay)
	}

	prefetched, err := client.StartWorkflow(ctx, rpc.StartWorkflowRequest{WorkflowID: "w", PrefetchCheckpoints: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(prefetched.Checkpoints[11]) != 2 {
		t.Errorf("prefetched = %v", prefetched.Checkpoints)
	}

	if err := client.ReleaseLeasedCheckpoint(ctx, rpc.ReleaseLeasedCheckpointRequest{WorkflowID: "w", PositionChecksum: 12}); err != nil {
		t.Errorf("ReleaseLeasedCheckpoint: %v", err)
	}

	if err := client.CompleteWorkflow(ctx, rpc.CompleteWorkflowRequest{WorkflowID: "w", FencingToken: prefetched.FencingToken, ExpireAfter: time.Hour}); err != nil {
		t.Fatalf("CompleteWorkflow: %v", err)
	}
	st, err := client.GetWorkflowStatus(ctx, rpc.WorkflowStatusRequest{WorkflowID: "w"})
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != "w" || st.Status != rpc.StatusCompleted || st.ExpireAt == nil || st.CompletedAt == nil {
		t.Errorf("status = %+v", st)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestClient(t, memory.NewCoordinator())

	_, err := client.GetWorkflowStatus(ctx, rpc.WorkflowStatusRequest{WorkflowID: "missing"})
	if !errors.Is(err, rpc.ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
	var rerr *rpc.Error
	if !errors.As(err, &rerr) || rerr.Message == "" {
		t.Errorf("expected message to survive transport, got %#v", err)
	}

	old, _ := client.StartWorkflow(ctx, rpc.StartWorkflowRequest{WorkflowID: "w"})
	if _, err := client.StartWorkflow(ctx, rpc.StartWorkflowRequest{WorkflowID: "w"}); err != nil {
		t.Fatal(err)
	}
	_, err = client.LeaseCheckpoint(ctx, rpc.LeaseCheckpointRequest{
		WorkflowID: "w", FencingToken: old.FencingToken, LeaseTimeout: time.Second,
	})
	if !errors.Is(err, rpc.ErrFencingTokenExpired) {
		t.Errorf("expected ErrFencingTokenExpired, got %v", err)
	}
}

type failingAdapter struct {
	rpc.Adapter
	err error
}

func (f failingAdapter) StartWorkflow(context.Context, rpc.StartWorkflowRequest) (rpc.StartWorkflowResponse, error) {
	return rpc.StartWorkflowResponse{}, f.err
}

func TestClient_NonCoordinatorErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestClient(t, failingAdapter{err: errors.New("disk full")})

	_, err := client.StartWorkflow(ctx, rpc.StartWorkflowRequest{WorkflowID: "w"})
	if status.Code(err) != codes.Internal {
		t.Errorf("expected Internal status, got %v", err)
	}
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		t.Errorf("plain errors must not become coordinator errors: %v", err)
	}
}

func TestToStatus_Codes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{rpc.NewError(rpc.CodeWorkflowNotFound, "x"), codes.NotFound},
		{rpc.NewError(rpc.CodeCheckpointLeasedByOtherWorker, "x"), codes.Unavailable},
		{rpc.NewError(rpc.CodeFencingTokenExpired, "x"), codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFromStatus_RoundTrip(t *testing.T) {
	in := rpc.NewError(rpc.CodeNestedWorkflowFencingTokenConflict, "parent %s", "p")
	out := fromStatus(toStatus(in))
	if !errors.Is(out, rpc.ErrNestedWorkflowFencingTokenConflict) {
		t.Fatalf("got %v", out)
	}
	if out.Error() != in.Error() {
		t.Errorf("message = %q, want %q", out.Error(), in.Error())
	}

	if got := fromStatus(errors.New("plain")); got.Error() != "plain" {
		t.Errorf("non-status errors pass through, got %v", got)
	}
	if got := fromStatus(status.Error(codes.Canceled, "stop")); !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", got)
	}
}
