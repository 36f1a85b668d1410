package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/rpc/grpcrpc"
)

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	target := fs.String("coordinator", envOr("COORDINATOR", "localhost:7070"), "coordinator address")
	timeout := fs.Duration("timeout", envDuration("TIMEOUT", 5*time.Second), "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("status: at least one workflow id is required")
	}

	client, err := grpcrpc.NewClient(*target)
	if err != nil {
		return err
	}
	defer client.Close()

	var missing int
	for _, id := range fs.Args() {
		callCtx, cancel := context.WithTimeout(ctx, *timeout)
		st, err := client.GetWorkflowStatus(callCtx, rpc.WorkflowStatusRequest{WorkflowID: id})
		cancel()

		switch {
		case errors.Is(err, rpc.ErrWorkflowNotFound):
			missing++
			fmt.Fprintf(out, "%s\tnot found\n", id)
		case err != nil:
			return fmt.Errorf("status %s: %w", id, err)
		default:
			fmt.Fprintf(out, "%s\t%s\texpires=%s\tcompleted=%s\n", id, st.Status, formatTime(st.ExpireAt), formatTime(st.CompletedAt))
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d workflows not found", missing, fs.NArg())
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
