package sandbox

import (
	"context"
	"encoding/json"

	"github.com/worklethost/auctionserver/internal/status"
)

// Invoker adapts a *Process to the repository.Invoker interface, so a
// sandboxed compiled script can sit in a Function Repository snapshot
// next to in-process scriptengine.CompiledScript entries without
// repository or auction needing to know which kind they hold.
//
// Compile must have already succeeded against the wrapped Process
// before it is stored in a snapshot; Invoke sends a batch of one
// through the same BatchExecute op the child uses for real batches.
type Invoker struct {
	process *Process
}

// NewInvoker wraps an already-compiled sandbox Process.
func NewInvoker(process *Process) *Invoker {
	return &Invoker{process: process}
}

// Invoke runs one invocation through the sandbox child and decodes its
// result into out, matching scriptengine.CompiledScript.Invoke's
// contract exactly.
func (i *Invoker) Invoke(ctx context.Context, args json.RawMessage, out interface{}) error {
	result, err := i.process.BatchExecute([]json.RawMessage{args})
	if err != nil {
		return err
	}
	if len(result.Results) != 1 {
		return status.New(status.Internal, "sandbox returned malformed batch result for single invocation")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.Results[0], out); err != nil {
		return status.Wrap(status.FailedPrecondition, "Unable to convert the bidding function output from JSON", err)
	}
	return nil
}

// Close terminates the underlying sandbox process.
func (i *Invoker) Close() error {
	return i.process.Close()
}
