package sandbox

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/worklethost/auctionserver/internal/status"
)

func compileRequest(t *testing.T, role, source string) Request {
	t.Helper()
	payload, err := json.Marshal(CompilePayload{Role: role, Source: source})
	if err != nil {
		t.Fatalf("marshal compile payload: %v", err)
	}
	return Request{Op: OpCompile, Payload: payload}
}

func batchRequest(t *testing.T, args ...string) Request {
	t.Helper()
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	payload, err := json.Marshal(BatchExecutePayload{Args: raw})
	if err != nil {
		t.Fatalf("marshal batch payload: %v", err)
	}
	return Request{Op: OpBatchExecute, Payload: payload}
}

func TestChildCompileThenBatchExecute(t *testing.T) {
	c := NewChild()

	resp := c.handle(compileRequest(t, "bidder", `input => ({ bid: input.x * 2 })`))
	if !resp.OK {
		t.Fatalf("compile failed: %s", resp.Error)
	}

	resp = c.handle(batchRequest(t, `[{"x":3}]`, `[{"x":5}]`))
	if !resp.OK {
		t.Fatalf("batch_execute failed: %s", resp.Error)
	}

	var result BatchExecuteResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected one result per input, got %d", len(result.Results))
	}
	var out struct {
		Bid float64 `json:"bid"`
	}
	if err := json.Unmarshal(result.Results[1], &out); err != nil {
		t.Fatalf("decode second result: %v", err)
	}
	if out.Bid != 10 {
		t.Fatalf("expected bid 10, got %v", out.Bid)
	}
}

func TestChildSecondCompileIsFailedPrecondition(t *testing.T) {
	c := NewChild()

	if resp := c.handle(compileRequest(t, "bidder", `input => ({ bid: 1 })`)); !resp.OK {
		t.Fatalf("first compile failed: %s", resp.Error)
	}

	resp := c.handle(compileRequest(t, "bidder", `input => ({ bid: 2 })`))
	if resp.OK {
		t.Fatal("expected a second compile to be rejected")
	}
	if status.ParseKind(resp.Kind) != status.FailedPrecondition {
		t.Fatalf("expected failed-precondition, got %q", resp.Kind)
	}
}

func TestChildBatchExecuteBeforeCompileIsFailedPrecondition(t *testing.T) {
	c := NewChild()

	resp := c.handle(batchRequest(t, `[{}]`))
	if resp.OK {
		t.Fatal("expected batch_execute from the empty state to be rejected")
	}
	if status.ParseKind(resp.Kind) != status.FailedPrecondition {
		t.Fatalf("expected failed-precondition, got %q", resp.Kind)
	}
}

func TestChildFailedCompileLeavesChildEmpty(t *testing.T) {
	c := NewChild()

	resp := c.handle(compileRequest(t, "bidder", `const x = 1;`))
	if resp.OK {
		t.Fatal("expected compile of a script with no export to fail")
	}
	if status.ParseKind(resp.Kind) != status.InvalidArgument {
		t.Fatalf("expected invalid-argument, got %q", resp.Kind)
	}

	// A failed compile returns the child to Empty, so a later compile is
	// still legal.
	if resp := c.handle(compileRequest(t, "bidder", `input => ({ bid: 1 })`)); !resp.OK {
		t.Fatalf("expected a retry compile to succeed, got %s", resp.Error)
	}
}

func TestChildBatchExecuteShortCircuits(t *testing.T) {
	c := NewChild()

	if resp := c.handle(compileRequest(t, "bidder", `input => ({ bid: input.a.b.c })`)); !resp.OK {
		t.Fatalf("compile failed: %s", resp.Error)
	}

	// The middle input throws; the whole batch fails with no partial
	// results, matching the engine's short-circuit contract.
	resp := c.handle(batchRequest(t, `[{"a":{"b":{"c":1}}}]`, `[{"a":null}]`, `[{"a":{"b":{"c":3}}}]`))
	if resp.OK {
		t.Fatal("expected the batch to fail on the throwing input")
	}
	if status.ParseKind(resp.Kind) != status.Internal {
		t.Fatalf("expected internal, got %q", resp.Kind)
	}
	if len(resp.Payload) != 0 {
		t.Fatalf("expected no partial results, got payload %s", resp.Payload)
	}
}

func TestChildUnknownOp(t *testing.T) {
	c := NewChild()
	resp := c.handle(Request{Op: Op("reboot")})
	if resp.OK {
		t.Fatal("expected an unknown op to be rejected")
	}
	if status.ParseKind(resp.Kind) != status.InvalidArgument {
		t.Fatalf("expected invalid-argument, got %q", resp.Kind)
	}
}

// duplexPipe is one end of an in-memory bidirectional connection.
type duplexPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d duplexPipe) Read(b []byte) (int, error)  { return d.r.Read(b) }
func (d duplexPipe) Write(b []byte) (int, error) { return d.w.Write(b) }

func newDuplexPair() (duplexPipe, duplexPipe) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return duplexPipe{r: ar, w: aw}, duplexPipe{r: br, w: bw}
}

func TestChildServeStopsOnExit(t *testing.T) {
	parentEnd, childEnd := newDuplexPair()
	parent := NewCodec(parentEnd)

	served := make(chan error, 1)
	go func() {
		served <- NewChild().Serve(NewCodec(childEnd))
	}()

	if err := parent.WriteRequest(compileRequest(t, "scorer", `function scoreAd(input) { return { desirabilityScore: input.bid }; }`)); err != nil {
		t.Fatalf("write compile: %v", err)
	}
	resp, err := parent.ReadResponse()
	if err != nil || !resp.OK {
		t.Fatalf("compile over pipe failed: err=%v resp=%+v", err, resp)
	}

	if err := parent.WriteRequest(Request{Op: OpExit}); err != nil {
		t.Fatalf("write exit: %v", err)
	}
	resp, err = parent.ReadResponse()
	if err != nil || !resp.OK {
		t.Fatalf("exit over pipe failed: err=%v resp=%+v", err, resp)
	}

	if err := <-served; err != nil {
		t.Fatalf("expected Serve to return nil after Exit, got %v", err)
	}
}
