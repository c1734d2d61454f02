// Package scriptengine compiles FLEDGE-style bidding and scoring
// scripts and invokes them against a fresh, isolated goja runtime per
// call.
//
// Grounded on other_examples' AdvancedJSRuntime
// (R3E-Network-service_layer jsruntime_advanced.go): goja.Runtime
// construction, the deadline-via-goroutine invocation pattern, and the
// general shape of exposing a small set of host builtins to the
// script. The Promise-draining loop is grounded on cryguy-worker's
// engine.go awaitValueWithLoop, adapted to goja's native Promise type
// instead of hand-rolled globalThis bookkeeping.
package scriptengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dop251/goja"

	"github.com/worklethost/auctionserver/internal/status"
)

// Role selects the JS calling convention: Bidder scripts export
// generateBid, Scorer scripts export scoreAd.
type Role int

const (
	RoleBidder Role = iota
	RoleScorer
)

func (r Role) entryPoint() string {
	if r == RoleScorer {
		return "scoreAd"
	}
	return "generateBid"
}

// Default tuning constants, overridable via Options so the CLI flags
// in cmd/server can thread through to construction.
const (
	kWarmupIterations = 10
	kAsyncWait        = 50 * time.Millisecond
	kExecuteDeadline  = time.Second
)

// Options tunes engine construction and invocation behavior.
type Options struct {
	WarmupIterations int
	AsyncWait        time.Duration
	ExecuteDeadline  time.Duration

	// OnInvocation, if set, is called once after every Invoke/BatchInvoke
	// element with its latency and outcome, so a caller holding a
	// *metrics.Metrics can record script_invocation* without this
	// package importing internal/metrics itself. Warmup calls do not
	// report through this hook; only real traffic does.
	OnInvocation func(latency time.Duration, hasError, timedOut bool)
}

func (o Options) withDefaults() Options {
	if o.WarmupIterations <= 0 {
		o.WarmupIterations = kWarmupIterations
	}
	if o.AsyncWait <= 0 {
		o.AsyncWait = kAsyncWait
	}
	if o.ExecuteDeadline <= 0 {
		o.ExecuteDeadline = kExecuteDeadline
	}
	return o
}

// CompiledScript is an immutable, reusable handle to one parsed script.
// A *goja.Program is re-run against a brand-new *goja.Runtime on every
// invocation: goja has no V8-style heap snapshot, so a fresh isolate
// seeded from a snapshot is modeled as replaying the compiled AST,
// which gives the same no-state-leak, no-reparse property without
// needing literal snapshot bytes.
type CompiledScript struct {
	role    Role
	program *goja.Program
	opts    Options
}

// Compile parses source for the given role, executes it once to
// resolve the exported function (failing fast on compile or top-level
// runtime errors), then runs the configured number of warmup
// iterations against an empty input.
// Warmup errors are swallowed: a function that happens to throw on an
// empty input is still a valid function once given real input.
func Compile(role Role, source string, opts Options) (*CompiledScript, error) {
	opts = opts.withDefaults()

	program, err := goja.Compile("worklet.js", source, false)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "compile script", err)
	}

	cs := &CompiledScript{role: role, program: program, opts: opts}

	// Execute once up front purely to surface a top-level runtime error or
	// a missing export before the engine is ever handed real traffic.
	if _, err := cs.resolveEntry(goja.New()); err != nil {
		return nil, err
	}

	for i := 0; i < opts.WarmupIterations; i++ {
		_, _, _ = cs.run(context.Background(), json.RawMessage("[{}]"))
	}
	return cs, nil
}

// Invoke runs the script's entry point once against args (a JSON array
// of arguments in calling-convention order) and decodes the return
// value into out.
func (cs *CompiledScript) Invoke(ctx context.Context, args json.RawMessage, out interface{}) error {
	result, err := cs.invoke(ctx, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return status.Wrap(status.Internal, "marshal script result", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return status.Wrap(status.FailedPrecondition, "Unable to convert the bidding function output from JSON", err)
	}
	return nil
}

// BatchInvoke runs the entry point once per element of argBatch,
// sequentially and in order, returning exactly one output per input.
// Any failure short-circuits: the error is returned with no partial
// results. Callers that want per-candidate failure isolation (the
// auction driver does) invoke candidates individually instead.
func (cs *CompiledScript) BatchInvoke(ctx context.Context, argBatch []json.RawMessage) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, 0, len(argBatch))
	for _, args := range argBatch {
		result, err := cs.invoke(ctx, args)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, status.Wrap(status.Internal, "marshal script result", err)
		}
		results = append(results, encoded)
	}
	return results, nil
}

// resolveEntry runs the compiled program in vm and returns the
// exported function: (i) the top-level expression, if it evaluated to
// a callable; otherwise (ii) a global named by the role's calling
// convention (generateBid / scoreAd); otherwise (iii) invalid-argument.
func (cs *CompiledScript) resolveEntry(vm *goja.Runtime) (goja.Callable, error) {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	topLevel, err := vm.RunProgram(cs.program)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "execute script body", err)
	}

	if fn, ok := goja.AssertFunction(topLevel); ok {
		return fn, nil
	}

	entry := vm.Get(cs.role.entryPoint())
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return nil, status.Newf(status.InvalidArgument, "script does not export %s", cs.role.entryPoint())
	}
	return fn, nil
}

// run replays the compiled program into a fresh runtime, calls the
// role's entry point with args spread as positional arguments, and
// resolves any promise the return value represents. It reports whether
// the invocation timed out alongside the usual (result, error) pair so
// invoke can classify the outcome for OnInvocation without string-
// matching the wrapped status error.
func (cs *CompiledScript) run(ctx context.Context, args json.RawMessage) (interface{}, bool, error) {
	vm := goja.New()

	fn, err := cs.resolveEntry(vm)
	if err != nil {
		return nil, false, err
	}

	var argv []interface{}
	if err := json.Unmarshal(args, &argv); err != nil {
		return nil, false, status.Wrap(status.InvalidArgument, "decode invocation arguments", err)
	}
	callArgs := make([]goja.Value, len(argv))
	for i, a := range argv {
		callArgs[i] = vm.ToValue(a)
	}

	timer := time.AfterFunc(cs.opts.ExecuteDeadline, func() {
		vm.Interrupt("execution deadline exceeded")
	})
	defer timer.Stop()

	value, err := fn(goja.Undefined(), callArgs...)
	vm.ClearInterrupt()
	if err != nil {
		if ierr, ok := err.(*goja.InterruptedError); ok {
			return nil, true, status.Wrap(status.Internal, "script invocation timed out", ierr)
		}
		// A synchronously thrown exception is an internal VM failure,
		// distinct from a rejected promise, which is invalid-argument (the
		// script ran fine and chose to reject).
		return nil, false, status.Wrap(status.Internal, "script invocation threw", err)
	}

	settled, timedOut, err := drainPromise(value, cs.opts.AsyncWait)
	if err != nil {
		return nil, timedOut, err
	}
	return settled.Export(), false, nil
}

// invoke wraps run with OnInvocation reporting. Warmup calls run
// directly so warmup iterations never report through the hook.
func (cs *CompiledScript) invoke(ctx context.Context, args json.RawMessage) (interface{}, error) {
	start := time.Now()
	result, timedOut, err := cs.run(ctx, args)
	if cs.opts.OnInvocation != nil {
		cs.opts.OnInvocation(time.Since(start), err != nil, timedOut)
	}
	return result, err
}

// drainPromise resolves a returned value that may be a Promise to its
// settled result, or to a timeout error once the async wait budget
// elapses with the promise still pending.
//
// goja runs the microtask queue to exhaustion before a Callable call
// returns, so a promise chained entirely off script-local values is
// already settled by the time this runs. A promise still pending here
// is waiting on work the runtime will never schedule; the poll loop
// exists to honor the async wait budget before declaring it dead.
func drainPromise(value goja.Value, asyncWait time.Duration) (goja.Value, bool, error) {
	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value, false, nil
	}

	waitUntil := time.Now().Add(asyncWait)
	for {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), false, nil
		case goja.PromiseStateRejected:
			return nil, false, status.Newf(status.InvalidArgument, "script promise rejected: %v", promise.Result())
		}
		if time.Now().After(waitUntil) {
			return nil, true, status.New(status.InvalidArgument, "script invocation timed out")
		}
		time.Sleep(time.Millisecond)
	}
}
