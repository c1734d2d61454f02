// Command worklet-sandboxee is never invoked directly; the server
// spawns it as a sibling binary, one process per compiled function. It
// applies a best-effort reduction of its own privileges before serving
// one sandbox.Child session over fd 3 (read) / fd 4 (write), which its
// parent wired up via exec.Cmd.ExtraFiles.
package main

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/worklethost/auctionserver/internal/sandbox"
	"github.com/worklethost/auctionserver/pkg/logger"
)

func main() {
	logger.Init(logger.DefaultConfig())
	slog := logger.Sandbox()

	if err := hardenSelf(); err != nil {
		slog.Fatal().Err(err).Msg("harden sandbox child")
	}

	// fd 0-2 are stdin/stdout/stderr; ExtraFiles start at fd 3.
	readFromParent := os.NewFile(3, "sandbox-read")
	writeToParent := os.NewFile(4, "sandbox-write")
	if readFromParent == nil || writeToParent == nil {
		slog.Fatal().Msg("missing pipe file descriptors")
	}

	codec := sandbox.NewCodec(rwPair{r: readFromParent, w: writeToParent})
	child := sandbox.NewChild()
	if err := child.Serve(codec); err != nil {
		slog.Error().Err(err).Msg("sandbox session ended abnormally")
		os.Exit(1)
	}
}

type rwPair struct {
	r *os.File
	w *os.File
}

func (p rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }

// hardenSelf applies PR_SET_NO_NEW_PRIVS and an RLIMIT_AS ceiling
// before any untrusted script is compiled. This is a best-effort
// reduction of the child's syscall and memory surface, not a full
// seccomp-bpf filter: a complete filter needs cgo or a generated BPF
// program, out of scope for this exercise (see DESIGN.md).
func hardenSelf() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}

	limitBytes := int64(256 * 1024 * 1024)
	if raw := os.Getenv("WORKLET_SANDBOX_MEMLIMIT"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			limitBytes = parsed
		}
	}

	rlimit := unix.Rlimit{Cur: uint64(limitBytes), Max: uint64(limitBytes)}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &rlimit); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_AS): %w", err)
	}
	return nil
}
