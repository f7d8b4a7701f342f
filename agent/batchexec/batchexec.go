// Package batchexec implements the agent-side half of batch command
// execution: run one child command's script, streaming its stdout/stderr
// back line by line, and supporting out-of-band termination.
package batchexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Emitter is the agent's outbound sink for batch command wire messages.
type Emitter interface {
	EmitOutput(evt protocol.BatchCommandOutputStream)
	EmitResult(result protocol.BatchCommandResult)
}

// terminatedExitCode is the exit code reported for a child killed by a
// BatchTerminateCommandRequest.
const terminatedExitCode = -1

// Runner tracks one cancel func per in-flight child command so a later
// BatchTerminateCommandRequest can stop it.
type Runner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	emitter Emitter
	log     *logrus.Entry
}

// New constructs a Runner.
func New(emitter Emitter, log *logrus.Entry) *Runner {
	return &Runner{
		cancels: make(map[string]context.CancelFunc),
		emitter: emitter,
		log:     log,
	}
}

// Execute starts req's script in the background. It returns immediately;
// completion is reported asynchronously via Emitter.EmitResult.
func (r *Runner) Execute(req protocol.BatchAgentCommandRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[req.ChildUUID] = cancel
	r.mu.Unlock()

	go r.run(ctx, req)
}

// Terminate cancels a running child's script, if still tracked. A child
// already finished (and cleared from cancels) is a no-op.
func (r *Runner) Terminate(childUUID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[childUUID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runner) clear(childUUID string) {
	r.mu.Lock()
	delete(r.cancels, childUUID)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, req protocol.BatchAgentCommandRequest) {
	defer r.clear(req.ChildUUID)

	scriptPath, cleanup, err := WriteAdHocScript(req.Content)
	if err != nil {
		r.log.WithError(err).WithField("child_uuid", req.ChildUUID).Error("write batch command script")
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "CompletedWithFailure",
			ExitCode: terminatedExitCode, ErrorMessage: err.Error(),
		})
		return
	}
	defer cleanup()

	cmd := BuildAdHocCommand(ctx, scriptPath, req.WorkingDirectory)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "CompletedWithFailure",
			ExitCode: terminatedExitCode, ErrorMessage: fmt.Sprintf("stdout pipe: %v", err),
		})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "CompletedWithFailure",
			ExitCode: terminatedExitCode, ErrorMessage: fmt.Sprintf("stderr pipe: %v", err),
		})
		return
	}

	if err := cmd.Start(); err != nil {
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "CompletedWithFailure",
			ExitCode: terminatedExitCode, ErrorMessage: fmt.Sprintf("start: %v", err),
		})
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.streamPipe(req.ChildUUID, "stdout", stdout, &wg)
	go r.streamPipe(req.ChildUUID, "stderr", stderr, &wg)
	wg.Wait()

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "Terminated",
			ExitCode: terminatedExitCode, ErrorMessage: "Command terminated by user request.",
		})
		return
	}

	if waitErr != nil {
		exitCode := terminatedExitCode
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		r.emitter.EmitResult(protocol.BatchCommandResult{
			ChildUUID: req.ChildUUID, Status: "CompletedWithFailure",
			ExitCode: exitCode, ErrorMessage: waitErr.Error(),
		})
		return
	}

	r.emitter.EmitResult(protocol.BatchCommandResult{
		ChildUUID: req.ChildUUID, Status: "CompletedSuccessfully", ExitCode: 0,
	})
}

func (r *Runner) streamPipe(childUUID, streamType string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		chunk := decodeOutput(scanner.Bytes())
		r.emitter.EmitOutput(protocol.BatchCommandOutputStream{
			ChildUUID:  childUUID,
			StreamType: streamType,
			Chunk:      chunk,
			Time:       time.Now().UnixMilli(),
		})
	}
}

// decodeOutput attempts UTF-8 first; non-UTF-8 output (most likely from a
// legacy Windows code page) is coerced via lossy replacement rather than
// dropped, so hostile or binary output can never kill the agent.
func decodeOutput(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// WriteAdHocScript writes content to a temp script file with the same
// OS-specific extension and UTF-8 BOM handling as a batch child command, so ad-hoc
// CommandRequest execution and batch execution share one code path.
func WriteAdHocScript(content string) (path string, cleanup func(), err error) {
	ext := ".sh"
	var data []byte
	if runtime.GOOS == "windows" {
		ext = ".ps1"
		bom := []byte{0xEF, 0xBB, 0xBF}
		data = append(bom, []byte(content)...)
	} else {
		data = []byte(content)
	}

	name := filepath.Join(os.TempDir(), "nodenexus-"+uuid.NewString()+ext)
	if err := os.WriteFile(name, data, 0o700); err != nil {
		return "", nil, fmt.Errorf("write script: %w", err)
	}
	return name, func() { _ = os.Remove(name) }, nil
}

// BuildAdHocCommand constructs the OS-appropriate interpreter invocation for
// a script file, shared by batch and ad-hoc command execution.
func BuildAdHocCommand(ctx context.Context, scriptPath, workingDir string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-File", scriptPath)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/bash", scriptPath)
	}
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	return cmd
}
