package batchexec

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

type fakeEmitter struct {
	mu      sync.Mutex
	outputs []protocol.BatchCommandOutputStream
	results []protocol.BatchCommandResult
	resultC chan protocol.BatchCommandResult
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{resultC: make(chan protocol.BatchCommandResult, 8)}
}

func (f *fakeEmitter) EmitOutput(evt protocol.BatchCommandOutputStream) {
	f.mu.Lock()
	f.outputs = append(f.outputs, evt)
	f.mu.Unlock()
}

func (f *fakeEmitter) EmitResult(result protocol.BatchCommandResult) {
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	f.resultC <- result
}

func shellScript(t *testing.T, content string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts in this test are POSIX-only")
	}
	return content
}

func TestExecuteCompletesSuccessfully(t *testing.T) {
	emitter := newFakeEmitter()
	r := New(emitter, logrus.NewEntry(logrus.New()))

	r.Execute(protocol.BatchAgentCommandRequest{
		ChildUUID: "child-1",
		Content:   shellScript(t, "echo hello"),
	})

	select {
	case result := <-emitter.resultC:
		assert.Equal(t, "CompletedSuccessfully", result.Status)
		assert.Equal(t, 0, result.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("command did not complete")
	}
}

func TestExecuteReportsNonZeroExit(t *testing.T) {
	emitter := newFakeEmitter()
	r := New(emitter, logrus.NewEntry(logrus.New()))

	r.Execute(protocol.BatchAgentCommandRequest{
		ChildUUID: "child-2",
		Content:   shellScript(t, "exit 7"),
	})

	select {
	case result := <-emitter.resultC:
		assert.Equal(t, "CompletedWithFailure", result.Status)
		assert.Equal(t, 7, result.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("command did not complete")
	}
}

func TestTerminateStopsRunningCommand(t *testing.T) {
	emitter := newFakeEmitter()
	r := New(emitter, logrus.NewEntry(logrus.New()))

	r.Execute(protocol.BatchAgentCommandRequest{
		ChildUUID: "child-3",
		Content:   shellScript(t, "sleep 30"),
	})

	time.Sleep(100 * time.Millisecond)
	r.Terminate("child-3")

	select {
	case result := <-emitter.resultC:
		assert.Equal(t, "Terminated", result.Status)
		assert.Equal(t, terminatedExitCode, result.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("terminated command did not report a result")
	}
}

func TestTerminateUnknownChildIsNoop(t *testing.T) {
	emitter := newFakeEmitter()
	r := New(emitter, logrus.NewEntry(logrus.New()))
	r.Terminate("no-such-child")
	assert.Empty(t, emitter.results)
}

func TestDecodeOutputPassesThroughValidUTF8(t *testing.T) {
	assert.Equal(t, "hello", decodeOutput([]byte("hello")))
}

func TestDecodeOutputReplacesInvalidUTF8(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 'a'}
	got := decodeOutput(invalid)
	assert.True(t, len(got) > 0)
	assert.Contains(t, got, "a")
}

func TestWriteAdHocScriptAndBuildCommand(t *testing.T) {
	path, cleanup, err := WriteAdHocScript("echo hi")
	require.NoError(t, err)
	defer cleanup()
	assert.FileExists(t, path)

	cmd := BuildAdHocCommand(context.Background(), path, "")
	require.NotNil(t, cmd)
}
