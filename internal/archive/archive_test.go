package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MAHA-Orchestrator/internal/config"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

type memoryWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryWriter) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

func finished() (*workflow.Workflow, *workflow.Execution) {
	wf := &workflow.Workflow{ID: "wf_1", Name: "greet", ExecutionMode: workflow.ModeSequential}
	exec := &workflow.Execution{
		ID:         "exec_1",
		WorkflowID: "wf_1",
		Status:     workflow.StatusCompleted,
		Output:     map[string]any{"greeting": "hola"},
	}
	return wf, exec
}

func TestArchiveWritesRecord(t *testing.T) {
	w := &memoryWriter{}
	a := New(w, WithPrefix("/runs/"), WithClock(func() time.Time { return time.UnixMilli(42) }))
	wf, exec := finished()

	require.NoError(t, a.Archive(context.Background(), wf, exec))

	body, ok := w.objects["runs/wf_1/exec_1.json"]
	require.True(t, ok, "objects: %v", w.objects)
	var rec Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, int64(42), rec.ArchivedAt)
	assert.Equal(t, "hola", rec.Execution.Output["greeting"])
	assert.Equal(t, "greet", rec.Workflow.Name)
}

func TestArchiveRejectsRunningExecution(t *testing.T) {
	a := New(&memoryWriter{})
	wf, exec := finished()
	exec.Status = workflow.StatusRunning
	err := a.Archive(context.Background(), wf, exec)
	assert.True(t, xerrors.HasCode(err, workflow.CodeExecutionNotFinished))
}

func TestArchiveWrapsWriterFailure(t *testing.T) {
	a := New(&memoryWriter{err: errors.New("bucket gone")})
	wf, exec := finished()
	err := a.Archive(context.Background(), wf, exec)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestHookUploadsInBackground(t *testing.T) {
	w := &memoryWriter{}
	a := New(w)
	wf, exec := finished()

	ctx, cancel := context.WithCancel(context.Background())
	a.Hook()(ctx, wf, exec)
	cancel()
	a.Wait()

	assert.Contains(t, w.objects, "executions/wf_1/exec_1.json")
}

func TestMinioWriterPutsObject(t *testing.T) {
	var mu sync.Mutex
	var puts []string
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts = append(puts, r.URL.Path)
			body = string(data)
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	writer, err := NewMinioWriter(context.Background(), config.ArchiveConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "maha",
		SecretKey: "secret",
		Region:    "us-east-1",
		Bucket:    "archive",
	})
	require.NoError(t, err)
	require.NoError(t, writer.Put(context.Background(), "executions/wf/e.json", []byte(`{"ok":true}`), "application/json"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	assert.Equal(t, "/archive/executions/wf/e.json", puts[0])
	assert.Contains(t, body, `{"ok":true}`)
}

func TestNewMinioWriterRejectsScheme(t *testing.T) {
	_, err := NewMinioWriter(context.Background(), config.ArchiveConfig{Endpoint: "http://localhost:9000", Bucket: "b"})
	assert.Error(t, err)
}
