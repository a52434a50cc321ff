package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	w, err := newAuditWriter(AuditConfig{Path: path, MaxAgeDays: 30})
	if err != nil {
		t.Fatalf("newAuditWriter: %v", err)
	}
	defer w.Close()
	if w.MaxSize != defaultAuditMaxSizeMB || w.MaxBackups != defaultAuditMaxBackups || w.MaxAge != 30 {
		t.Fatalf("unexpected rotation settings: %+v", w)
	}
	if _, err := w.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "audit-*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one backup after rotation, got %v", matches)
	}
}

func TestInitWritesAuditStream(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "events.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Audit().Info("workflow created", slog.String("workflow_id", "wf_1"))
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("audit log is empty")
	}
	_ = Init(Config{OutputPaths: []string{"discard"}})
}

func TestFromContextFallsBack(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("expected fallback logger")
	}
	scoped := fallback.With(slog.String("request_id", "r1"))
	ctx := IntoContext(context.Background(), scoped)
	if got := FromContext(ctx, fallback); got != scoped {
		t.Fatalf("expected scoped logger from context")
	}
}
