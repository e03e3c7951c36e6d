package process

import (
	"os"
	"testing"
)

func TestManager_PIDLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewManager(tmpDir)

	if m.IsRunning() {
		t.Errorf("expected no PID file to mean not running")
	}

	if err := m.WritePID(); err != nil {
		t.Fatalf("WritePID failed: %v", err)
	}

	if got := m.ReadPID(); got != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), got)
	}

	if !m.IsRunning() {
		t.Errorf("expected own PID to be reported as running")
	}

	m.CleanupPID()

	if m.ReadPID() != 0 {
		t.Errorf("expected PID file to be removed after cleanup")
	}
}

func TestManager_ReadPID_MissingFile(t *testing.T) {
	m := NewManager(t.TempDir())

	if got := m.ReadPID(); got != 0 {
		t.Errorf("expected 0 for missing PID file, got %d", got)
	}
}
