package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHeartbeatWriteReadCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	w := NewHeartbeatWriter(path, time.Hour, func() map[string]int {
		return map[string]int{"processor": 2}
	})

	w.Start()
	defer w.Stop()

	liveness, hb, err := CheckHeartbeat(path, time.Minute)
	if err != nil {
		t.Fatalf("CheckHeartbeat: %v", err)
	}
	if liveness != LivenessAlive {
		t.Errorf("liveness: got %s, want alive", liveness)
	}
	if hb == nil || hb.PID != os.Getpid() {
		t.Errorf("heartbeat: %+v", hb)
	}
	if hb.Components["processor"] != 2 {
		t.Errorf("components: %+v", hb.Components)
	}
}

func TestHeartbeatStaleDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	w := NewHeartbeatWriter(path, time.Hour, nil)
	w.Start()
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)

	liveness, hb, err := CheckHeartbeat(path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if liveness != LivenessStale {
		t.Errorf("liveness: got %s, want stale", liveness)
	}
	if hb == nil {
		t.Error("stale check should still return the heartbeat")
	}
}

func TestHeartbeatDeadWhenMissing(t *testing.T) {
	liveness, hb, err := CheckHeartbeat(filepath.Join(t.TempDir(), "nope.json"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if liveness != LivenessDead || hb != nil {
		t.Errorf("got %s %+v, want dead nil", liveness, hb)
	}
}

func TestHeartbeatStopRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	w := NewHeartbeatWriter(path, time.Hour, nil)
	w.Start()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("heartbeat file not written: %v", err)
	}

	w.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("heartbeat file should be removed on Stop, stat err %v", err)
	}
}

func TestHeartbeatCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	if err := os.WriteFile(path, []byte("{torn"), 0o644); err != nil {
		t.Fatal(err)
	}

	liveness, _, err := CheckHeartbeat(path, time.Minute)
	if err == nil {
		t.Error("expected unmarshal error")
	}
	if liveness != LivenessDead {
		t.Errorf("liveness: got %s, want dead", liveness)
	}
}
