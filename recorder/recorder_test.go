package recorder

import (
	"testing"
	"time"
)

func TestStartWriteClose(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("cpu.load")
	err = rec.Write("cpu.load", map[string]any{"value": 0.5})
	if err != ErrNotRunning {
		t.Error("expected ErrNotRunning before start, got ", err)
		return
	}
	start, err := rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	if start.IsZero() {
		t.Error("start timestamp is zero")
		return
	}
	_, err = rec.Start()
	if err != ErrAlreadyStarted {
		t.Error("expected ErrAlreadyStarted, got ", err)
		return
	}
	err = rec.Write("cpu.load", map[string]any{"value": 0.5})
	if err != nil {
		t.Error(err)
		return
	}
	// Disabled events are dropped, not errors.
	err = rec.Write("gc.pause", nil)
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.Close()
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.Close()
	if err != nil {
		t.Error("close is not idempotent: ", err)
		return
	}
	cs, err := rec.Repo().Chunks()
	if err != nil {
		t.Error(err)
		return
	}
	if len(cs) != 1 {
		t.Error("expected 1 chunk, got ", len(cs))
		return
	}
	if !cs[0].Finalized {
		t.Error("chunk not finalized on close")
		return
	}
}

func TestWildcardEnable(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("*")
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	err = rec.Write("anything.at.all", nil)
	if err != nil {
		t.Error(err)
		return
	}
	c, err := rec.Repo().Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if c.Size == 0 {
		t.Error("wildcard enabled event was not written")
		return
	}
}

func TestThresholdDropsShortEvents(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("lock.wait", WithThreshold(time.Millisecond*10))
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	err = rec.Write("lock.wait", nil, WithDuration(time.Millisecond))
	if err != nil {
		t.Error(err)
		return
	}
	c, err := rec.Repo().Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if c.Size != 0 {
		t.Error("below threshold event was written")
		return
	}
	err = rec.Write("lock.wait", nil, WithDuration(time.Millisecond*20))
	if err != nil {
		t.Error(err)
		return
	}
	c, err = rec.Repo().Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if c.Size == 0 {
		t.Error("above threshold event was dropped")
		return
	}
}

func TestSetSettings(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.SetSettings(map[string]string{
		"cpu.load#enabled":    "true",
		"lock.wait#enabled":   "true",
		"lock.wait#threshold": "10ms",
		"profile":             "default",
	})
	if err != nil {
		t.Error(err)
		return
	}
	s, ok := rec.setting("lock.wait")
	if !ok {
		t.Error("lock.wait not enabled through settings")
		return
	}
	if s.Threshold != time.Millisecond*10 {
		t.Error("threshold not applied, got ", s.Threshold)
		return
	}
	v, ok := rec.Setting("profile")
	if !ok || v != "default" {
		t.Error("opaque setting not kept, got ", v)
		return
	}
	err = rec.SetSettings(map[string]string{"x#threshold": "not a duration"})
	if err == nil {
		t.Error("expected error for invalid threshold")
		return
	}
}

func TestInvalidRetentionSettings(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.SetMaxAge(-time.Second)
	if err == nil {
		t.Error("expected error for negative max age")
		return
	}
	err = rec.SetMaxSize(-1)
	if err == nil {
		t.Error("expected error for negative max size")
		return
	}
	err = rec.SetMaxAge(time.Hour)
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.SetMaxSize(64 * MB)
	if err != nil {
		t.Error(err)
		return
	}
}

func TestRotationCreatesChunks(t *testing.T) {
	rec, err := New(t.TempDir(), WithMaxChunkBytes(B))
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("a")
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	for i := 0; i < 3; i++ {
		err = rec.Write("a", nil)
		if err != nil {
			t.Error(err)
			return
		}
	}
	cs, err := rec.Repo().Chunks()
	if err != nil {
		t.Error(err)
		return
	}
	if len(cs) < 3 {
		t.Error("expected rotation to produce at least 3 chunks, got ", len(cs))
		return
	}
	for _, c := range cs[:len(cs)-1] {
		if !c.Finalized {
			t.Error("rotated chunk ", c.Ordinal, " not finalized")
			return
		}
	}
}

func TestManualRotate(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("a")
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	err = rec.Write("a", nil)
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.Rotate()
	if err != nil {
		t.Error(err)
		return
	}
	c, err := rec.Repo().Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if !c.Finalized {
		t.Error("rotate did not finalize active chunk")
		return
	}
	_, err = rec.Repo().Get(2)
	if err != nil {
		t.Error("rotate did not open a new chunk: ", err)
		return
	}
}

func TestEncryptedPayload(t *testing.T) {
	key := StaticProvider("aPSIX6K3yw6cAWDQHGPjmhuOswuRibjyLLnd91ojdK0=")
	rec, err := New(t.TempDir(), WithEncryption(key))
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("secret")
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.Write("secret", map[string]string{"token": "hunter2"})
	if err != nil {
		t.Error(err)
		return
	}
	err = rec.Close()
	if err != nil {
		t.Error(err)
		return
	}
	c, err := rec.Repo().Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if c.Size == 0 {
		t.Error("encrypted event was not written")
		return
	}
}

// Rotation with retention enabled prunes old chunks as new ones open.
func TestRotationAppliesRetention(t *testing.T) {
	rec, err := New(t.TempDir(), WithMaxChunkBytes(B))
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("a")
	err = rec.SetMaxSize(B)
	if err != nil {
		t.Error(err)
		return
	}
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	for i := 0; i < 5; i++ {
		err = rec.Write("a", nil)
		if err != nil {
			t.Error(err)
			return
		}
	}
	cs, err := rec.Repo().Chunks()
	if err != nil {
		t.Error(err)
		return
	}
	if len(cs) >= 5 {
		t.Error("retention never pruned, have ", len(cs), " chunks")
		return
	}
}

func TestIdleRecordingRotatesByAge(t *testing.T) {
	rec, err := New(t.TempDir(), WithMaxChunkAge(time.Millisecond*50))
	if err != nil {
		t.Error(err)
		return
	}
	rec.Enable("a")
	_, err = rec.Start()
	if err != nil {
		t.Error(err)
		return
	}
	defer rec.Close()
	err = rec.Write("a", nil)
	if err != nil {
		t.Error(err)
		return
	}
	// No further writes. The aged chunk still has to finalize on its own.
	deadline := time.Now().Add(time.Second * 5)
	for {
		cs, err := rec.Repo().Chunks()
		if err != nil {
			t.Error(err)
			return
		}
		if len(cs) > 0 && cs[0].Finalized {
			return
		}
		if time.Now().After(deadline) {
			t.Error("idle recording never rotated its aged chunk")
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
