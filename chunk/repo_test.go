package chunk

import (
	"context"
	"testing"
	"time"
)

func TestRepoAppendAndList(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	start := time.Now()
	a, err := repo.NewChunk(start)
	if err != nil {
		t.Error(err)
		return
	}
	for i := 0; i < 3; i++ {
		err = a.Append(testRecord("a", start.Add(time.Duration(i))))
		if err != nil {
			t.Error(err)
			return
		}
	}
	cs, err := repo.Chunks()
	if err != nil {
		t.Error(err)
		return
	}
	if len(cs) != 1 {
		t.Error("expected 1 chunk, got ", len(cs))
		return
	}
	if cs[0].Ordinal != 1 {
		t.Error("expected ordinal 1, got ", cs[0].Ordinal)
		return
	}
	if cs[0].Finalized {
		t.Error("chunk should not be finalized yet")
		return
	}
	if cs[0].Size == 0 {
		t.Error("chunk size should reflect appended records")
		return
	}
	end := time.Now()
	err = a.Finalize(end)
	if err != nil {
		t.Error(err)
		return
	}
	c, err := repo.Get(1)
	if err != nil {
		t.Error(err)
		return
	}
	if !c.Finalized {
		t.Error("chunk should be finalized")
		return
	}
	if !c.End.Equal(end) {
		t.Error("end time mismatch, got ", c.End, " expected ", end)
		return
	}
}

func TestRepoOrdinalsIncrease(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	for i := uint64(1); i <= 3; i++ {
		a, err := repo.NewChunk(time.Now())
		if err != nil {
			t.Error(err)
			return
		}
		if a.Chunk().Ordinal != i {
			t.Error("expected ordinal ", i, " got ", a.Chunk().Ordinal)
			return
		}
		err = a.Finalize(time.Now())
		if err != nil {
			t.Error(err)
			return
		}
	}
	// Reopening continues the sequence.
	repo2, err := Open(repo.Dir())
	if err != nil {
		t.Error(err)
		return
	}
	a, err := repo2.NewChunk(time.Now())
	if err != nil {
		t.Error(err)
		return
	}
	if a.Chunk().Ordinal != 4 {
		t.Error("expected ordinal 4 after reopen, got ", a.Chunk().Ordinal)
		return
	}
}

func TestRepoNextBlocksUntilChunk(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Chunk, 1)
	go func() {
		c, err := repo.Next(0, ctx)
		if err != nil {
			return
		}
		got <- c
	}()
	select {
	case <-got:
		t.Error("next returned before any chunk existed")
		return
	case <-time.After(time.Millisecond * 50):
	}
	_, err = repo.NewChunk(time.Now())
	if err != nil {
		t.Error(err)
		return
	}
	select {
	case c := <-got:
		if c.Ordinal != 1 {
			t.Error("expected ordinal 1, got ", c.Ordinal)
			return
		}
	case <-time.After(time.Second):
		t.Error("next did not observe new chunk")
		return
	}
}

func TestRepoNextCanceled(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := repo.Next(0, ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Error("expected ErrClosed, got ", err)
			return
		}
	case <-time.After(time.Second):
		t.Error("next did not unblock on cancel")
		return
	}
}

func TestRepoWaitAppend(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	a, err := repo.NewChunk(time.Now())
	if err != nil {
		t.Error(err)
		return
	}
	woken := make(chan bool, 1)
	go func() {
		woken <- repo.WaitAppend(context.Background(), time.Second*5)
	}()
	time.Sleep(time.Millisecond * 20)
	err = a.Append(testRecord("a", time.Now()))
	if err != nil {
		t.Error(err)
		return
	}
	select {
	case ok := <-woken:
		if !ok {
			t.Error("waiter timed out instead of waking on append")
			return
		}
	case <-time.After(time.Second):
		t.Error("waiter never woke")
		return
	}
}

func TestRetentionMaxSize(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	var chunkSize int64
	for i := 0; i < 4; i++ {
		a, err := repo.NewChunk(time.Now())
		if err != nil {
			t.Error(err)
			return
		}
		err = a.Append(testRecord("a", time.Now()))
		if err != nil {
			t.Error(err)
			return
		}
		err = a.Finalize(time.Now())
		if err != nil {
			t.Error(err)
			return
		}
		chunkSize = a.Chunk().Size
	}
	removed, err := repo.ApplyRetention(Policy{MaxSize: chunkSize * 2})
	if err != nil {
		t.Error(err)
		return
	}
	if removed != 2 {
		t.Error("expected 2 chunks removed, got ", removed)
		return
	}
	cs, err := repo.Chunks()
	if err != nil {
		t.Error(err)
		return
	}
	if len(cs) != 2 {
		t.Error("expected 2 chunks left, got ", len(cs))
		return
	}
	if cs[0].Ordinal != 3 {
		t.Error("expected oldest remaining ordinal 3, got ", cs[0].Ordinal)
		return
	}
}

func TestRetentionMaxAge(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	old := time.Now().Add(-time.Hour)
	a, err := repo.NewChunk(old)
	if err != nil {
		t.Error(err)
		return
	}
	err = a.Finalize(old.Add(time.Second))
	if err != nil {
		t.Error(err)
		return
	}
	fresh, err := repo.NewChunk(time.Now())
	if err != nil {
		t.Error(err)
		return
	}
	err = fresh.Finalize(time.Now())
	if err != nil {
		t.Error(err)
		return
	}
	removed, err := repo.ApplyRetention(Policy{MaxAge: time.Minute})
	if err != nil {
		t.Error(err)
		return
	}
	if removed != 1 {
		t.Error("expected 1 chunk removed, got ", removed)
		return
	}
	_, err = repo.Get(1)
	if err != ErrNotFound {
		t.Error("expected ErrNotFound for trimmed chunk, got ", err)
		return
	}
}

func TestRetentionNeverRemovesOpenChunk(t *testing.T) {
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Error(err)
		return
	}
	old := time.Now().Add(-time.Hour)
	_, err = repo.NewChunk(old)
	if err != nil {
		t.Error(err)
		return
	}
	removed, err := repo.ApplyRetention(Policy{MaxAge: time.Minute})
	if err != nil {
		t.Error(err)
		return
	}
	if removed != 0 {
		t.Error("open chunk was removed by retention")
		return
	}
}

func TestInvalidPolicy(t *testing.T) {
	err := (Policy{MaxAge: -time.Second}).Validate()
	if err == nil {
		t.Error("expected error for negative max age")
		return
	}
	err = (Policy{MaxSize: -1}).Validate()
	if err == nil {
		t.Error("expected error for negative max size")
		return
	}
}
