package nonce

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

func TestNextStrictlyIncreasingConcurrent(t *testing.T) {
	seq, err := NewSequencer(t.TempDir())
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}

	const workers = 8
	const perWorker = 50

	var mu sync.Mutex
	var all []int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, err := seq.Next("kraken:master:acct-1")
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				mu.Lock()
				all = append(all, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(all) != workers*perWorker {
		t.Fatalf("expected %d values, got %d", workers*perWorker, len(all))
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate nonce issued: %d", all[i])
		}
	}
}

// Simulates a process restart by constructing a fresh Sequencer over the
// same state directory; values must keep increasing.
func TestNextSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	seq1, err := NewSequencer(dir)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	var last int64
	for i := 0; i < 5; i++ {
		last, err = seq1.Next("binance:follower:acct-2")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	seq2, err := NewSequencer(dir)
	if err != nil {
		t.Fatalf("NewSequencer restart: %v", err)
	}
	v, err := seq2.Next("binance:follower:acct-2")
	if err != nil {
		t.Fatalf("Next after restart: %v", err)
	}
	if v <= last {
		t.Fatalf("nonce went backwards after restart: %d <= %d", v, last)
	}
}

func TestBumpJumpsPastReplayWindow(t *testing.T) {
	seq, err := NewSequencer(t.TempDir())
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	seq.SetJumpFactor(1000)

	before, err := seq.Next("cred")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	seq.Bump("cred")
	after, err := seq.Next("cred")
	if err != nil {
		t.Fatalf("Next after bump: %v", err)
	}
	if after-before < 1000 {
		t.Fatalf("expected jump of at least 1000, got %d", after-before)
	}

	// Jump arms a single issuance only.
	next, err := seq.Next("cred")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next <= after {
		t.Fatalf("nonce not increasing after jump: %d <= %d", next, after)
	}
}

func TestDifferentCredentialsUseSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	seq, err := NewSequencer(dir)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	if _, err := seq.Next("cred/a"); err != nil {
		t.Fatalf("Next cred/a: %v", err)
	}
	if _, err := seq.Next("cred/b"); err != nil {
		t.Fatalf("Next cred/b: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["cred_a.nonce"] || !names["cred_b.nonce"] {
		t.Fatalf("expected one state file per credential, got %v", names)
	}
}

func TestNextFailsFastWhenStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	seq, err := NewSequencer(dir)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}

	// Block the state file path with a directory so the write must fail.
	if err := os.MkdirAll(filepath.Join(dir, "stuck.nonce.tmp"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, err := seq.Next("stuck"); err == nil {
		t.Fatalf("expected error when persistence is unavailable, got none")
	}
}
