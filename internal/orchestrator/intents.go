package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/broker"
	"copytrade-core/pkg/exchanges/common"
)

// IntentSink consumes trade intents; in production this is the master
// account's engine.
type IntentSink interface {
	SubmitIntent(ctx context.Context, intent broker.TradeIntent) (common.OrderResult, error)
}

// IntentWatcher polls a directory for dropped intent files. Each *.json file
// is one trade intent; processed files are renamed with a .done suffix (or
// .bad when they fail to parse) so an intent is never executed twice.
type IntentWatcher struct {
	dir      string
	sink     IntentSink
	interval time.Duration
}

type intentFile struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Size     float64 `json:"size"`
	SizeMode string  `json:"size_mode"`
	Quality  float64 `json:"quality"`
	Reason   string  `json:"reason"`
}

// NewIntentWatcher watches dir, scanning every interval.
func NewIntentWatcher(dir string, sink IntentSink, interval time.Duration) *IntentWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &IntentWatcher{dir: dir, sink: sink, interval: interval}
}

// Run scans until ctx is cancelled.
func (w *IntentWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan processes every pending intent file once.
func (w *IntentWatcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("intent watcher: read %s: %v", w.dir, err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *IntentWatcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("intent watcher: read %s: %v", path, err)
		return
	}
	var raw intentFile
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("intent watcher: bad intent %s: %v", path, err)
		w.markDone(path, ".bad")
		return
	}

	intent := broker.TradeIntent{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(raw.Symbol),
		Side:      common.Side(strings.ToUpper(raw.Side)),
		Size:      raw.Size,
		SizeMode:  common.SizeMode(strings.ToUpper(raw.SizeMode)),
		Quality:   raw.Quality,
		Reason:    raw.Reason,
		CreatedAt: time.Now(),
	}
	if intent.SizeMode == "" {
		intent.SizeMode = common.SizeQuoteNotional
	}

	// Rename before submitting: a crash mid-order must not replay the file.
	if !w.markDone(path, ".done") {
		return
	}
	res, err := w.sink.SubmitIntent(ctx, intent)
	if err != nil {
		log.Printf("intent watcher: %s: submit: %v", path, err)
		return
	}
	log.Printf("intent watcher: %s %s %s -> %s", intent.Side, intent.Symbol, filepath.Base(path), res.Status)
}

func (w *IntentWatcher) markDone(path, suffix string) bool {
	if err := os.Rename(path, path+suffix); err != nil {
		log.Printf("intent watcher: rename %s: %v", path, err)
		return false
	}
	return true
}
