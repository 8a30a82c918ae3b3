// Package classifier derives a safety classification for each discovered
// tool by asking an LLM whether the tool reads, writes, is idempotent, and
// is reversible. Results are cached by a content fingerprint of the tool
// metadata, so the model is consulted once per distinct definition.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/llm"
	"github.com/castellan/castellan/internal/supervisor"
)

// Classification is the safety verdict for one tool. The four capability
// flags are persisted on the tool record; Category and Sensitive are
// advisory output consumed by the approval gate for the current process
// lifetime only.
type Classification struct {
	IsRead     bool   `json:"is_read"`
	IsWrite    bool   `json:"is_write"`
	Idempotent bool   `json:"idempotent"`
	Reversible bool   `json:"reversible"`
	Category   string `json:"category"`
	Sensitive  bool   `json:"sensitive"`
}

// Store persists tool records and their analysis. Implemented by the
// storage layer.
type Store interface {
	SaveToolAnalysis(ctx context.Context, serverID string, tool supervisor.ToolDescriptor, fingerprint string, c Classification, analyzedAt time.Time) error
}

// Classifier caches classifications by fingerprint and serializes the
// underlying LLM call per fingerprint, so concurrent classify requests for
// the same tool definition collapse to one model invocation.
type Classifier struct {
	provider llm.Provider
	store    Store
	cfg      config.ClassifierConfig
	logger   *slog.Logger

	mu       sync.Mutex
	cache    map[string]Classification
	inflight map[string]chan struct{}
}

// New creates a Classifier. store may be nil, in which case results live
// only in the in-memory cache.
func New(provider llm.Provider, store Store, cfg config.ClassifierConfig, logger *slog.Logger) *Classifier {
	return &Classifier{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]Classification),
		inflight: make(map[string]chan struct{}),
	}
}

// Fingerprint returns the content fingerprint of a tool definition. Any
// change to name, description, or input schema yields a new fingerprint and
// therefore a fresh classification.
func Fingerprint(tool supervisor.ToolDescriptor) string {
	h := sha256.New()
	h.Write([]byte(tool.Name))
	h.Write([]byte{0})
	h.Write([]byte(tool.Description))
	h.Write([]byte{0})
	h.Write(canonicalSchema(tool.InputSchema))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalSchema renders the schema with sorted keys so map iteration
// order cannot perturb the fingerprint.
func canonicalSchema(schema map[string]any) []byte {
	if len(schema) == 0 {
		return nil
	}
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		v, _ := json.Marshal(schema[k])
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}

// Cached returns the cached classification for a fingerprint, if any.
func (c *Classifier) Cached(fingerprint string) (Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.cache[fingerprint]
	return cl, ok
}

// Classify returns the classification for a tool, invoking the model only
// when the fingerprint has not been seen before. A failed classification is
// not cached; the tool stays unclassified and a later call retries.
func (c *Classifier) Classify(ctx context.Context, serverID string, tool supervisor.ToolDescriptor) (Classification, error) {
	fp := Fingerprint(tool)

	for {
		c.mu.Lock()
		if cl, ok := c.cache[fp]; ok {
			c.mu.Unlock()
			return cl, nil
		}
		wait, busy := c.inflight[fp]
		if !busy {
			done := make(chan struct{})
			c.inflight[fp] = done
			c.mu.Unlock()
			return c.classifyAndCache(ctx, serverID, tool, fp, done)
		}
		c.mu.Unlock()

		// Another goroutine is classifying this fingerprint; wait for it
		// and re-check the cache.
		select {
		case <-wait:
		case <-ctx.Done():
			return Classification{}, ctx.Err()
		}
	}
}

func (c *Classifier) classifyAndCache(ctx context.Context, serverID string, tool supervisor.ToolDescriptor, fp string, done chan struct{}) (Classification, error) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, fp)
		c.mu.Unlock()
		close(done)
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	resp, err := c.provider.Complete(callCtx, &llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(tool),
		MaxTokens:    c.cfg.TokenBudget(),
	})
	if err != nil {
		c.logger.Warn("tool classification failed",
			slog.String("server", serverID),
			slog.String("tool", tool.Name),
			slog.String("error", err.Error()),
		)
		return Classification{}, fmt.Errorf("classifying %s/%s: %w", serverID, tool.Name, err)
	}

	cl, err := parseClassification(resp.Text)
	if err != nil {
		c.logger.Warn("tool classification unparseable",
			slog.String("server", serverID),
			slog.String("tool", tool.Name),
			slog.String("error", err.Error()),
		)
		return Classification{}, fmt.Errorf("parsing classification for %s/%s: %w", serverID, tool.Name, err)
	}

	now := time.Now()
	if c.store != nil {
		if err := c.store.SaveToolAnalysis(ctx, serverID, tool, fp, cl, now); err != nil {
			// Persistence failure does not invalidate the verdict.
			c.logger.Warn("persisting tool analysis",
				slog.String("tool", tool.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	c.cache[fp] = cl
	c.mu.Unlock()

	c.logger.Info("tool classified",
		slog.String("server", serverID),
		slog.String("tool", tool.Name),
		slog.String("category", cl.Category),
		slog.Bool("is_write", cl.IsWrite),
		slog.Bool("sensitive", cl.Sensitive),
	)
	return cl, nil
}

// ClassifyAll classifies every tool of a server sequentially. Failures are
// skipped; the remaining tools still get classified.
func (c *Classifier) ClassifyAll(ctx context.Context, serverID string, tools []supervisor.ToolDescriptor) {
	for _, tool := range tools {
		if ctx.Err() != nil {
			return
		}
		_, _ = c.Classify(ctx, serverID, tool)
	}
}

// Seed preloads the cache from persisted analysis, typically at startup.
func (c *Classifier) Seed(fingerprint string, cl Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[fingerprint] = cl
}
