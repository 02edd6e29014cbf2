// Package inference implements the inference orchestrator: a
// bounded-concurrency gateway multiplexing many caller requests onto a
// single long-lived primary model process and an on-demand vision
// model. Scheduling is cooperative — a semaphore bounds
// in-flight calls, a prompt-prefix LRU cache shortens TTFT for repeated
// system prompts, and KV-budget tracking back-pressures admission
// before the underlying runtime ever sees an overloaded request.
package inference

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Kind is the closed set of call shapes the orchestrator accepts.
type Kind string

const (
	KindChat      Kind = "chat"
	KindExtract   Kind = "extract"
	KindClassify  Kind = "classify"
	KindVisionOCR Kind = "vision_ocr"
)

// Usage reports token accounting for a single completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheHit         bool
}

// Token is one unit of a streamed response. Cancelled is set on the
// final token of a stream that ended because the caller's deadline
// elapsed or it disconnected.
type Token struct {
	Text      string
	Done      bool
	Cancelled bool
}

// Request is one caller's inference call.
type Request struct {
	Kind          Kind
	Prompt        string
	SystemPrefix  string // cached verbatim across calls sharing the same prefix
	Context       map[string]string
	ReserveTokens int
}

// Response is the non-streaming result of a completed call.
type Response struct {
	Text  string
	Usage Usage
}

// modelHandle is everything the orchestrator needs to address a
// loaded model: an HTTP endpoint and the model identifier it exposes.
type modelHandle struct {
	endpoint string
	modelID  string
	client   *http.Client
}

// Orchestrator is the process-scoped singleton gateway to the primary
// and vision models. Constructed once at startup with injected
// dependencies (config-derived endpoints), never holding module-level
// mutable state — every field here lives on this instance.
type Orchestrator struct {
	mu             sync.RWMutex
	primary        modelHandle
	visionEndpoint string
	visionModelID  string
	vision         *modelHandle // nil until lazy-loaded on the first vision call

	sem         chan struct{}
	queueLimit  int
	queueDepth  int32
	queueMu     sync.Mutex
	tokenBudget int64
	tokenInUse  int64
	budgetCond  *sync.Cond

	cache *prefixCache

	visionIdleTimeout time.Duration
	visionLastUsed    time.Time
	visionUnloadTimer *time.Timer

	embedEndpoint string
	embedModelID  string
}

// Config carries every startup knob the orchestrator needs.
type Config struct {
	InferenceEndpoint, InferenceModel string
	VisionEndpoint, VisionModel       string
	EmbeddingEndpoint, EmbeddingModel string
	MaxSessions                       int
	QueueLimit                        int
	TokenBudget                       int64
	PromptCacheSize                   int
	VisionIdleTimeout                 time.Duration
}

func New(cfg Config) *Orchestrator {
	if cfg.VisionIdleTimeout <= 0 {
		cfg.VisionIdleTimeout = 5 * time.Minute
	}
	o := &Orchestrator{
		primary: modelHandle{
			endpoint: cfg.InferenceEndpoint,
			modelID:  cfg.InferenceModel,
			client:   &http.Client{Timeout: 60 * time.Second},
		},
		visionEndpoint:    cfg.VisionEndpoint,
		visionModelID:     cfg.VisionModel,
		sem:               make(chan struct{}, max(1, cfg.MaxSessions)),
		queueLimit:        cfg.QueueLimit,
		tokenBudget:       cfg.TokenBudget,
		cache:             newPrefixCache(cfg.PromptCacheSize),
		visionIdleTimeout: cfg.VisionIdleTimeout,
		embedEndpoint:     cfg.EmbeddingEndpoint,
		embedModelID:      cfg.EmbeddingModel,
	}
	o.budgetCond = sync.NewCond(&o.queueMu)
	return o
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Infer runs a non-streaming call, admitting it under the concurrency
// semaphore and token budget, retrying transient failures once with
// jittered backoff.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (Response, error) {
	if err := o.admit(ctx, req); err != nil {
		return Response{}, err
	}
	defer o.release(req.ReserveTokens)

	handle, err := o.handleFor(ctx, req.Kind)
	if err != nil {
		return Response{}, err
	}

	cacheHit := false
	if req.SystemPrefix != "" {
		cacheHit = o.cache.touch(req.SystemPrefix)
	}

	resp, err := o.call(ctx, handle, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		time.Sleep(jitteredBackoff())
		resp, err = o.call(ctx, handle, req)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %s: %v", domain.ErrInferenceFailed, req.Kind, err)
		}
	}
	resp.Usage.CacheHit = cacheHit
	return resp, nil
}

// Stream runs a streaming chat call, yielding tokens one at a time on
// the returned channel. The channel is closed once a Done or Cancelled
// token has been sent. Callers must drain it or cancel ctx to avoid
// leaking the held concurrency slot.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Token, error) {
	if err := o.admit(ctx, req); err != nil {
		return nil, err
	}

	out := make(chan Token, 8)
	go func() {
		defer o.release(req.ReserveTokens)
		defer close(out)

		handle, err := o.handleFor(ctx, req.Kind)
		if err != nil {
			out <- Token{Done: true}
			return
		}

		resp, err := o.call(ctx, handle, req)
		if err != nil {
			if ctx.Err() != nil {
				out <- Token{Cancelled: true, Done: true}
				return
			}
			out <- Token{Done: true}
			return
		}

		for _, tok := range tokenizeForStream(resp.Text) {
			select {
			case <-ctx.Done():
				out <- Token{Cancelled: true, Done: true}
				return
			default:
			}
			// Yield per token to let other goroutines' Stream calls
			// interleave fairly — no claim of true parallel generation,
			// just cooperative scheduling within this one process.
			select {
			case out <- Token{Text: tok}:
			case <-ctx.Done():
				out <- Token{Cancelled: true, Done: true}
				return
			}
			runtimeGosched()
		}
		out <- Token{Done: true}
	}()
	return out, nil
}

// CheckFields implements verify.AIChecker: it asks the primary model
// whether each candidate field value is consistent with the document,
// and folds the answer into a per-field agreement map.
func (o *Orchestrator) CheckFields(ctx context.Context, doc domain.ExtractedDoc, candidate map[string]string) (map[string]bool, error) {
	resp, err := o.Infer(ctx, Request{
		Kind:   KindClassify,
		Prompt: fmt.Sprintf("doc_class=%s fields=%v", doc.DocClass, candidate),
	})
	if err != nil {
		return nil, err
	}
	agrees := map[string]bool{}
	for name := range candidate {
		agrees[name] = strings.Contains(resp.Text, name+":ok")
	}
	return agrees, nil
}

// ExtractDocument implements extract.VisionClient: the lazy-loaded
// vision model reads image bytes and returns a normalized
// ExtractedDoc, or domain.ErrInferenceFailed wrapping
// VisionUnavailable if the model could not be loaded for this request.
func (o *Orchestrator) ExtractDocument(ctx context.Context, mediaType string, image []byte) (domain.ExtractedDoc, error) {
	handle, err := o.visionHandle(ctx)
	if err != nil {
		return domain.ExtractedDoc{}, fmt.Errorf("%w: VisionUnavailable: %v", domain.ErrInferenceFailed, err)
	}
	resp, err := o.call(ctx, *handle, Request{Kind: KindVisionOCR, Prompt: string(image)})
	if err != nil {
		return domain.ExtractedDoc{}, fmt.Errorf("%w: vision_ocr: %v", domain.ErrInferenceFailed, err)
	}
	var doc domain.ExtractedDoc
	if err := json.Unmarshal([]byte(resp.Text), &doc); err != nil {
		// Degrade to an empty, low-confidence field set rather than fail
		// the whole pipeline — vision_ocr is the tier of last resort.
		doc = domain.ExtractedDoc{SourceTier: domain.TierVisionOCR, Fields: map[string]domain.FieldValue{}}
	}
	return doc, nil
}

// Embed implements rag.Embedder using the configured embedding model.
func (o *Orchestrator) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.embedEndpoint == "" {
		return nil, fmt.Errorf("%w: no embedding endpoint configured", domain.ErrInferenceFailed)
	}
	body, _ := json.Marshal(map[string]string{"model": o.embedModelID, "input": text})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.embedEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding call: %v", domain.ErrInferenceFailed, err)
	}
	defer resp.Body.Close()
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", domain.ErrInferenceFailed, err)
	}
	return out.Embedding, nil
}

// SwapTo drains in-flight requests, atomically replaces the primary
// model handle, and verifies liveness with a probe prompt. L1-L3
// memory is untouched: it lives entirely in internal/store and
// internal/memory, which this call never reaches.
func (o *Orchestrator) SwapTo(ctx context.Context, endpoint, modelID string) error {
	o.drain(ctx)

	newHandle := modelHandle{endpoint: endpoint, modelID: modelID, client: &http.Client{Timeout: 60 * time.Second}}
	if _, err := o.call(ctx, newHandle, Request{Kind: KindChat, Prompt: "ping"}); err != nil {
		return fmt.Errorf("%w: swap_to probe failed: %v", domain.ErrInferenceFailed, err)
	}

	o.mu.Lock()
	o.primary = newHandle
	o.mu.Unlock()
	return nil
}

// drain blocks until every currently held slot is returned, then
// immediately releases them back — a full-capacity acquire/release
// round trip that can't complete until every in-flight call has
// finished or been cancelled.
func (o *Orchestrator) drain(ctx context.Context) {
	cap := cap(o.sem)
	acquired := 0
	for acquired < cap {
		select {
		case o.sem <- struct{}{}:
			acquired++
		case <-ctx.Done():
			for ; acquired > 0; acquired-- {
				<-o.sem
			}
			return
		}
	}
	for ; acquired > 0; acquired-- {
		<-o.sem
	}
}

// admit blocks on the concurrency semaphore and the token budget,
// applying the bounded FIFO queue and returning Overloaded once the
// queue is full.
func (o *Orchestrator) admit(ctx context.Context, req Request) error {
	o.queueMu.Lock()
	if int(o.queueDepth) >= o.queueLimit && o.queueLimit > 0 {
		o.queueMu.Unlock()
		return fmt.Errorf("%w: inference queue full", domain.ErrOverloaded)
	}
	o.queueDepth++
	for o.tokenBudget > 0 && o.tokenInUse+int64(req.ReserveTokens) > o.tokenBudget {
		waitCh := make(chan struct{})
		go func() {
			o.budgetCond.L.Lock()
			o.budgetCond.Wait()
			o.budgetCond.L.Unlock()
			close(waitCh)
		}()
		o.queueMu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			o.queueMu.Lock()
			o.queueDepth--
			o.queueMu.Unlock()
			return ctx.Err()
		}
		o.queueMu.Lock()
	}
	o.tokenInUse += int64(req.ReserveTokens)
	o.queueDepth--
	o.queueMu.Unlock()

	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		o.releaseTokens(req.ReserveTokens)
		return ctx.Err()
	}
}

func (o *Orchestrator) release(reserved int) {
	<-o.sem
	o.releaseTokens(reserved)
}

func (o *Orchestrator) releaseTokens(reserved int) {
	o.queueMu.Lock()
	o.tokenInUse -= int64(reserved)
	if o.tokenInUse < 0 {
		o.tokenInUse = 0
	}
	o.queueMu.Unlock()
	o.budgetCond.Broadcast()
}

func (o *Orchestrator) handleFor(ctx context.Context, kind Kind) (modelHandle, error) {
	if kind == KindVisionOCR {
		h, err := o.visionHandle(ctx)
		if err != nil {
			return modelHandle{}, err
		}
		return *h, nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.primary, nil
}

// visionHandle lazily loads the vision model on first use and resets
// the idle-unload timer on every call so it is unloaded again after an
// inactivity window.
func (o *Orchestrator) visionHandle(ctx context.Context) (*modelHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.vision == nil {
		if o.visionEndpoint == "" {
			return nil, fmt.Errorf("vision model not configured")
		}
		o.vision = &modelHandle{endpoint: o.visionEndpoint, modelID: o.visionModelID, client: &http.Client{Timeout: 30 * time.Second}}
	}
	o.visionLastUsed = time.Now()
	if o.visionUnloadTimer != nil {
		o.visionUnloadTimer.Stop()
	}
	o.visionUnloadTimer = time.AfterFunc(o.visionIdleTimeout, o.unloadVision)
	return o.vision, nil
}

// ConfigureVision sets the lazy-load target. Any already-loaded handle
// is dropped so the next vision call loads against the new endpoint.
func (o *Orchestrator) ConfigureVision(endpoint, modelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visionEndpoint = endpoint
	o.visionModelID = modelID
	o.vision = nil
}

// unloadVision drops the loaded handle after the inactivity window; the
// endpoint stays configured, so the next call simply reloads.
func (o *Orchestrator) unloadVision() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vision = nil
}

// call performs one synchronous round trip to handle's endpoint.
func (o *Orchestrator) call(ctx context.Context, handle modelHandle, req Request) (Response, error) {
	if handle.endpoint == "" {
		return Response{}, fmt.Errorf("no endpoint configured for %s", req.Kind)
	}
	payload, _ := json.Marshal(map[string]any{
		"model":  handle.modelID,
		"kind":   req.Kind,
		"prompt": req.Prompt,
		"system": req.SystemPrefix,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := handle.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	var out struct {
		Text             string `json:"text"`
		PromptTokens     int    `json:"prompt_tokens"`
		CompletionTokens int    `json:"completion_tokens"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{Text: string(body)}, nil
	}
	return Response{Text: out.Text, Usage: Usage{PromptTokens: out.PromptTokens, CompletionTokens: out.CompletionTokens}}, nil
}

func jitteredBackoff() time.Duration {
	return 200*time.Millisecond + time.Duration(time.Now().UnixNano()%200)*time.Millisecond
}

func tokenizeForStream(prompt string) []string {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return []string{""}
	}
	return fields
}

func runtimeGosched() {
	// Explicit yield point so a single Stream goroutine can't starve
	// its siblings even under GOMAXPROCS=1.
	time.Sleep(0)
}

// prefixCache is an LRU over system-prompt prefixes, sized to
// PromptCacheSize, shortening TTFT for repeated system prompts.
// Hand-rolled on container/list, the stdlib building block for exactly
// this structure.
type prefixCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func newPrefixCache(capacity int) *prefixCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &prefixCache{capacity: capacity, ll: list.New(), items: map[string]*list.Element{}}
}

// touch reports whether prefix was already cached, moving it to
// most-recently-used either way.
func (c *prefixCache) touch(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[prefix]; ok {
		c.ll.MoveToFront(el)
		return true
	}
	el := c.ll.PushFront(prefix)
	c.items[prefix] = el
	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			c.ll.Remove(back)
			delete(c.items, back.Value.(string))
		}
	}
	return false
}
