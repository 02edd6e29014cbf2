package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/inference"
)

func jsonServer(t *testing.T, fn func(body map[string]any) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		status, payload := fn(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInferReturnsModelResponse(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "hello back", "prompt_tokens": 3, "completion_tokens": 2}
	})

	o := inference.New(inference.Config{
		InferenceEndpoint: srv.URL,
		InferenceModel:    "primary-1",
		MaxSessions:       4,
	})

	resp, err := o.Infer(context.Background(), inference.Request{Kind: inference.KindChat, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello back" {
		t.Fatalf("want %q, got %q", "hello back", resp.Text)
	}
	if resp.Usage.PromptTokens != 3 || resp.Usage.CompletionTokens != 2 {
		t.Fatalf("want usage 3/2, got %+v", resp.Usage)
	}
}

func TestInferReportsCacheHitOnRepeatedPrefix(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "ok"}
	})

	o := inference.New(inference.Config{
		InferenceEndpoint: srv.URL,
		InferenceModel:    "primary-1",
		MaxSessions:       4,
		PromptCacheSize:   8,
	})

	req := inference.Request{Kind: inference.KindChat, Prompt: "q1", SystemPrefix: "you are an accountant"}
	first, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Usage.CacheHit {
		t.Fatal("want the first call with a fresh prefix to be a cache miss")
	}

	req.Prompt = "q2"
	second, err := o.Infer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Usage.CacheHit {
		t.Fatal("want the second call with the same system prefix to be a cache hit")
	}
}

func TestInferWrapsPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("connection torn down")
	}))
	srv.Close() // closed immediately: every request will fail to connect

	o := inference.New(inference.Config{
		InferenceEndpoint: srv.URL,
		InferenceModel:    "primary-1",
		MaxSessions:       1,
	})

	_, err := o.Infer(context.Background(), inference.Request{Kind: inference.KindChat, Prompt: "hi"})
	if !errors.Is(err, domain.ErrInferenceFailed) {
		t.Fatalf("want ErrInferenceFailed after both attempts fail, got %v", err)
	}
}

func TestInferRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	o := inference.New(inference.Config{
		InferenceEndpoint: srv.URL,
		InferenceModel:    "primary-1",
		MaxSessions:       1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Infer(ctx, inference.Request{Kind: inference.KindChat, Prompt: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded, got %v", err)
	}
}

func TestCheckFieldsAgreesWhenModelConfirms(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "total:ok issuer:mismatch"}
	})
	o := inference.New(inference.Config{InferenceEndpoint: srv.URL, InferenceModel: "m", MaxSessions: 2})

	agrees, err := o.CheckFields(context.Background(), domain.ExtractedDoc{}, map[string]string{"total": "100.00", "issuer": "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	if !agrees["total"] {
		t.Fatal("want total to be marked as agreeing")
	}
	if agrees["issuer"] {
		t.Fatal("want issuer to be marked as disagreeing")
	}
}

func TestExtractDocumentFailsWithoutVisionConfigured(t *testing.T) {
	o := inference.New(inference.Config{MaxSessions: 1})

	_, err := o.ExtractDocument(context.Background(), "image/png", []byte("fake-bytes"))
	if !errors.Is(err, domain.ErrInferenceFailed) {
		t.Fatalf("want ErrInferenceFailed when no vision model is configured, got %v", err)
	}
}

func TestExtractDocumentUsesConfiguredVisionModel(t *testing.T) {
	doc := domain.ExtractedDoc{SourceTier: domain.TierVisionOCR, Fields: map[string]domain.FieldValue{
		"total": {Value: "100.00"},
	}}
	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": string(encoded)}
	})

	o := inference.New(inference.Config{MaxSessions: 1})
	o.ConfigureVision(srv.URL, "vision-1")

	got, err := o.ExtractDocument(context.Background(), "image/png", []byte("fake-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceTier != domain.TierVisionOCR {
		t.Fatalf("want tier %q, got %q", domain.TierVisionOCR, got.SourceTier)
	}
	if got.Fields["total"].Value != "100.00" {
		t.Fatalf("want the decoded field value to round-trip, got %+v", got.Fields)
	}
}

func TestExtractDocumentDegradesOnUnparsableResponse(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "not json at all"}
	})
	o := inference.New(inference.Config{MaxSessions: 1})
	o.ConfigureVision(srv.URL, "vision-1")

	got, err := o.ExtractDocument(context.Background(), "image/png", []byte("fake-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceTier != domain.TierVisionOCR {
		t.Fatalf("want a degraded empty-field response tagged vision_ocr, got %+v", got)
	}
	if len(got.Fields) != 0 {
		t.Fatalf("want zero fields on a degraded response, got %+v", got.Fields)
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"embedding": []float64{0.1, 0.2, 0.3}}
	})
	o := inference.New(inference.Config{EmbeddingEndpoint: srv.URL, EmbeddingModel: "embed-1", MaxSessions: 1})

	vec, err := o.Embed(context.Background(), "some legal text")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 {
		t.Fatalf("want a 3-dimensional vector, got %v", vec)
	}
}

func TestEmbedFailsWithoutEndpointConfigured(t *testing.T) {
	o := inference.New(inference.Config{MaxSessions: 1})
	_, err := o.Embed(context.Background(), "text")
	if !errors.Is(err, domain.ErrInferenceFailed) {
		t.Fatalf("want ErrInferenceFailed when no embedding endpoint is configured, got %v", err)
	}
}

func TestSwapToReplacesPrimaryHandle(t *testing.T) {
	oldSrv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "old"}
	})
	newSrv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "new"}
	})

	o := inference.New(inference.Config{InferenceEndpoint: oldSrv.URL, InferenceModel: "old-model", MaxSessions: 2})

	if err := o.SwapTo(context.Background(), newSrv.URL, "new-model"); err != nil {
		t.Fatal(err)
	}

	resp, err := o.Infer(context.Background(), inference.Request{Kind: inference.KindChat, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "new" {
		t.Fatalf("want the swapped-in model to serve the next call, got %q", resp.Text)
	}
}

func TestSwapToFailsWhenProbeUnreachable(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "old"}
	})
	o := inference.New(inference.Config{InferenceEndpoint: srv.URL, InferenceModel: "old-model", MaxSessions: 2})

	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable.Close()

	if err := o.SwapTo(context.Background(), unreachable.URL, "new-model"); !errors.Is(err, domain.ErrInferenceFailed) {
		t.Fatalf("want ErrInferenceFailed when the probe can't reach the new endpoint, got %v", err)
	}
}

func TestStreamYieldsTokensThenDone(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"text": "jedan dva tri"}
	})
	o := inference.New(inference.Config{InferenceEndpoint: srv.URL, InferenceModel: "m", MaxSessions: 1})

	ch, err := o.Stream(context.Background(), inference.Request{Kind: inference.KindChat, Prompt: "count to three"})
	if err != nil {
		t.Fatal(err)
	}

	var texts []string
	var sawDone bool
	for tok := range ch {
		if tok.Done {
			sawDone = true
			break
		}
		texts = append(texts, tok.Text)
	}
	if !sawDone {
		t.Fatal("want the stream to end with a Done token")
	}
	if len(texts) != 3 {
		t.Fatalf("want 3 word tokens, got %v", texts)
	}
}

func TestStreamCancelledByContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })
	o := inference.New(inference.Config{InferenceEndpoint: srv.URL, InferenceModel: "m", MaxSessions: 1})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Stream(ctx, inference.Request{Kind: inference.KindChat, Prompt: "a long-running question"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	var sawCancelled bool
	for tok := range ch {
		if tok.Cancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatal("want a Cancelled token once the context is cancelled mid-stream")
	}
}
