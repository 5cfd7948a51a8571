package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/haasonsaas/aether/internal/retry"
)

type stubProvider struct {
	lastReq    *Request
	completion *Completion
	err        error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, req *Request) (*Completion, error) {
	s.lastReq = req
	return s.completion, s.err
}

func TestNewSetRejectsUnknownProvider(t *testing.T) {
	_, err := NewSet(Config{Provider: "bedrock", APIKey: "k"}, slog.Default())
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewSetRequiresAPIKey(t *testing.T) {
	_, err := NewSet(Config{Provider: "anthropic"}, slog.Default())
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNewSetAppliesModelDefaults(t *testing.T) {
	set, err := NewSet(Config{Provider: "anthropic", APIKey: "k"}, slog.Default())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if set.Model() != DefaultAnthropicModel {
		t.Errorf("model = %q, want %q", set.Model(), DefaultAnthropicModel)
	}
	if set.CheapModel() != DefaultAnthropicCheapModel {
		t.Errorf("cheap model = %q, want %q", set.CheapModel(), DefaultAnthropicCheapModel)
	}
}

func TestSetCompleteFillsPrimaryModel(t *testing.T) {
	stub := &stubProvider{completion: &Completion{Text: "ok"}}
	set := NewSetWith(stub, "big-model", "small-model")

	if _, err := set.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if stub.lastReq.Model != "big-model" {
		t.Errorf("model = %q, want big-model", stub.lastReq.Model)
	}

	if _, err := set.Complete(context.Background(), &Request{Model: "override"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if stub.lastReq.Model != "override" {
		t.Errorf("explicit model = %q, want override", stub.lastReq.Model)
	}
}

func TestSetCompleteCheapUsesCheapModel(t *testing.T) {
	stub := &stubProvider{completion: &Completion{Text: "summary"}}
	set := NewSetWith(stub, "big-model", "small-model")

	if _, err := set.CompleteCheap(context.Background(), &Request{Model: "big-model"}); err != nil {
		t.Fatalf("CompleteCheap: %v", err)
	}
	if stub.lastReq.Model != "small-model" {
		t.Errorf("model = %q, want small-model", stub.lastReq.Model)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name            string
		err             error
		transientStatus bool
		wantPermanent   bool
	}{
		{"transient status", errors.New("server error"), true, false},
		{"rate limit message", errors.New("429 Too Many Requests"), false, false},
		{"overloaded message", errors.New("anthropic: overloaded_error"), false, false},
		{"connection reset", errors.New("read: connection reset by peer"), false, false},
		{"auth failure", errors.New("invalid api key"), false, true},
		{"bad request", errors.New("400 invalid_request_error"), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err, tc.transientStatus)
			if retry.IsPermanent(got) != tc.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", retry.IsPermanent(got), tc.wantPermanent)
			}
		})
	}
	if classify(nil, false) != nil {
		t.Error("classify(nil) should be nil")
	}
}
