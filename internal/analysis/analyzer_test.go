package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/notetaker/pkg/provider/llm"
	llmmock "github.com/MrWong99/notetaker/pkg/provider/llm/mock"
)

func TestLLMAnalyzer_Request(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"summary":"ok"}`}}
	a, err := NewLLMAnalyzer(p, WithMaxTokens(2048))
	if err != nil {
		t.Fatalf("NewLLMAnalyzer: %v", err)
	}

	res, err := a.Analyze(context.Background(), "A: hello\nB: hi")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Summary != "ok" {
		t.Errorf("Summary = %q", res.Summary)
	}

	req := p.LastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("expected a single user message, got %+v", req.Messages)
	}
	if want := DefaultPrompt + "\nA: hello\nB: hi"; req.Messages[0].Content != want {
		t.Errorf("content mismatch:\n%q", req.Messages[0].Content)
	}
	if req.SystemPrompt != "" {
		t.Errorf("unexpected system prompt %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", req.MaxTokens)
	}
}

func TestLLMAnalyzer_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		p       *llmmock.Provider
		wantErr error
	}{
		{"llm error", &llmmock.Provider{CompleteErr: errors.New("boom")}, nil},
		{"nil response", &llmmock.Provider{}, nil},
		{"garbage", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "sorry"}}, ErrNotJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := NewLLMAnalyzer(tt.p)
			if err != nil {
				t.Fatalf("NewLLMAnalyzer: %v", err)
			}
			res, err := a.Analyze(context.Background(), "A: hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := string(res.JSON()); got != "{}" {
				t.Errorf("result = %s, want {}", got)
			}
		})
	}
}

func TestLLMAnalyzer_OverlongFieldKeepsTheRest(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"summary":"standup","purpose":"` + strings.Repeat("p", 5000) + `"}`,
	}}
	a, err := NewLLMAnalyzer(p)
	if err != nil {
		t.Fatalf("NewLLMAnalyzer: %v", err)
	}
	res, err := a.Analyze(context.Background(), "A: hi")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Summary != "standup" {
		t.Errorf("Summary = %q, want standup", res.Summary)
	}
	if got := len(res.Purpose); got != 4000 {
		t.Errorf("len(Purpose) = %d, want 4000", got)
	}
}

func TestLLMAnalyzer_HonoursContext(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	a, _ := NewLLMAnalyzer(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Analyze(ctx, "A: hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNewLLMAnalyzer_NilProvider(t *testing.T) {
	t.Parallel()
	if _, err := NewLLMAnalyzer(nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()
	res, err := Nop{}.Analyze(context.Background(), "A: hi")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.IsEmpty() {
		t.Errorf("result = %s, want empty", res.JSON())
	}
}
