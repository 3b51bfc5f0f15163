package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shalteor/zerotrace/internal/auditlog"
)

func TestComplete(t *testing.T) {
	var got completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Use a min-heap."}}]}`))
	}))
	defer server.Close()

	var audited []auditlog.Entry
	c := NewClient(Config{BaseURL: server.URL + "/", APIKey: "test-key"}, func(_ context.Context, e auditlog.Entry) {
		audited = append(audited, e)
	}, nil)

	answer, err := c.Complete(context.Background(), "k smallest?")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if answer != "Use a min-heap." {
		t.Errorf("unexpected answer %q", answer)
	}

	if got.Model != DefaultModel || got.MaxTokens != DefaultMaxTokens {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "k smallest?" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}

	if len(audited) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audited))
	}
	if audited[0].URL != server.URL+"/chat/completions" || !audited[0].UserInitiated || audited[0].Purpose != PurposeChat {
		t.Errorf("unexpected audit entry: %+v", audited[0])
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "quota",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`,
			check:  func(err error) bool { return errors.Is(err, ErrQuotaExceeded) },
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `{"error":{"code":"bad_gateway","message":"upstream down"}}`,
			check: func(err error) bool {
				var ue *UpstreamError
				return errors.As(err, &ue) && ue.StatusCode == http.StatusBadGateway && ue.Code == "bad_gateway"
			},
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			check:  func(err error) bool { return errors.Is(err, ErrNoChoices) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(Config{BaseURL: server.URL}, nil, nil)
			_, err := c.Complete(context.Background(), "hello")
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
			if calls != 1 {
				t.Errorf("expected exactly one upstream call, got %d", calls)
			}
		})
	}
}

func TestEmptyPrompt(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	if _, err := c.Complete(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
}
