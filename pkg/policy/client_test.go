package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_AllowFromEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":true,"violations":[]}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1", Tool: "list_appointments"})

	assert.True(t, resp.Allow)
	assert.Empty(t, resp.Violations)
	assert.Equal(t, FailureNone, resp.Failure)
}

func TestEvaluate_DenyWithViolationsFromEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":false,"violations":["custom_policy_violation"]}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1", Tool: "create_appointment"})

	assert.False(t, resp.Allow)
	assert.Contains(t, resp.Violations, "custom_policy_violation")
}

func TestEvaluate_BadStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1"})

	assert.False(t, resp.Allow)
	assert.Equal(t, FailureBadStatus, resp.Failure)
	assert.Equal(t, "OPA_Unavailable", resp.Failure.ViolationTag())
}

func TestEvaluate_BadResponseBodyClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1"})

	assert.Equal(t, FailureBadResponse, resp.Failure)
}

func TestEvaluate_MissingResultFieldClassifiedBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1"})

	assert.Equal(t, FailureBadResponse, resp.Failure)
}

func TestEvaluate_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Millisecond})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1"})

	assert.True(t, resp.Failure == FailureTimeout || resp.Failure == FailureUnavailable)
	assert.NotEqual(t, FailureNone, resp.Failure)
}

func TestEvaluate_UnreachableEngineClassifiedUnavailable(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	resp := client.Evaluate(context.Background(), Request{RequestID: "r1"})

	assert.False(t, resp.Allow)
	assert.NotEqual(t, FailureNone, resp.Failure)
	assert.Equal(t, "OPA_Unavailable", resp.Failure.ViolationTag())
}
