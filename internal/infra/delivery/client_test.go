package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldcare/errs"
)

func TestDeliverSendsPayloadVerbatim(t *testing.T) {
	payload := `{ "animalId":7, "slot":"morning", "notes":"ate well" }`
	var gotBody, gotPath, gotType, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotToken = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:   srv.URL,
		WritePath: "/api/care-logs",
		Headers:   map[string]string{"Authorization": "Bearer field"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.Deliver(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Status)
	}
	if gotBody != payload {
		t.Fatalf("payload altered in transit: %q", gotBody)
	}
	if gotPath != "/api/care-logs" || gotType != "application/json" || gotToken != "Bearer field" {
		t.Fatalf("unexpected request path=%q type=%q auth=%q", gotPath, gotType, gotToken)
	}
}

func TestDeliverClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		code   errs.Code
	}{
		{http.StatusBadRequest, errs.CodeValidation},
		{http.StatusUnprocessableEntity, errs.CodeValidation},
		{http.StatusInternalServerError, errs.CodeTransient},
		{http.StatusServiceUnavailable, errs.CodeTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		client, err := NewClient(Config{BaseURL: srv.URL, WritePath: "/w"})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		_, err = client.Deliver(context.Background(), json.RawMessage(`{}`))
		srv.Close()
		if !errs.IsCode(err, tc.code) {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.code, err)
		}
		if errs.HTTPStatus(err) != tc.status {
			t.Fatalf("status %d: expected http status recorded, got %d", tc.status, errs.HTTPStatus(err))
		}
	}
}

func TestDeliverTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{BaseURL: url, WritePath: "/w"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Deliver(context.Background(), json.RawMessage(`{}`))
	if !errs.IsCode(err, errs.CodeTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestDeliverHonoursRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewClient(Config{BaseURL: srv.URL, WritePath: "/w", RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	_, err = client.Deliver(context.Background(), json.RawMessage(`{}`))
	if !errs.IsCode(err, errs.CodeTransient) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("request timeout not applied")
	}
}

func TestDeliverPacing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, WritePath: "/w", DeliveriesPerSecond: 0.001})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Deliver(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Deliver(ctx, json.RawMessage(`{}`)); !errs.IsCode(err, errs.CodeTransient) {
		t.Fatalf("expected paced delivery to be interrupted, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request to reach upstream, got %d", hits.Load())
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
