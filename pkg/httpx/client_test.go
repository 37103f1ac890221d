package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type headerSigner struct{ key string }

func (s *headerSigner) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-API-KEY", s.key)
	return nil
}

func TestGetSignsAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "k1" {
			t.Error("signer not applied")
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Error("query params not applied")
		}
		_, _ = w.Write([]byte(`{"price":"50000"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0, &headerSigner{key: "k1"})
	body, err := c.Get(context.Background(), "/ticker", map[string]string{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"price":"50000"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestPostMarshalsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing content type")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0, nil)
	if _, err := c.Post(context.Background(), "/order", map[string]string{"side": "buy"}); err != nil {
		t.Fatal(err)
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0, nil)
	_, err := c.Get(context.Background(), "/x", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTeapot || string(apiErr.Body) != "nope" {
		t.Fatalf("wrong APIError: %+v", apiErr)
	}
}

func TestNoInternalRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0, nil)
	_, _ = c.Get(context.Background(), "/x", nil)
	if calls != 1 {
		t.Fatalf("client must not retry internally, saw %d calls", calls)
	}
}
