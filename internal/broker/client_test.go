package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fxbot/internal/config"
)

func clientConfig(baseURL, authURL string) config.BrokerConfig {
	return config.BrokerConfig{
		BaseURL:        baseURL,
		AuthURL:        authURL,
		ClientID:       "client",
		ClientSecret:   "secret",
		RequestTimeout: 2 * time.Second,
		TokenLookahead: time.Minute,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, KindAuth},
		{"forbidden", http.StatusForbidden, `{}`, KindAuth},
		{"rate_limited", http.StatusTooManyRequests, `{}`, KindTransient},
		{"server_error", http.StatusBadGateway, `{}`, KindTransient},
		{"bad_request", http.StatusBadRequest, `{"ErrorInfo":{"ErrorCode":"InvalidRequest"}}`, KindValidation},
		{"market_closed", http.StatusBadRequest, `{"ErrorInfo":{"ErrorCode":"MarketClosed","Message":"market closed"}}`, KindMarketClosed},
		{"not_tradable", http.StatusBadRequest, `{"ErrorInfo":{"ErrorCode":"InstrumentNotTradableInMarketState"}}`, KindMarketClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(clientConfig(srv.URL, srv.URL), nil)
			_, err := client.PlaceMarketOrder(context.Background(), "token", OrderRequest{UIC: 21, Amount: 10000, BuySide: true})
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := KindOf(err); got != tc.want {
				t.Errorf("status %d classified as %s, want %s", tc.status, got, tc.want)
			}
		})
	}
}

func TestCallWithRetry_TransientThenSuccess(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Currency":"USD","CashBalance":50000,"TotalValue":50000}`))
	}))
	defer srv.Close()

	client := NewClient(clientConfig(srv.URL, srv.URL), nil)
	balance, err := client.GetBalance(context.Background(), "token")
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if balance.CashBalance != 50000 {
		t.Errorf("unexpected balance: %+v", balance)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestCallWithRetry_ValidationNotRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ErrorInfo":{"ErrorCode":"InvalidRequest"}}`))
	}))
	defer srv.Close()

	client := NewClient(clientConfig(srv.URL, srv.URL), nil)
	_, err := client.GetBalance(context.Background(), "token")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("validation errors must not be retried, got %d attempts", got)
	}
}

func TestPlaceMarketOrder_NoAutoRetry(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(clientConfig(srv.URL, srv.URL), nil)
	_, err := client.PlaceMarketOrder(context.Background(), "token", OrderRequest{UIC: 21, Amount: 10000, BuySide: true})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("order submissions must never auto-retry, got %d attempts", got)
	}
}

func TestAuthenticate_TokenClassification(t *testing.T) {
	t.Run("rejected_credentials_fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		}))
		defer srv.Close()

		client := NewClient(clientConfig(srv.URL, srv.URL), nil)
		_, err := client.Authenticate(context.Background())
		if KindOf(err) != KindAuth {
			t.Errorf("rejected credentials must be fatal, got %v", err)
		}
	})

	t.Run("server_error_transient", func(t *testing.T) {
		var calls int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(clientConfig(srv.URL, srv.URL), nil)
		_, err := client.Authenticate(context.Background())
		if KindOf(err) != KindTransient {
			t.Errorf("server failures must be retryable, got %v", err)
		}
		if got := atomic.LoadInt64(&calls); got != 3 {
			t.Errorf("expected retries to exhaust at 3 attempts, got %d", got)
		}
	})

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Errorf("解析表单失败: %v", err)
			}
			if got := r.Form.Get("grant_type"); got != "client_credentials" {
				t.Errorf("grant_type = %s", got)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","refresh_token":"ref","expires_in":1200}`))
		}))
		defer srv.Close()

		client := NewClient(clientConfig(srv.URL, srv.URL), nil)
		token, err := client.Authenticate(context.Background())
		if err != nil {
			t.Fatalf("Authenticate returned error: %v", err)
		}
		if token.AccessToken != "tok" || token.ExpiresIn != 20*time.Minute {
			t.Errorf("unexpected token: %+v", token)
		}
	})
}

func TestResolveInstrument_Cached(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Data":[{"Identifier":21,"Symbol":"EURUSD"}]}`))
	}))
	defer srv.Close()

	client := NewClient(clientConfig(srv.URL, srv.URL), nil)
	first, err := client.ResolveInstrument(context.Background(), "token", "EURUSD")
	if err != nil {
		t.Fatalf("ResolveInstrument returned error: %v", err)
	}
	second, err := client.ResolveInstrument(context.Background(), "token", "EURUSD")
	if err != nil {
		t.Fatalf("ResolveInstrument returned error: %v", err)
	}
	if first.UIC != 21 || second.UIC != 21 {
		t.Errorf("unexpected UIC: %d, %d", first.UIC, second.UIC)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("second lookup should hit the cache, got %d calls", got)
	}
}

func TestResolveInstrument_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Data":[]}`))
	}))
	defer srv.Close()

	client := NewClient(clientConfig(srv.URL, srv.URL), nil)
	_, err := client.ResolveInstrument(context.Background(), "token", "XXXYYY")
	if KindOf(err) != KindValidation {
		t.Errorf("unknown instrument must be a validation error, got %v", err)
	}
}
