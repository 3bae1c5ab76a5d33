package turnstile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	settle "github.com/kalebeat/settle"
)

func TestTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sitekey"); got != "site-1" {
			t.Errorf("expected sitekey query, got %q", got)
		}
		json.NewEncoder(w).Encode(tokenResponse{Token: "tok-abc"})
	}))
	defer srv.Close()

	p, err := NewProvider(Config{URL: srv.URL, SiteKey: "site-1"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-abc" {
		t.Fatalf("unexpected token %q", tok)
	}
}

func TestTokenFailuresAreRetryable(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"empty token", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(tokenResponse{})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p, _ := NewProvider(Config{URL: srv.URL})
			_, err := p.Token(context.Background())
			if !settle.IsKind(err, settle.KindNetwork) {
				t.Fatalf("expected network error, got %v", err)
			}
			if !settle.Retryable(err) {
				t.Fatal("token mint failures must be retryable")
			}
		})
	}
}

func TestStaticToken(t *testing.T) {
	tok, err := Static("dev-token").Token(context.Background())
	if err != nil || tok != "dev-token" {
		t.Fatalf("Static token: %q %v", tok, err)
	}
}
