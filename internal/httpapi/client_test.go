package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcdev12/typerace/internal/protocol"
)

func TestBearerTokenAttached(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(protocol.GameStatePayload{GameID: "g1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, Credentials{AccessToken: "tok-1"})
	if _, err := client.GetGame(context.Background(), "g1"); err != nil {
		t.Fatalf("get game: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	const clients = 5

	var refreshCalls atomic.Int64
	var current atomic.Value
	current.Store("expired")

	// Barrier so every request hits its 401 before any of them starts
	// the refresh; the slow refresh handler then keeps the flight open
	// while the rest pile in.
	var arrivals atomic.Int64
	allArrived := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(100 * time.Millisecond)
		current.Store("fresh")
		json.NewEncoder(w).Encode(Credentials{AccessToken: "fresh", RefreshToken: "refresh-2"})
	})
	mux.HandleFunc("GET /api/games/{id}", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != current.Load().(string) {
			if arrivals.Add(1) == clients {
				close(allArrived)
			}
			<-allArrived
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(protocol.GameStatePayload{GameID: r.PathValue("id")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, Credentials{AccessToken: "stale", RefreshToken: "refresh-1"})

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetGame(context.Background(), "g1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed after refresh: %v", err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}

	// The refreshed pair is retained for later requests.
	if _, err := client.GetGame(context.Background(), "g1"); err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("follow-up request refreshed again: %d calls", got)
	}
}

func TestRefreshFailureSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refresh token revoked", http.StatusForbidden)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, Credentials{AccessToken: "stale", RefreshToken: "revoked"})
	_, err := client.GetGame(context.Background(), "g1")
	if err == nil || !strings.Contains(err.Error(), "refresh") {
		t.Fatalf("expected refresh error, got %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/api/ws/g1"},
		{base: "https://race.example.com", want: "wss://race.example.com/api/ws/g1"},
	}
	for _, tt := range tests {
		client := NewClient(tt.base, Credentials{})
		if got := client.SocketURL("g1"); got != tt.want {
			t.Fatalf("SocketURL(%s) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "game is full", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, Credentials{AccessToken: "tok"})
	_, err := client.JoinGame(context.Background(), "g1", "alice")
	if err == nil || !strings.Contains(err.Error(), "game is full") {
		t.Fatalf("expected error carrying server detail, got %v", err)
	}
}
