package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atmx/bondsim/internal/config"
	"github.com/atmx/bondsim/internal/store"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetFlags(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	seed := fs.Uint64("seed", 0, "")
	fs.Int("steps", 0, "")
	if err := fs.Parse([]string{"-seed", "0"}); err != nil {
		t.Fatal(err)
	}
	set := setFlags(fs)
	if !set["seed"] || *seed != 0 {
		t.Errorf("explicit -seed 0 not seen as set: %v", set)
	}
	if set["steps"] {
		t.Error("steps was never given")
	}
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		origins []string
		origin  string
		method  string
		code    int
		allow   string
	}{
		{"listed origin", []string{"http://a.test"}, "http://a.test", "GET", http.StatusOK, "http://a.test"},
		{"unlisted origin", []string{"http://a.test"}, "http://b.test", "GET", http.StatusOK, ""},
		{"wildcard", []string{"*"}, "http://b.test", "GET", http.StatusOK, "*"},
		{"preflight", []string{"http://a.test"}, "http://a.test", "OPTIONS", http.StatusNoContent, "http://a.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/runs", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			cors(tt.origins)(ok).ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Errorf("code = %d, want %d", w.Code, tt.code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("allow origin = %q, want %q", got, tt.allow)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if _, ok := st.(*store.MemoryStore); !ok {
		t.Errorf("memory driver returned %T", st)
	}

	st, closeFn, err = openStore(context.Background(), config.StoreConfig{Driver: "badger", BadgerDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := st.(*store.BadgerStore); !ok {
		t.Errorf("badger driver returned %T", st)
	}
}
