package hub

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/openfluke/esrgan/errdefs"
)

func newTestFetcher(t *testing.T, h http.Handler) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &Fetcher{
		BaseURL:  srv.URL,
		Repo:     "owner/model",
		CacheDir: t.TempDir(),
		Client:   srv.Client(),
	}
}

func TestWeightsFile(t *testing.T) {
	tests := []struct {
		scale int
		want  string
	}{
		{2, "RealESRGAN_x2.pth"},
		{4, "RealESRGAN_x4.pth"},
		{8, "RealESRGAN_x8.pth"},
	}
	for _, tc := range tests {
		if got := WeightsFile(tc.scale); got != tc.want {
			t.Errorf("WeightsFile(%d) = %q, want %q", tc.scale, got, tc.want)
		}
	}
}

func TestURL(t *testing.T) {
	f := &Fetcher{BaseURL: "https://example.com/", Repo: "a/b"}
	if got, want := f.URL("w.bin"), "https://example.com/a/b/resolve/main/w.bin"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestFetchCachesDownload(t *testing.T) {
	payload := []byte("weights-bytes")
	var hits atomic.Int32
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/owner/model/resolve/main/w.safetensors" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write(payload)
	}))
	f.Token = "secret"

	for i := 0; i < 2; i++ {
		path, err := f.Fetch(context.Background(), "w.safetensors")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("cached %q, want %q", got, payload)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestFetchDecompressesZstd(t *testing.T) {
	payload := bytes.Repeat([]byte("rrdb"), 1000)
	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write(payload)
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(compressed.Bytes())
	}))
	path, err := f.Fetch(context.Background(), "w.safetensors")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, payload) {
		t.Errorf("decompressed %d bytes, want %d", len(got), len(payload))
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, tt.handler)
			_, err := f.Fetch(context.Background(), "w.safetensors")
			if !errors.Is(err, errdefs.ErrResource) {
				t.Fatalf("expected ErrResource, got %v", err)
			}
			if _, err := os.Stat(f.Path("w.safetensors")); !os.IsNotExist(err) {
				t.Error("failed download left a cache entry")
			}
		})
	}
}

func TestFetchCancelled(t *testing.T) {
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "w.safetensors"); !errors.Is(err, errdefs.ErrResource) {
		t.Errorf("expected ErrResource, got %v", err)
	}
}

func TestNewFetcherEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvCacheDir, dir)
	t.Setenv(EnvToken, "tok")
	t.Setenv(EnvBaseURL, "http://mirror.local")
	f, err := NewFetcher()
	if err != nil {
		t.Fatal(err)
	}
	if f.CacheDir != dir || f.Token != "tok" || f.BaseURL != "http://mirror.local" || f.Repo != DefaultRepo {
		t.Errorf("fetcher = %+v", f)
	}
}
