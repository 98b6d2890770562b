package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"safegate/internal/config"
	"safegate/internal/logging"
	"safegate/internal/services"
)

type davServer struct {
	mu       sync.Mutex
	puts     []string
	mkcols   []string
	deletes  []string
	shares   int
	failWith int
}

func (s *davServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failWith != 0 {
			w.WriteHeader(s.failWith)
			return
		}
		switch {
		case r.Method == "MKCOL":
			s.mkcols = append(s.mkcols, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut:
			s.puts = append(s.puts, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "files_sharing"):
			if r.Header.Get("OCS-APIRequest") != "true" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.shares++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ocs":{"data":{"url":"https://cloud.example.com/s/tok"}}}`))
		case r.Method == http.MethodDelete:
			s.deletes = append(s.deletes, r.URL.Path)
			if strings.Contains(r.URL.Path, "gone") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newRemote(t *testing.T, server *davServer) (*WebDAVRemote, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)
	remote := NewWebDAVRemote(logging.NewNop(), config.Remote{
		URL:            ts.URL,
		Username:       "gatekeeper",
		Password:       "secret",
		UploadPath:     "safegate-uploads",
		TimeoutSeconds: 5,
	})
	return remote, ts
}

func stageArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stick-20260827.zip")
	if err := os.WriteFile(path, []byte("zip bytes"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestUploadReturnsRemoteRef(t *testing.T) {
	server := &davServer{}
	remote, _ := newRemote(t, server)

	ref, err := remote.Upload(context.Background(), stageArchive(t))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ref != "safegate-uploads/stick-20260827.zip" {
		t.Fatalf("ref = %q", ref)
	}
	if len(server.mkcols) != 1 {
		t.Fatalf("mkcol calls = %v", server.mkcols)
	}
	if len(server.puts) != 1 || !strings.HasSuffix(server.puts[0], "/remote.php/dav/files/gatekeeper/safegate-uploads/stick-20260827.zip") {
		t.Fatalf("put paths = %v", server.puts)
	}
}

func TestCreateShareParsesURL(t *testing.T) {
	server := &davServer{}
	remote, _ := newRemote(t, server)

	url, err := remote.CreateShare(context.Background(), "safegate-uploads/stick.zip")
	if err != nil {
		t.Fatalf("CreateShare failed: %v", err)
	}
	if url != "https://cloud.example.com/s/tok" {
		t.Fatalf("url = %q", url)
	}
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	server := &davServer{}
	remote, _ := newRemote(t, server)

	if err := remote.Delete(context.Background(), "safegate-uploads/gone.zip"); err != nil {
		t.Fatalf("Delete of missing ref must succeed, got %v", err)
	}
	if err := remote.Delete(context.Background(), "safegate-uploads/present.zip"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestUnauthorizedMapsToAuthError(t *testing.T) {
	server := &davServer{failWith: http.StatusUnauthorized}
	remote, _ := newRemote(t, server)

	_, err := remote.Upload(context.Background(), stageArchive(t))
	if !errors.Is(err, services.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("auth errors must not be retryable")
	}
}

func TestServerErrorMapsToTransient(t *testing.T) {
	server := &davServer{failWith: http.StatusServiceUnavailable}
	remote, _ := newRemote(t, server)

	_, err := remote.Upload(context.Background(), stageArchive(t))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestConnectionFailureMapsToTransient(t *testing.T) {
	server := &davServer{}
	remote, ts := newRemote(t, server)
	ts.Close()

	_, err := remote.Upload(context.Background(), stageArchive(t))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient for refused connection, got %v", err)
	}
}
