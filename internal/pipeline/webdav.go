package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"safegate/internal/config"
	"safegate/internal/logging"
	"safegate/internal/services"
)

// WebDAVRemote talks to a Nextcloud-style server: WebDAV for file
// operations, the OCS API for share links. A remote ref is the path below
// the user's file root, e.g. "safegate-uploads/stick-20260827.zip".
type WebDAVRemote struct {
	baseURL    string
	username   string
	password   string
	uploadPath string
	client     *http.Client
	logger     *slog.Logger
}

// NewWebDAVRemote builds the remote from configuration.
func NewWebDAVRemote(logger *slog.Logger, cfg config.Remote) *WebDAVRemote {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebDAVRemote{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		uploadPath: strings.Trim(cfg.UploadPath, "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(logger, "remote"),
	}
}

func (r *WebDAVRemote) davURL(remoteRef string) string {
	encoded := (&url.URL{Path: path.Join("remote.php/dav/files", r.username, remoteRef)}).EscapedPath()
	return r.baseURL + "/" + strings.TrimPrefix(encoded, "/")
}

func (r *WebDAVRemote) do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(r.username, r.password)
	resp, err := r.client.Do(req)
	if err != nil {
		// Connection failures and client timeouts are worth a retry.
		return nil, services.Wrap(services.ErrTransient, "remote", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func classifyStatus(operation string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "remote", operation, resp.Status, nil)
	case resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "remote", operation, resp.Status, nil)
	default:
		return fmt.Errorf("remote: %s: unexpected status %s", operation, resp.Status)
	}
}

// Upload PUTs the archive below the configured upload path, creating the
// collection first, and returns the remote ref.
func (r *WebDAVRemote) Upload(ctx context.Context, archivePath string) (string, error) {
	if err := r.ensureCollection(ctx); err != nil {
		return "", err
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}

	remoteRef := path.Join(r.uploadPath, path.Base(archivePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.davURL(remoteRef), file)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/zip")

	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", classifyStatus("upload", resp)
	}
	return remoteRef, nil
}

// ensureCollection issues MKCOL for the upload path. 405 means it already
// exists, which is fine.
func (r *WebDAVRemote) ensureCollection(ctx context.Context) error {
	if r.uploadPath == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "MKCOL", r.davURL(r.uploadPath), nil)
	if err != nil {
		return fmt.Errorf("build mkcol request: %w", err)
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusMethodNotAllowed:
		return nil
	default:
		return classifyStatus("mkcol", resp)
	}
}

const publicShareType = "3"

// CreateShare requests a public link for the uploaded file via the OCS
// share API.
func (r *WebDAVRemote) CreateShare(ctx context.Context, remoteRef string) (string, error) {
	form := url.Values{
		"path":      {"/" + strings.TrimPrefix(remoteRef, "/")},
		"shareType": {publicShareType},
	}
	endpoint := r.baseURL + "/ocs/v2.php/apps/files_sharing/api/v1/shares?format=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build share request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("OCS-APIRequest", "true")

	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("create share", resp)
	}

	var payload struct {
		OCS struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"ocs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode share response: %w", err)
	}
	if payload.OCS.Data.URL == "" {
		return "", fmt.Errorf("share response carried no url")
	}
	r.logger.Info("share link created", logging.String(logging.FieldRemoteRef, remoteRef))
	return payload.OCS.Data.URL, nil
}

// Delete removes an uploaded file. A 404 counts as success so replayed
// deletions stay idempotent.
func (r *WebDAVRemote) Delete(ctx context.Context, remoteRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.davURL(remoteRef), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "remote", "delete", resp.Status, nil)
	default:
		return services.Wrap(services.ErrDeleteFailed, "remote", "delete", resp.Status, nil)
	}
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
