package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SupabaseStorage talks to the Supabase Storage REST API with a service key.
type SupabaseStorage struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

func NewSupabaseStorage(supabaseURL, serviceKey, bucket string) *SupabaseStorage {
	return &SupabaseStorage{
		baseURL:    strings.TrimRight(supabaseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *SupabaseStorage) objectURL(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, strings.Join(segments, "/"))
}

func (s *SupabaseStorage) do(ctx context.Context, method, path string, body io.Reader, size int64, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", strings.ToLower(method), err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if size > 0 {
		req.ContentLength = size
	}
	return s.httpClient.Do(req)
}

func (s *SupabaseStorage) Upload(ctx context.Context, path string, data io.Reader, size int64, contentType string) error {
	resp, err := s.do(ctx, http.MethodPost, path, data, size, contentType)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *SupabaseStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, path, nil, 0, "")
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: %w", path, ErrNotFound)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, fmt.Errorf("download failed (%d)", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *SupabaseStorage) Delete(ctx context.Context, path string) error {
	resp, err := s.do(ctx, http.MethodDelete, path, nil, 0, "")
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete failed (%d)", resp.StatusCode)
	}
	return nil
}
