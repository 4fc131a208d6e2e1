package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var ErrNoWeights = errors.New("model weights not found")

// EnsureWeights downloads url to path when path does not exist yet.
func EnsureWeights(ctx context.Context, client *http.Client, path, url string, logger *slog.Logger) error {
	_, err := os.Stat(path)
	if err == nil {
		logger.Debug("model.weights_present", "path", path)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat weights: %w", err)
	}
	if url == "" {
		return fmt.Errorf("%w at %s and no download URL is configured", ErrNoWeights, path)
	}

	logger.Info("model.weights_download_started", "url", url, "path", path)
	start := time.Now()
	n, err := FetchWeights(ctx, client, url, path)
	if err != nil {
		logger.Error("model.weights_download_failed", "url", url, "error", err)
		return err
	}
	logger.Info("model.weights_downloaded", "path", path, "bytes", n, "took", time.Since(start))
	return nil
}

// FetchWeights streams url into path. The file only appears once complete.
func FetchWeights(ctx context.Context, client *http.Client, url, path string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build weights request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download weights: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download weights: unexpected status %s", resp.Status)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create weights directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".weights-*")
	if err != nil {
		return 0, fmt.Errorf("create temp weights file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write weights: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close weights: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("install weights: %w", err)
	}
	return n, nil
}
