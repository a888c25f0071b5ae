package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picovoice/pkg/logger"
)

const (
	DebertaFile   = "deberta.onnx"
	TokenizerFile = "tokenizer.json"

	assetBaseURL = "https://huggingface.co/googlefan/sbv2_onnx_models/resolve/main/"
)

// Asset is a shared file every local model needs.
type Asset struct {
	Name string
	URL  string
}

// DefaultAssets are the text-embedding model and tokenizer shared by all
// sbv2 models.
func DefaultAssets() []Asset {
	return []Asset{
		{Name: DebertaFile, URL: assetBaseURL + DebertaFile + "?download=true"},
		{Name: TokenizerFile, URL: assetBaseURL + TokenizerFile + "?download=true"},
	}
}

// EnsureAssets downloads any asset missing from dir. Each download goes to a
// temporary file first and is renamed into place only once complete.
func EnsureAssets(ctx context.Context, dir string, assets []Asset, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating asset folder: %w", err)
	}

	for _, a := range assets {
		dst := filepath.Join(dir, a.Name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		logger.InfoCF("local", "Downloading shared asset", map[string]any{
			"asset": a.Name,
			"url":   a.URL,
		})
		n, err := download(ctx, client, a.URL, dst)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", a.Name, err)
		}
		logger.InfoCF("local", "Shared asset ready", map[string]any{
			"asset":      a.Name,
			"size_bytes": n,
		})
	}
	return nil
}

func download(ctx context.Context, client *http.Client, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp := filepath.Join(filepath.Dir(dst), "tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
