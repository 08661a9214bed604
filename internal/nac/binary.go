package nac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// The vendor binary cannot be redistributed with this repository, so
// it is cached on disk and fetched from the known mirror on first use.
// The pinned digest guards against a tampered or truncated download;
// the emulation would otherwise produce a silently wrong attestation.
const (
	binaryURL    = "https://github.com/JJTech0130/nacserver/raw/main/IMDAppleServices"
	binarySHA256 = "0f5af3bfd934751ba03161f0384ba257ca1b6269ca4f72d41f1f3b5ad9f4bd15"

	binaryFetchTimeout = 2 * time.Minute
)

// DefaultBinaryPath returns the cache location of the vendor binary.
func DefaultBinaryPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("nac: resolve cache dir: %w", err)
	}
	return filepath.Join(dir, "rustpush", "IMDAppleServices"), nil
}

// EnsureBinary returns the raw bytes of the vendor binary, downloading
// it into path first when missing. The digest is verified either way.
func EnsureBinary(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if data, err = fetchBinary(ctx, path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("nac: read vendor binary: %w", err)
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != binarySHA256 {
		return nil, fmt.Errorf("nac: vendor binary digest mismatch: got %s, want %s", got, binarySHA256)
	}
	return data, nil
}

func fetchBinary(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, binaryFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binaryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("nac: build binary request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nac: fetch vendor binary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nac: fetch vendor binary: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nac: read vendor binary body: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("nac: create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("nac: cache vendor binary: %w", err)
	}
	return data, nil
}
