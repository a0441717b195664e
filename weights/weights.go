package weights

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// Reader downloads a weight object to a local file.
type Reader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, object string, destPath string) error
}

// newReader returns the Reader serving a gs:// bucket.
var newReader = func(bucket string) Reader {
	return &GCSReader{Bucket: bucket}
}

// DefaultCacheDir is where downloaded weights are kept when no cache dir is given.
const DefaultCacheDir = "~/.cache/mtl/weights"

// Fetch returns a local file path holding the weights named by src.
// A plain path is returned as is once it is known to exist. A
// gs://bucket/object URL is downloaded below cacheDir unless already there.
func Fetch(ctx context.Context, src, cacheDir string) (string, error) {
	log := klog.FromContext(ctx)

	if !strings.HasPrefix(src, "gs://") {
		path, err := filepath.Abs(expandHome(src))
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", src, err)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("weights file %q: %w", path, err)
		}
		return path, nil
	}

	bucket, object, err := ParseGCSURL(src)
	if err != nil {
		return "", err
	}
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	destPath := filepath.Join(expandHome(cacheDir), bucket, filepath.FromSlash(object))
	if _, err := os.Stat(destPath); err == nil {
		log.Info("using cached weights", "url", src, "path", destPath)
		return destPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	if err := newReader(bucket).Download(ctx, object, destPath); err != nil {
		return "", fmt.Errorf("fetching %q: %w", src, err)
	}

	return destPath, nil
}

// ParseGCSURL splits gs://bucket/object into its bucket and object key.
func ParseGCSURL(u string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(u, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// URL", u)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%q must have the form gs://<bucket>/<object>", u)
	}
	return bucket, object, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/"))
}

func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
