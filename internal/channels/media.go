package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// DefaultMediaMaxBytes is the default max media fetch size (20MB).
	DefaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// maxImageDim is the longest image side platforms reliably accept.
	maxImageDim = 2048

	// jpegQuality for re-encoded images.
	jpegQuality = 85
)

// FetchMedia resolves a media reference to a local file path. http(s) URLs
// are downloaded to a temp file bounded by maxBytes; anything else is
// treated as a local path and checked for existence. cleanup removes the
// temp file and is a no-op for local paths; callers must always invoke it.
func FetchMedia(ctx context.Context, ref string, maxBytes int64) (string, func(), error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}
	noop := func() {}

	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if _, err := os.Stat(ref); err != nil {
			return "", noop, fmt.Errorf("media file %s: %w", ref, err)
		}
		return ref, noop, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", noop, fmt.Errorf("media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", noop, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", noop, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	ext := mediaExt(ref)
	tmpFile, err := os.CreateTemp("", "switchyard_media_*"+ext)
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	// Copy with size limit
	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", noop, fmt.Errorf("save media: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", noop, fmt.Errorf("media exceeds max size during download: %d bytes", written)
	}

	name := tmpFile.Name()
	return name, func() { os.Remove(name) }, nil
}

// mediaExt extracts a usable file extension from a media URL.
func mediaExt(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ".bin"
	}
	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	return ext
}

// DownscaleImage re-encodes an image as JPEG with the longest side capped at
// maxImageDim, stripping metadata in the process. Returns the original path
// unchanged when the file is not a decodable image (e.g. a PDF sent as
// media), so callers can pass any fetched media through it.
func DownscaleImage(srcPath string) (string, func(), error) {
	noop := func() {}

	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return srcPath, noop, nil
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	out, err := os.CreateTemp("", "switchyard_img_*.jpg")
	if err != nil {
		return "", noop, fmt.Errorf("create temp image: %w", err)
	}
	defer out.Close()

	if err := imaging.Encode(out, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		os.Remove(out.Name())
		return "", noop, fmt.Errorf("encode image: %w", err)
	}

	name := out.Name()
	return name, func() { os.Remove(name) }, nil
}

// IsImageMIME reports whether a MIME type names an image format the
// downscaler can handle.
func IsImageMIME(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff":
		return true
	}
	return false
}
