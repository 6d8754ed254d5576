package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

var errEmptyImage = errors.New("empty image body")

// storeThumbnail downloads, validates and stores the thumbnail of catalogID
// and returns the blob URI.
func (r *run) storeThumbnail(ctx context.Context, catalogID, url string) (string, error) {
	if uri, ok := r.w.thumbs.Get(catalogID); ok {
		return uri, nil
	}
	var uri string
	err := r.withRetry(ctx, crawler.RetryThumbnail, url, func(ctx context.Context) error {
		data, err := r.w.deps.Images.FetchImage(ctx, url)
		if err != nil {
			return err
		}
		format, err := checkThumbnail(url, data, r.w.cfg.ThumbnailMinSize)
		if err != nil {
			return err
		}
		uri, err = r.w.deps.Blobs.PutObject(commitCtx(ctx), thumbnailPath(catalogID, format), "image/"+format, data)
		if err != nil {
			return storeErr(fmt.Errorf("put thumbnail %s: %w", catalogID, err))
		}
		if digest, err := r.w.deps.Hasher.Hash(data); err == nil {
			r.logger.Debug("thumbnail stored",
				zap.String("catalog_id", catalogID),
				zap.String("uri", uri),
				zap.String("sha256", digest),
				zap.Int("bytes", len(data)),
			)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	r.w.thumbs.Add(catalogID, uri)
	return uri, nil
}

// checkThumbnail validates data and returns its image format. Each failure
// carries its own error type so the ledger tells them apart.
func checkThumbnail(url string, data []byte, minSize int) (string, error) {
	if len(data) == 0 {
		return "", crawler.Transient(crawler.ErrorTypeThumbnailEmpty, url, errEmptyImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", crawler.Transient(crawler.ErrorTypeThumbnailCorrupt, url, fmt.Errorf("decode image: %w", err))
	}
	if cfg.Width < minSize || cfg.Height < minSize {
		return "", crawler.Transient(crawler.ErrorTypeThumbnailSize, url,
			fmt.Errorf("image is %dx%d, want at least %d px", cfg.Width, cfg.Height, minSize))
	}
	return format, nil
}

func thumbnailPath(catalogID, format string) string {
	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}
	return catalogID + "." + ext
}
