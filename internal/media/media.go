// Package media inspects uploaded images and renders their thumbnails.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"invisimark/internal/models"
)

const ThumbnailSize = 100

var allowed = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Sniff detects the content type from the file header and returns the
// canonical extension. Unsupported types wrap models.ErrInvalidInput.
func Sniff(head []byte) (contentType, ext string, err error) {
	contentType = http.DetectContentType(head)
	ext, ok := allowed[contentType]
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported image type %q", models.ErrInvalidInput, contentType)
	}
	return contentType, ext, nil
}

type Info struct {
	Width  int
	Height int
	Format string
}

func Probe(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: cannot decode image: %v", models.ErrInvalidInput, err)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Thumbnail writes a JPEG thumbnail of data, cropped to a square.
func Thumbnail(data []byte, w io.Writer) error {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: cannot decode image: %v", models.ErrInvalidInput, err)
	}
	thumb := imaging.Thumbnail(src, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	return imaging.Encode(w, thumb, imaging.JPEG, imaging.JPEGQuality(85))
}
