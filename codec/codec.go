// Package codec reads and writes the image files the command line tool
// works with, and resamples results to arbitrary output scales.
package codec

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
)

// MaxDownloadBytes bounds remote images.
var MaxDownloadBytes int64 = 256 << 20

// DefaultJPEGQuality is used by Save for .jpg and .jpeg outputs.
const DefaultJPEGQuality = 95

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Load decodes an image from a local path or an http(s) URL. PNG, JPEG,
// GIF, WebP, BMP and TIFF are recognised by content.
func Load(ctx context.Context, src string) (image.Image, string, error) {
	var r io.ReadCloser
	if isURL(src) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, "", errdefs.Resource(err, "image request %s", src)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", errdefs.Resource(err, "fetch image %s", src)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", errdefs.Resource(nil, "fetch image %s: %s", src, resp.Status)
		}
		r = resp.Body
	} else {
		f, err := os.Open(filepath.Clean(src))
		if err != nil {
			return nil, "", errdefs.Resource(err, "open image")
		}
		r = f
	}
	defer r.Close()
	return Decode(io.LimitReader(r, MaxDownloadBytes))
}

// Decode decodes any registered format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errdefs.Resource(err, "decode image")
	}
	logging.Logger().Debug("decoded image", "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img, format, nil
}

type encodeFunc func(io.Writer, image.Image) error

var encoders = map[string]encodeFunc{
	".png":  png.Encode,
	".jpg":  encodeJPEG,
	".jpeg": encodeJPEG,
	".gif":  func(w io.Writer, img image.Image) error { return gif.Encode(w, img, nil) },
	".bmp":  bmp.Encode,
	".tif":  encodeTIFF,
	".tiff": encodeTIFF,
}

func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: DefaultJPEGQuality})
}

func encodeTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

func encoderFor(ext string) (encodeFunc, error) {
	enc, ok := encoders[strings.ToLower(ext)]
	if !ok {
		return nil, errdefs.Configuration("unsupported output format %q", ext)
	}
	return enc, nil
}

// Encode writes img in the format named by ext (".png", ".jpg", ".jpeg",
// ".gif", ".bmp", ".tif" or ".tiff").
func Encode(w io.Writer, img image.Image, ext string) error {
	enc, err := encoderFor(ext)
	if err != nil {
		return err
	}
	if err := enc(w, img); err != nil {
		return fmt.Errorf("encode %s: %w", ext, err)
	}
	return nil
}

// Save writes img to path, choosing the format from the extension. The
// file is written next to its destination and renamed into place.
func Save(path string, img image.Image) error {
	ext := filepath.Ext(path)
	if _, err := encoderFor(ext); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".esrgan-*"+ext)
	if err != nil {
		return errdefs.Resource(err, "create output")
	}
	if err := Encode(tmp, img, ext); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Resource(err, "write output")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Resource(err, "write output")
	}
	return nil
}

// Outscale resizes a network result produced at netScale so the final
// image is outscale times the size of the original. Equal scales return img
// unchanged.
func Outscale(img image.Image, netScale int, outscale float64) (image.Image, error) {
	if netScale < 1 || outscale <= 0 {
		return nil, errdefs.Configuration("invalid scales: network x%d, output x%g", netScale, outscale)
	}
	if outscale == float64(netScale) {
		return img, nil
	}
	b := img.Bounds()
	w := uint(float64(b.Dx())/float64(netScale)*outscale + 0.5)
	h := uint(float64(b.Dy())/float64(netScale)*outscale + 0.5)
	if w == 0 || h == 0 {
		return nil, errdefs.Geometry("output scale x%g leaves no pixels", outscale)
	}
	logging.Logger().Debug("resampling output", "from", [2]int{b.Dx(), b.Dy()}, "to", [2]uint{w, h})
	return resize.Resize(w, h, img, resize.Lanczos3), nil
}
