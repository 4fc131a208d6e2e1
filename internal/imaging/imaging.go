// Package imaging decodes uploaded images and bounds their size before the
// expensive pipeline stages run.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrDecode = errors.New("image could not be decoded")

// RawImage is a decoded pixel buffer. SourceWidth and SourceHeight are the
// dimensions before any bounding resize, so annotation coordinates can be mapped.
// Path is where the bytes matching Format are stored, when the image came from disk.
type RawImage struct {
	Image        image.Image
	Format       string
	Path         string
	SourceWidth  int
	SourceHeight int
}

func (r RawImage) Width() int  { return r.Image.Bounds().Dx() }
func (r RawImage) Height() int { return r.Image.Bounds().Dy() }

// Decode reads any registered format: jpeg, png, gif, webp, bmp, tiff.
func Decode(r io.Reader) (RawImage, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return RawImage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return RawImage{}, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return RawImage{
		Image:        img,
		Format:       format,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
	}, nil
}

// DecodeFile opens and decodes path.
func DecodeFile(path string) (RawImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return RawImage{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	raw, err := Decode(f)
	if err != nil {
		return RawImage{}, err
	}
	raw.Path = path
	return raw, nil
}

// BoundedSize returns the dimensions after bounding w x h so that the larger side
// is at most maxDim. Sizes already within the bound are returned unchanged.
func BoundedSize(w, h, maxDim int) (int, int) {
	larger := max(w, h)
	if larger <= maxDim {
		return w, h
	}
	scale := float64(maxDim) / float64(larger)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	if w >= h {
		nw = maxDim
	} else {
		nh = maxDim
	}
	return nw, nh
}

// BoundDimensions decodes the image stored at path. When its larger side exceeds
// maxDim it is scaled down preserving aspect ratio and rewritten in place. Formats
// without an encoder are rewritten as png next to the original, which is removed;
// the returned Path and Format always describe the stored bytes.
func BoundDimensions(path string, maxDim int) (RawImage, error) {
	raw, err := DecodeFile(path)
	if err != nil {
		return RawImage{}, err
	}

	w, h := raw.Width(), raw.Height()
	nw, nh := BoundedSize(w, h, maxDim)
	if nw == w && nh == h {
		return raw, nil
	}

	raw.Image = resize.Resize(uint(nw), uint(nh), raw.Image, resize.Lanczos3)
	raw.Path, raw.Format = reencodeTarget(path, raw.Format)

	if err := writeAtomic(raw.Path, raw); err != nil {
		return RawImage{}, err
	}
	if raw.Path != path {
		if err := os.Remove(path); err != nil {
			return RawImage{}, fmt.Errorf("remove original image: %w", err)
		}
	}
	return raw, nil
}

// CanEncode reports whether Encode writes format natively.
func CanEncode(format string) bool {
	switch format {
	case "jpeg", "png", "gif", "bmp", "tiff":
		return true
	}
	return false
}

func reencodeTarget(path, format string) (string, string) {
	if CanEncode(format) {
		return path, format
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".png", "png"
}

func writeAtomic(path string, raw RawImage) error {
	var buf bytes.Buffer
	if err := Encode(&buf, raw.Image, raw.Format); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".resize-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write resized image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close resized image: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace image: %w", err)
	}
	return nil
}

// Encode writes img in format. Formats without an encoder (webp) are written as png.
func Encode(w io.Writer, img image.Image, format string) error {
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case "gif":
		err = gif.Encode(w, img, nil)
	case "bmp":
		err = bmp.Encode(w, img)
	case "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = png.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	return nil
}
