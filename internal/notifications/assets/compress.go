package assets

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	// MaxImageWidth bounds the width of stored photos.
	MaxImageWidth = 1000
	// JPEGQuality is the re-encode quality of stored photos.
	JPEGQuality = 75
)

// Compress scales a photo down to MaxImageWidth and re-encodes it as JPEG.
// Input that cannot be decoded is returned unchanged along with ok=false.
func Compress(data []byte) (out []byte, ok bool) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, false
	}

	img := src
	b := src.Bounds()
	if b.Dx() > MaxImageWidth {
		h := b.Dy() * MaxImageWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, MaxImageWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return data, false
	}
	return buf.Bytes(), true
}
