package fileserver

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"strconv"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	thumbDefault = 256
	thumbMin     = 16
	thumbMax     = 1024
)

// thumbSize reads the ?thumb= value; an empty value means the default.
func thumbSize(v string) (int, bool) {
	if v == "" {
		return thumbDefault, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < thumbMin || n > thumbMax {
		return 0, false
	}
	return n, true
}

// makeThumb decodes the image at absPath and returns a JPEG whose longest
// side is at most max pixels. Smaller images are re-encoded, not enlarged.
func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	nw, nh := fit(w, h, max)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func fit(w, h, max int) (int, int) {
	nw, nh := w, h
	switch {
	case w >= h && w > max:
		nw = max
		nh = int(float64(h) * float64(max) / float64(w))
	case h > w && h > max:
		nh = max
		nw = int(float64(w) * float64(max) / float64(h))
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
