package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// RasterCompressor downsizes images with x/image and re-encodes them as
// JPEG, lowering quality until the size target is met.
type RasterCompressor struct{}

func NewRasterCompressor() *RasterCompressor {
	return &RasterCompressor{}
}

var jpegQualities = []int{85, 75, 65, 55, 45}

func (c *RasterCompressor) CompressImage(ctx context.Context, f File, opts ImageOptions) (File, error) {
	src, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return File{}, errors.Wrap(err, "decode image")
	}
	opts.OnProgress.report(10)

	dst := fit(src, opts.MaxDimension)
	opts.OnProgress.report(40)

	limit := int(opts.MaxSizeMB * (1 << 20))
	var out []byte
	for i, quality := range jpegQualities {
		if err := ctx.Err(); err != nil {
			return File{}, err
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return File{}, errors.Wrap(err, "encode jpeg")
		}
		out = buf.Bytes()
		opts.OnProgress.report(40 + 60*(i+1)/len(jpegQualities))
		if limit <= 0 || len(out) <= limit {
			break
		}
	}
	opts.OnProgress.report(100)

	return File{
		Name:        jpegName(f.Name),
		ContentType: "image/jpeg",
		Size:        int64(len(out)),
		Data:        out,
	}, nil
}

// fit scales src so its longest side is at most maxDimension and flattens
// transparency onto white.
func fit(src image.Image, maxDimension int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDimension > 0 && (w > maxDimension || h > maxDimension) {
		if w >= h {
			h = h * maxDimension / w
			w = maxDimension
		} else {
			w = w * maxDimension / h
			h = maxDimension
		}
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func jpegName(name string) string {
	if name == "" {
		return "image.jpg"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}
