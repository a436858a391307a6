package media

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

var boxColor = color.RGBA{R: 255, G: 64, B: 32, A: 255}

// frameToImage converts raw BGR24 frame bytes into an RGBA image.
func frameToImage(f types.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := y * f.Width * 3
		dst := y * img.Stride
		for x := 0; x < f.Width; x++ {
			b := f.Data[src]
			g := f.Data[src+1]
			r := f.Data[src+2]
			img.Pix[dst] = r
			img.Pix[dst+1] = g
			img.Pix[dst+2] = b
			img.Pix[dst+3] = 255
			src += 3
			dst += 4
		}
	}
	return img
}

// drawBox paints a 2px rectangle outline, clamped to the image bounds.
func drawBox(img *image.RGBA, box types.PixelRect) {
	b := box
	b.Clamp(img.Bounds().Dx(), img.Bounds().Dy())
	for t := 0; t < 2; t++ {
		for x := b.X; x < b.X+b.Width; x++ {
			img.Set(x, b.Y+t, boxColor)
			img.Set(x, b.Y+b.Height-1-t, boxColor)
		}
		for y := b.Y; y < b.Y+b.Height; y++ {
			img.Set(b.X+t, y, boxColor)
			img.Set(b.X+b.Width-1-t, y, boxColor)
		}
	}
}

// renderCollage lays annotated frames out in a grid, columns fixed, rows as
// needed. Boxes are paired with frames by index.
func renderCollage(frames []types.Frame, boxes []types.PixelRect, columns int) (*image.RGBA, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames for collage")
	}
	if columns <= 0 {
		columns = 3
	}
	if columns > len(frames) {
		columns = len(frames)
	}

	cellW, cellH := frames[0].Width, frames[0].Height
	rows := (len(frames) + columns - 1) / columns
	canvas := image.NewRGBA(image.Rect(0, 0, cellW*columns, cellH*rows))

	for i, f := range frames {
		cell := frameToImage(f)
		if i < len(boxes) {
			drawBox(cell, boxes[i])
		}
		x := (i % columns) * cellW
		y := (i / columns) * cellH
		draw.Draw(canvas, image.Rect(x, y, x+cellW, y+cellH), cell, image.Point{}, draw.Src)
	}
	return canvas, nil
}

// writeJPEG encodes img to path via the temp-then-promote protocol.
func writeJPEG(img image.Image, path string, minBytes int64) error {
	tmp := tempPath(path)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create collage temp file: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 85}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode collage: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize collage: %w", err)
	}
	return promote(tmp, path, minBytes)
}
