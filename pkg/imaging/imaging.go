// Package imaging holds the grayscale image type consumed by the correlation
// engine, sub-pixel interpolation, and synthetic speckle generation.
//
// Images carry a uuid identity. Device buffers are keyed on that identity,
// so an Image must be treated as immutable once handed to the engine; any
// in-place edit has to be followed by Touch to force a re-upload.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// Errors
var (
	ErrInvalidDimensions = errors.New("imaging: invalid image dimensions")
	ErrPixelCount        = errors.New("imaging: pixel count does not match dimensions")
)

// Interpolation selects the sub-pixel sampling algorithm.
type Interpolation int

const (
	Bilinear Interpolation = iota
	Bicubic
)

func (i Interpolation) String() string {
	if i == Bicubic {
		return "bicubic"
	}
	return "bilinear"
}

// ParseInterpolation accepts "bilinear" or "bicubic".
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bilinear", "linear":
		return Bilinear, nil
	case "bicubic", "cubic":
		return Bicubic, nil
	}
	return Bilinear, fmt.Errorf("imaging: unknown interpolation %q", s)
}

// Image is a row-major float32 intensity buffer in [0, 1].
type Image struct {
	ID     uuid.UUID
	Width  int
	Height int
	Pix    []float32
}

// New allocates a black image.
func New(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return &Image{
		ID:     uuid.New(),
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height),
	}, nil
}

// FromPixels wraps an existing buffer. The buffer is not copied.
func FromPixels(width, height int, pix []float32) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", ErrPixelCount, len(pix), width, height)
	}
	return &Image{ID: uuid.New(), Width: width, Height: height, Pix: pix}, nil
}

// FromImage converts any decoded image to normalised grayscale.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	gray := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	return fromGray16(gray)
}

// FromImageScaled converts and resamples src by factor using Catmull-Rom.
// Factors <= 0 or 1 behave like FromImage.
func FromImageScaled(src image.Image, factor float64) (*Image, error) {
	if factor <= 0 || factor == 1 {
		return FromImage(src)
	}
	b := src.Bounds()
	w := int(math.Round(float64(b.Dx()) * factor))
	h := int(math.Round(float64(b.Dy()) * factor))
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: scale %g of %dx%d", ErrInvalidDimensions, factor, b.Dx(), b.Dy())
	}
	gray := image.NewGray16(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(gray, gray.Bounds(), src, b, draw.Src, nil)
	return fromGray16(gray)
}

func fromGray16(g *image.Gray16) (*Image, error) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out, err := New(w, h)
	if err != nil {
		return nil, err
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = float32(g.Gray16At(x, y).Y) / math.MaxUint16
		}
	}
	return out, nil
}

// ToGray renders the image back into an 8-bit grayscale image.
func (im *Image) ToGray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
	for i, v := range im.Pix {
		g.Pix[i] = uint8(math.Round(float64(clamp01(v)) * 255))
	}
	return g
}

// Touch assigns a fresh identity after an in-place edit.
func (im *Image) Touch() {
	im.ID = uuid.New()
}

// Clone returns a deep copy with a new identity.
func (im *Image) Clone() *Image {
	pix := make([]float32, len(im.Pix))
	copy(pix, im.Pix)
	return &Image{ID: uuid.New(), Width: im.Width, Height: im.Height, Pix: pix}
}

// At returns the pixel at (x, y) clamped to the image edge.
func (im *Image) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= im.Width {
		x = im.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= im.Height {
		y = im.Height - 1
	}
	return im.Pix[y*im.Width+x]
}

// Inside reports whether a sub-pixel location can be interpolated without
// touching clamped edge pixels for the given algorithm.
func (im *Image) Inside(x, y float64, interp Interpolation) bool {
	margin := 0.0
	if interp == Bicubic {
		margin = 1
	}
	return x >= margin && y >= margin &&
		x <= float64(im.Width-1)-margin && y <= float64(im.Height-1)-margin
}

// Sample interpolates the image at a sub-pixel location.
func (im *Image) Sample(x, y float64, interp Interpolation) float64 {
	if interp == Bicubic {
		return im.bicubic(x, y)
	}
	return im.bilinear(x, y)
}

func (im *Image) bilinear(x, y float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	fx := x - x0
	fy := y - y0
	ix, iy := int(x0), int(y0)

	p00 := float64(im.At(ix, iy))
	p10 := float64(im.At(ix+1, iy))
	p01 := float64(im.At(ix, iy+1))
	p11 := float64(im.At(ix+1, iy+1))

	top := p00 + (p10-p00)*fx
	bottom := p01 + (p11-p01)*fx
	return top + (bottom-top)*fy
}

// CubicA is the Keys kernel parameter shared with the generated device code.
const CubicA = -0.5

func cubicWeight(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (CubicA+2)*t*t*t - (CubicA+3)*t*t + 1
	case t < 2:
		return CubicA*t*t*t - 5*CubicA*t*t + 8*CubicA*t - 4*CubicA
	}
	return 0
}

func (im *Image) bicubic(x, y float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	fx := x - x0
	fy := y - y0
	ix, iy := int(x0), int(y0)

	var wx, wy [4]float64
	for k := 0; k < 4; k++ {
		wx[k] = cubicWeight(fx - float64(k-1))
		wy[k] = cubicWeight(fy - float64(k-1))
	}

	var v float64
	for j := 0; j < 4; j++ {
		var row float64
		for i := 0; i < 4; i++ {
			row += wx[i] * float64(im.At(ix+i-1, iy+j-1))
		}
		v += wy[j] * row
	}
	return v
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
