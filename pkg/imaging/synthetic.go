package imaging

import (
	"math"
	"math/rand/v2"
)

// SpeckleOptions controls the synthetic speckle generator.
type SpeckleOptions struct {
	Width   int
	Height  int
	Seed    uint64
	Density float64 // speckles per pixel
	Radius  float64 // gaussian radius of one speckle in pixels
}

// DefaultSpeckleOptions returns a pattern with good correlation contrast
// for subsets of radius 7 and up.
func DefaultSpeckleOptions(width, height int) SpeckleOptions {
	return SpeckleOptions{
		Width:   width,
		Height:  height,
		Seed:    1,
		Density: 0.04,
		Radius:  2.0,
	}
}

// Speckle renders a deterministic random speckle pattern.
func Speckle(opts SpeckleOptions) (*Image, error) {
	im, err := New(opts.Width, opts.Height)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	count := int(opts.Density * float64(opts.Width*opts.Height))
	if count < 1 {
		count = 1
	}
	radius := opts.Radius
	if radius <= 0 {
		radius = 2
	}
	reach := int(math.Ceil(3 * radius))
	inv := 1 / (2 * radius * radius)

	acc := make([]float64, len(im.Pix))
	for s := 0; s < count; s++ {
		cx := rng.Float64() * float64(opts.Width)
		cy := rng.Float64() * float64(opts.Height)
		amp := 0.5 + 0.5*rng.Float64()
		for y := int(cy) - reach; y <= int(cy)+reach; y++ {
			if y < 0 || y >= opts.Height {
				continue
			}
			for x := int(cx) - reach; x <= int(cx)+reach; x++ {
				if x < 0 || x >= opts.Width {
					continue
				}
				dx := float64(x) - cx
				dy := float64(y) - cy
				acc[y*opts.Width+x] += amp * math.Exp(-(dx*dx+dy*dy)*inv)
			}
		}
	}
	for i, v := range acc {
		im.Pix[i] = float32(1 - math.Exp(-v))
	}
	return im, nil
}

// Shift returns a copy translated by (dx, dy) pixels so that the content at
// (x, y) in im appears at (x+dx, y+dy). Uncovered pixels repeat the edge.
func (im *Image) Shift(dx, dy int) *Image {
	out := &Image{Width: im.Width, Height: im.Height, Pix: make([]float32, len(im.Pix))}
	out.Touch()
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			out.Pix[y*im.Width+x] = im.At(x-dx, y-dy)
		}
	}
	return out
}

// Warp resamples im through an inverse mapping: the output pixel (x, y)
// takes the value of im at inverse(x, y).
func (im *Image) Warp(inverse func(x, y float64) (float64, float64), interp Interpolation) *Image {
	out := &Image{Width: im.Width, Height: im.Height, Pix: make([]float32, len(im.Pix))}
	out.Touch()
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			sx, sy := inverse(float64(x), float64(y))
			out.Pix[y*im.Width+x] = float32(im.Sample(sx, sy, interp))
		}
	}
	return out
}
