package heatmap

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
)

// maxAlpha caps overlay opacity so the leaf stays visible underneath.
const maxAlpha = 0.45

// RenderOverlay upsamples the activation map to the base image resolution,
// maps intensity through a color ramp and alpha-composites it over the
// base. Healthy predictions use a calm green ramp; disease predictions a
// red-to-yellow warning ramp. The branch is part of the diagnostic meaning
// shown to growers, not a styling choice.
func RenderOverlay(cam [][]float64, base image.Image, healthy bool) (image.Image, error) {
	if len(cam) == 0 || len(cam[0]) == 0 {
		return nil, apperrors.New(apperrors.ErrInference, "empty activation map")
	}

	out := imaging.Clone(base)
	bounds := out.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, apperrors.New(apperrors.ErrInference, "empty base image")
	}

	camH, camW := len(cam), len(cam[0])

	for y := 0; y < h; y++ {
		fy := 0.0
		if h > 1 {
			fy = float64(y) / float64(h-1) * float64(camH-1)
		}
		for x := 0; x < w; x++ {
			fx := 0.0
			if w > 1 {
				fx = float64(x) / float64(w-1) * float64(camW-1)
			}

			intensity := bilinear(cam, fx, fy)
			if intensity <= 0 {
				continue
			}

			ramp := warningRamp(intensity)
			if healthy {
				ramp = neutralRamp(intensity)
			}

			alpha := intensity * maxAlpha
			px := out.NRGBAAt(x, y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(px.R, ramp.R, alpha),
				G: blend(px.G, ramp.G, alpha),
				B: blend(px.B, ramp.B, alpha),
				A: px.A,
			})
		}
	}
	return out, nil
}

// warningRamp maps intensity to yellow (low) through red (high).
func warningRamp(v float64) color.NRGBA {
	return color.NRGBA{
		R: 255,
		G: uint8(200 * (1 - v)),
		B: 0,
		A: 255,
	}
}

// neutralRamp maps intensity to a green/teal tone for healthy leaves.
func neutralRamp(v float64) color.NRGBA {
	return color.NRGBA{
		R: 0,
		G: uint8(160 + 95*v),
		B: uint8(120 * (1 - v)),
		A: 255,
	}
}

func blend(base, over uint8, alpha float64) uint8 {
	v := float64(base)*(1-alpha) + float64(over)*alpha
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}

// bilinear samples the activation map at fractional coordinates.
func bilinear(cam [][]float64, fx, fy float64) float64 {
	h, w := len(cam), len(cam[0])

	x0, y0 := int(fx), int(fy)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}

	dx, dy := fx-float64(x0), fy-float64(y0)

	top := cam[y0][x0]*(1-dx) + cam[y0][x1]*dx
	bottom := cam[y1][x0]*(1-dx) + cam[y1][x1]*dx
	return top*(1-dy) + bottom*dy
}
