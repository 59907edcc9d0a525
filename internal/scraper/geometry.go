package scraper

import (
	"math"
)

// CropFraction is the auto-crop region as fractions of the preview, each in
// [0,1] with End >= Start.
type CropFraction struct {
	StartX float64 `json:"start_x"`
	StartY float64 `json:"start_y"`
	EndX   float64 `json:"end_x"`
	EndY   float64 `json:"end_y"`
}

func FullFraction() CropFraction {
	return CropFraction{StartX: 0, StartY: 0, EndX: 1, EndY: 1}
}

func (f CropFraction) IsFull() bool {
	return f == FullFraction()
}

// MaskGeometry is the raw style geometry of the auto-crop mask and its parent,
// in CSS pixels.
type MaskGeometry struct {
	ParentWidth  float64 `json:"parentW"`
	ParentHeight float64 `json:"parentH"`
	Left         float64 `json:"left"`
	Top          float64 `json:"top"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
}

// Fraction converts the mask geometry into a CropFraction. It reports false
// when the parent has no usable size.
func (m MaskGeometry) Fraction() (CropFraction, bool) {
	if !(m.ParentWidth > 0) || !(m.ParentHeight > 0) {
		return CropFraction{}, false
	}

	f := CropFraction{
		StartX: clamp01(m.Left / m.ParentWidth),
		StartY: clamp01(m.Top / m.ParentHeight),
		EndX:   clamp01((m.Left + m.Width) / m.ParentWidth),
		EndY:   clamp01((m.Top + m.Height) / m.ParentHeight),
	}
	if f.EndX < f.StartX {
		f.EndX = f.StartX
	}
	if f.EndY < f.StartY {
		f.EndY = f.StartY
	}
	return f, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type Point struct {
	X float64
	Y float64
}

type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Drag moves one crop handle from From to To.
type Drag struct {
	From Point
	To   Point
}

// PlanDrags returns the two corner drags that expand the crop region to the
// whole canvas. Handles are located from the fraction and grabbed inset pixels
// inside the region; targets sit inset pixels inside the canvas edges.
func PlanDrags(canvas Box, f CropFraction, inset float64) [2]Drag {
	topLeft := Drag{
		From: Point{
			X: canvas.X + canvas.Width*f.StartX + inset,
			Y: canvas.Y + canvas.Height*f.StartY + inset,
		},
		To: Point{X: canvas.X + inset, Y: canvas.Y + inset},
	}
	bottomRight := Drag{
		From: Point{
			X: canvas.X + canvas.Width*f.EndX - inset,
			Y: canvas.Y + canvas.Height*f.EndY - inset,
		},
		To: Point{X: canvas.X + canvas.Width - inset, Y: canvas.Y + canvas.Height - inset},
	}
	return [2]Drag{topLeft, bottomRight}
}
