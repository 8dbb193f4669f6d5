// Package kernels holds the scalar and vector numeric routines used by the
// forward pass and the sampler.
package kernels

import (
	"fmt"
	"math"
	"strings"
)

const (
	pi    = float32(math.Pi)
	log2e = float32(1.4426950408889634)
)

// Math is the scalar kernel set used by the forward pass. Poly trades
// accuracy for a handful of multiplies and Native defers to the math
// package.
type Math interface {
	Sin(x float32) float32
	Cos(x float32) float32
	Exp(x float32) float32
	Dot(a, b []float32) float32
}

type Poly struct{}

func (Poly) Sin(x float32) float32 { return Sin(x) }
func (Poly) Cos(x float32) float32 { return Cos(x) }
func (Poly) Exp(x float32) float32 { return Exp(x) }
func (Poly) Dot(a, b []float32) float32 { return Dot(a, b) }

type Native struct{}

func (Native) Sin(x float32) float32 { return float32(math.Sin(float64(x))) }
func (Native) Cos(x float32) float32 { return float32(math.Cos(float64(x))) }
func (Native) Exp(x float32) float32 { return float32(math.Exp(float64(x))) }
func (Native) Dot(a, b []float32) float32 { return Dot(a, b) }

// LUT multiplies through MulLUT in every dot product.
type LUT struct{ Poly }

func (LUT) Dot(a, b []float32) float32 { return DotLUT(a, b) }

// ByName returns the implementation called "poly", "native" or "lut".
func ByName(name string) (Math, error) {
	switch strings.ToLower(name) {
	case "", "poly":
		return Poly{}, nil
	case "native":
		return Native{}, nil
	case "lut":
		return LUT{}, nil
	}
	return nil, fmt.Errorf("kernels: unknown math %q (want poly, native or lut)", name)
}

func floor32(x float32) float32 { return float32(math.Floor(float64(x))) }

// Sin approximates sin(x). Small arguments use the Taylor series to x^5;
// the rest are reduced to a quarter turn and fed to a sixth-order odd
// polynomial in the turn fraction.
func Sin(x float32) float32 {
	if x > -0.5 && x < 0.5 {
		x2 := x * x
		return x * (1 - x2*(1.0/6-x2/120))
	}
	m := float32(1)
	if x < 0 {
		m = -1
		x = -x
	}
	g := x * (0.5 / pi)
	g -= floor32(g)
	if g >= 0.5 {
		m = -m
		g -= 0.5
	}
	if g >= 0.25 {
		g = 0.5 - g
	}
	g2 := g * g
	return m * g * (((((-14.381390672*g2+42.007797122)*g2-76.704170257)*g2+81.605223686)*g2-41.341702104)*g2 + 6.2831853069)
}

// Cos is Sin shifted by a quarter turn.
func Cos(x float32) float32 { return Sin(x + 0.5*pi) }

// Exp approximates e^x as 2^i * p(f) where x*log2(e) = i + f, 0 <= f < 1.
func Exp(x float32) float32 {
	if x != x {
		return x
	}
	x *= log2e
	if x < -126 {
		return 0
	}
	if x >= 128 {
		return float32(math.Inf(1))
	}
	xi := floor32(x)
	f := x - xi
	p := ((((((2.1498763701e-5*f+1.4352314037e-4)*f+1.3422634825e-3)*f+9.6140170135e-3)*f+5.5505126860e-2)*f+0.24022638460)*f+0.69314718618)*f + 1.0
	return p * math.Float32frombits(uint32(int32(xi)+127)<<23)
}
