package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/signalsfoundry/telescope-mc/model"
)

// DefaultDelayValidity is the span each delay polynomial is fitted over.
const DefaultDelayValidity = 10 * time.Second

// ErrUnknownReceptor is returned when a receptor has no known location.
var ErrUnknownReceptor = errors.New("unknown receptor")

// ReceptorLocator resolves the position of a receptor.
type ReceptorLocator interface {
	Location(id model.ReceptorID) (Geodetic, bool)
}

// DelayCalculator computes the delay polynomial of one receptor/FSP pair.
type DelayCalculator interface {
	DelayPoly(receptor model.ReceptorID, fsid int, target Target, epoch time.Time) ([]float64, error)
}

// GeometricDelayModel derives delays from the projection of each receptor's
// baseline against the array reference position onto the source direction.
// Coefficients are in seconds, for a polynomial in seconds since epoch.
type GeometricDelayModel struct {
	Reference Geodetic
	Locator   ReceptorLocator
	Validity  time.Duration
}

// NewGeometricDelayModel builds a delay model with the default validity span.
func NewGeometricDelayModel(reference Geodetic, locator ReceptorLocator) *GeometricDelayModel {
	return &GeometricDelayModel{Reference: reference, Locator: locator, Validity: DefaultDelayValidity}
}

// DelayPoly implements DelayCalculator. The geometric delay is identical for
// every frequency slice; fsid only selects where the result is published.
func (m *GeometricDelayModel) DelayPoly(receptor model.ReceptorID, fsid int, target Target, epoch time.Time) ([]float64, error) {
	if fsid < model.MinFSPID || fsid > model.MaxFSPID {
		return nil, model.InvalidArgument("fsid %d out of range", fsid)
	}
	loc, ok := m.Locator.Location(receptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReceptor, receptor)
	}
	baseline := loc.ECEF().Sub(m.Reference.ECEF())

	validity := m.Validity
	if validity <= 0 {
		validity = DefaultDelayValidity
	}

	var xs, ys [model.DelayCoeffCount]float64
	step := validity.Seconds() / float64(model.DelayCoeffCount-1)
	for k := 0; k < model.DelayCoeffCount; k++ {
		offset := float64(k) * step
		at := epoch.Add(time.Duration(offset * float64(time.Second)))
		dir, err := m.direction(target, at)
		if err != nil {
			return nil, err
		}
		xs[k] = offset
		ys[k] = -baseline.Dot(dir) / SpeedOfLight
	}
	return fitPolynomial(xs[:], ys[:])
}

func (m *GeometricDelayModel) direction(target Target, at time.Time) (mgl64.Vec3, error) {
	switch target.Frame {
	case model.FrameICRS:
		return SourceDirection(target.RADeg, target.DecDeg, at), nil
	case model.FrameHorizon:
		return m.Reference.AzElToDirection(target.AzDeg, target.ElDeg), nil
	}
	return mgl64.Vec3{}, model.InvalidArgument("unsupported reference frame %q", target.Frame)
}

// fitPolynomial solves the Vandermonde system through len(xs) points and
// returns the coefficients lowest order first.
func fitPolynomial(xs, ys []float64) ([]float64, error) {
	n := len(xs)
	a := make([][]float64, n)
	for i := range a {
		row := make([]float64, n+1)
		p := 1.0
		for j := 0; j < n; j++ {
			row[j] = p
			p *= xs[i]
		}
		row[n] = ys[i]
		a[i] = row
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-300 {
			return nil, errors.New("singular sample set")
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	coeffs := make([]float64, n)
	for i := 0; i < n; i++ {
		coeffs[i] = a[i][n] / a[i][i]
	}
	return coeffs, nil
}

// EvalPolynomial evaluates coefficients (lowest order first) at x.
func EvalPolynomial(coeffs []float64, x float64) float64 {
	var y float64
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = y*x + coeffs[i]
	}
	return y
}
