package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/telescope-mc/model"
)

// Target is a pointing target with angles already parsed, in degrees.
type Target struct {
	Frame  string
	Name   string
	RADeg  float64
	DecDeg float64
	AzDeg  float64
	ElDeg  float64
}

// ResolveTarget parses a wire target. Errors wrap model.ErrInvalidArgument.
func ResolveTarget(t model.Target) (Target, error) {
	out := Target{Frame: t.Frame(), Name: t.DisplayName()}
	switch out.Frame {
	case model.FrameICRS:
		if t.RA == "" || t.Dec == "" {
			return Target{}, model.InvalidArgument("ICRS target requires ra and dec")
		}
		ra, err := ParseRA(t.RA)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
		}
		dec, err := ParseDec(t.Dec)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
		}
		out.RADeg, out.DecDeg = ra, dec
	case model.FrameHorizon:
		if t.El < -90 || t.El > 90 {
			return Target{}, model.InvalidArgument("horizon target elevation %.3f outside [-90, 90]", t.El)
		}
		out.AzDeg = math.Mod(t.Az+360, 360)
		out.ElDeg = t.El
	default:
		return Target{}, model.InvalidArgument("unsupported reference frame %q", out.Frame)
	}
	return out, nil
}

// JulianDate returns the Julian date of t (UTC) with sub-second resolution.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	return jd + float64(t.Nanosecond())/86400e9
}

// GMST returns Greenwich mean sidereal time at t in radians.
func GMST(t time.Time) float64 {
	return satellite.ThetaG_JD(JulianDate(t))
}

// SourceDirection returns the earth-fixed unit vector towards an equatorial
// source at time t. Precession, nutation and aberration are not modelled.
func SourceDirection(raDeg, decDeg float64, t time.Time) mgl64.Vec3 {
	// Earth-fixed longitude of the source is its RA minus Greenwich sidereal time.
	lon := deg2rad(raDeg) - GMST(t)
	sinDec, cosDec := math.Sincos(deg2rad(decDeg))
	sinLon, cosLon := math.Sincos(lon)
	return mgl64.Vec3{cosDec * cosLon, cosDec * sinLon, sinDec}
}

// Converter turns a target into horizon coordinates for an observer. It is
// the seam where a full astrometry library can be plugged in.
type Converter interface {
	AzEl(target Target, at time.Time, observer Geodetic) (azDeg, elDeg float64, err error)
}

// SiderealConverter rotates equatorial directions by Greenwich sidereal time.
type SiderealConverter struct{}

// AzEl implements Converter.
func (SiderealConverter) AzEl(target Target, at time.Time, observer Geodetic) (float64, float64, error) {
	switch target.Frame {
	case model.FrameHorizon:
		return target.AzDeg, target.ElDeg, nil
	case model.FrameICRS:
		az, el := observer.DirectionToAzEl(SourceDirection(target.RADeg, target.DecDeg, at))
		return az, el, nil
	default:
		return 0, 0, errors.New("unsupported reference frame " + target.Frame)
	}
}
