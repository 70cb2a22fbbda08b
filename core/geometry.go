package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// WGS84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)

	// SpeedOfLight in metres per second.
	SpeedOfLight = 299792458.0
)

// Geodetic is a WGS84 position: latitude and longitude in degrees (east
// positive), height above the ellipsoid in metres.
type Geodetic struct {
	LatDeg  float64 `yaml:"lat" json:"lat"`
	LonDeg  float64 `yaml:"lon" json:"lon"`
	HeightM float64 `yaml:"height" json:"height"`
}

// ECEF returns the earth-centred earth-fixed position in metres.
func (g Geodetic) ECEF() mgl64.Vec3 {
	lat := deg2rad(g.LatDeg)
	lon := deg2rad(g.LonDeg)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return mgl64.Vec3{
		(n + g.HeightM) * cosLat * cosLon,
		(n + g.HeightM) * cosLat * sinLon,
		(n*(1-wgs84E2) + g.HeightM) * sinLat,
	}
}

// ENUBasis returns the local east, north and up unit vectors expressed in ECEF.
func (g Geodetic) ENUBasis() (east, north, up mgl64.Vec3) {
	lat := deg2rad(g.LatDeg)
	lon := deg2rad(g.LonDeg)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	east = mgl64.Vec3{-sinLon, cosLon, 0}
	north = mgl64.Vec3{-sinLat * cosLon, -sinLat * sinLon, cosLat}
	up = mgl64.Vec3{cosLat * cosLon, cosLat * sinLon, sinLat}
	return east, north, up
}

// DirectionToAzEl converts an ECEF unit direction into azimuth (from north
// through east) and elevation, both in degrees, as seen from g.
func (g Geodetic) DirectionToAzEl(dir mgl64.Vec3) (azDeg, elDeg float64) {
	east, north, up := g.ENUBasis()
	e := dir.Dot(east)
	n := dir.Dot(north)
	u := dir.Dot(up)

	el := math.Asin(clamp(u/dir.Len(), -1, 1))
	az := math.Atan2(e, n)
	if az < 0 {
		az += 2 * math.Pi
	}
	return rad2deg(az), rad2deg(el)
}

// AzElToDirection is the inverse of DirectionToAzEl.
func (g Geodetic) AzElToDirection(azDeg, elDeg float64) mgl64.Vec3 {
	east, north, up := g.ENUBasis()
	sinAz, cosAz := math.Sincos(deg2rad(azDeg))
	sinEl, cosEl := math.Sincos(deg2rad(elDeg))
	return east.Mul(cosEl * sinAz).Add(north.Mul(cosEl * cosAz)).Add(up.Mul(sinEl))
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
