package core

import (
	"math"
	"testing"
)

func TestGeodeticECEFOnEquator(t *testing.T) {
	p := Geodetic{LatDeg: 0, LonDeg: 0, HeightM: 0}.ECEF()
	if math.Abs(p.X()-wgs84A) > 1e-6 || math.Abs(p.Y()) > 1e-6 || math.Abs(p.Z()) > 1e-6 {
		t.Fatalf("ECEF(0,0,0) = %v, want (%f, 0, 0)", p, wgs84A)
	}
}

func TestENUBasisIsOrthonormal(t *testing.T) {
	g := Geodetic{LatDeg: -30.7, LonDeg: 21.44}
	e, n, u := g.ENUBasis()
	for name, v := range map[string]float64{
		"|e|": e.Len(), "|n|": n.Len(), "|u|": u.Len(),
	} {
		if math.Abs(v-1) > 1e-12 {
			t.Fatalf("%s = %f, want 1", name, v)
		}
	}
	if math.Abs(e.Dot(n)) > 1e-12 || math.Abs(e.Dot(u)) > 1e-12 || math.Abs(n.Dot(u)) > 1e-12 {
		t.Fatal("ENU basis vectors are not orthogonal")
	}
}

func TestAzElRoundTrip(t *testing.T) {
	g := Geodetic{LatDeg: -30.7, LonDeg: 21.44, HeightM: 1050}
	cases := [][2]float64{{0, 45}, {90, 10}, {181.5, 60}, {359, 89}}
	for _, c := range cases {
		az, el := g.DirectionToAzEl(g.AzElToDirection(c[0], c[1]))
		if math.Abs(az-c[0]) > 1e-9 || math.Abs(el-c[1]) > 1e-9 {
			t.Fatalf("round trip of %v gave (%f, %f)", c, az, el)
		}
	}
}
