package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrBadAngle is returned for RA/Dec strings that cannot be parsed.
var ErrBadAngle = errors.New("malformed angle")

// ParseRA parses right ascension given as "hh:mm:ss.ss" (or space separated)
// and returns degrees in [0, 360).
func ParseRA(s string) (float64, error) {
	h, err := parseSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("%w: ra %q: %v", ErrBadAngle, s, err)
	}
	if h < 0 || h >= 24 {
		return 0, fmt.Errorf("%w: ra %q outside [0h, 24h)", ErrBadAngle, s)
	}
	return h * 15, nil
}

// ParseDec parses declination given as "±dd:mm:ss.s" and returns degrees in [-90, 90].
func ParseDec(s string) (float64, error) {
	d, err := parseSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("%w: dec %q: %v", ErrBadAngle, s, err)
	}
	if d < -90 || d > 90 {
		return 0, fmt.Errorf("%w: dec %q outside [-90, 90]", ErrBadAngle, s)
	}
	return d, nil
}

// FormatRA renders degrees as "hh:mm:ss.ss".
func FormatRA(deg float64) string {
	return formatSexagesimal(math.Mod(deg/15+24, 24), false)
}

// FormatDec renders degrees as "±dd:mm:ss.s".
func FormatDec(deg float64) string {
	return formatSexagesimal(deg, true)
}

func parseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimLeft(s, "+-")

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, errors.New("expected 1 to 3 fields")
	}
	var total float64
	scale := 1.0
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, err
		}
		if v < 0 || (i > 0 && v >= 60) {
			return 0, fmt.Errorf("field %q out of range", f)
		}
		total += v / scale
		scale *= 60
	}
	if neg {
		total = -total
	}
	return total, nil
}

func formatSexagesimal(v float64, signed bool) string {
	sign := ""
	if signed {
		sign = "+"
		if v < 0 {
			sign = "-"
		}
	}
	v = math.Abs(v)
	whole := math.Floor(v)
	minutes := math.Floor((v - whole) * 60)
	seconds := ((v-whole)*60 - minutes) * 60
	if signed {
		return fmt.Sprintf("%s%02d:%02d:%04.1f", sign, int(whole), int(minutes), seconds)
	}
	return fmt.Sprintf("%02d:%02d:%05.2f", int(whole), int(minutes), seconds)
}
