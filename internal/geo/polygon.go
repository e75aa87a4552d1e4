// Package geo prepares region descriptions embedded in chat messages before they reach the
// analytics engine.
package geo

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const epsilon = 1e-9

// polygonLine matches `Polygon (lat,lon) N points: lat,lon | lat,lon | ...` on a single line.
var polygonLine = regexp.MustCompile(`(?im)^([ \t]*polygon[ \t]*\([ \t]*lat[ \t]*,[ \t]*lon[ \t]*\)[ \t]*)(\d+)([ \t]*points?[ \t]*:)[ \t]*(.*)$`)

// Point is a latitude/longitude pair.
type Point struct {
	Lat float64
	Lon float64
}

func (p Point) equal(o Point) bool {
	return math.Abs(p.Lat-o.Lat) <= epsilon && math.Abs(p.Lon-o.Lon) <= epsilon
}

func (p Point) String() string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lon)
}

// ParsePoints reads pipe-delimited "lat,lon" pairs, skipping anything malformed.
func ParsePoints(s string) []Point {
	var pts []Point
	for _, pair := range strings.Split(s, "|") {
		parts := strings.Split(strings.TrimSpace(pair), ",")
		if len(parts) != 2 {
			continue
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil || math.IsNaN(lat) || math.IsInf(lat, 0) {
			continue
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || math.IsNaN(lon) || math.IsInf(lon, 0) {
			continue
		}
		pts = append(pts, Point{Lat: lat, Lon: lon})
	}
	return pts
}

// Normalize closes the first polygon line found in text. Text without a polygon line, with
// fewer than three parsable points, or whose polygon is already closed is returned as is.
// Applying Normalize twice yields the same result as applying it once.
func Normalize(text string) string {
	loc := polygonLine.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	prefix := text[loc[2]:loc[3]]
	suffix := text[loc[6]:loc[7]]
	body := text[loc[8]:loc[9]]

	pts := ParsePoints(body)
	if len(pts) < 3 {
		return text
	}
	if pts[0].equal(pts[len(pts)-1]) {
		return text
	}
	pts = append(pts, pts[0])

	serialized := make([]string, len(pts))
	for i, p := range pts {
		serialized[i] = p.String()
	}
	line := fmt.Sprintf("%s%d%s %s", prefix, len(pts), suffix, strings.Join(serialized, " | "))
	return text[:loc[0]] + line + text[loc[1]:]
}
