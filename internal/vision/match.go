// Package vision finds template images on device screenshots.
package vision

import (
	"image"
	"image/draw"
	"sort"
)

// DefaultThreshold is the minimum confidence for a template to count as found.
const DefaultThreshold = 0.8

// Match is one template occurrence on a screenshot.
type Match struct {
	Rect       image.Rectangle `json:"rect"`
	Confidence float64         `json:"confidence"`
}

// Center returns the middle of the matched area.
func (m Match) Center() image.Point {
	return image.Pt((m.Rect.Min.X+m.Rect.Max.X)/2, (m.Rect.Min.Y+m.Rect.Max.Y)/2)
}

// Matcher scores template placements by mean absolute grayscale difference.
// Stride > 1 scans a coarse grid first and then refines around the best cell.
type Matcher struct {
	Stride int
}

// NewMatcher returns a matcher with the given coarse stride (minimum 1).
func NewMatcher(stride int) *Matcher {
	if stride < 1 {
		stride = 1
	}
	return &Matcher{Stride: stride}
}

// ToGray converts any image to an 8-bit grayscale image with origin (0,0).
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// score returns 1 - mean(|s - t|)/255 for the template placed at (x, y).
func score(src, tpl *image.Gray, x, y int) float64 {
	tw, th := tpl.Rect.Dx(), tpl.Rect.Dy()
	var sad int
	for row := range th {
		srow := src.Pix[(y+row)*src.Stride+x : (y+row)*src.Stride+x+tw]
		trow := tpl.Pix[row*tpl.Stride : row*tpl.Stride+tw]
		for i, tv := range trow {
			d := int(srow[i]) - int(tv)
			if d < 0 {
				d = -d
			}
			sad += d
		}
	}
	return 1 - float64(sad)/float64(255*tw*th)
}

// region clips roi to the screen; an empty roi means the whole screen.
func region(screen *image.Gray, roi image.Rectangle) image.Rectangle {
	if roi.Empty() {
		return screen.Rect
	}
	return roi.Intersect(screen.Rect)
}

// Best returns the highest scoring placement of tpl inside roi.
// ok is false when the template does not fit inside the search region.
func (m *Matcher) Best(screen image.Image, tpl image.Image, roi image.Rectangle) (Match, bool) {
	src, t := ToGray(screen), ToGray(tpl)
	area := region(src, roi)
	tw, th := t.Rect.Dx(), t.Rect.Dy()
	if tw == 0 || th == 0 || tw > area.Dx() || th > area.Dy() {
		return Match{}, false
	}
	maxX, maxY := area.Max.X-tw, area.Max.Y-th

	bestX, bestY, best := area.Min.X, area.Min.Y, -1.0
	for y := area.Min.Y; y <= maxY; y += m.Stride {
		for x := area.Min.X; x <= maxX; x += m.Stride {
			if s := score(src, t, x, y); s > best {
				bestX, bestY, best = x, y, s
			}
		}
	}

	if m.Stride > 1 {
		cx, cy := bestX, bestY
		for y := max(area.Min.Y, cy-m.Stride+1); y <= min(maxY, cy+m.Stride-1); y++ {
			for x := max(area.Min.X, cx-m.Stride+1); x <= min(maxX, cx+m.Stride-1); x++ {
				if s := score(src, t, x, y); s > best {
					bestX, bestY, best = x, y, s
				}
			}
		}
	}

	return Match{Rect: image.Rect(bestX, bestY, bestX+tw, bestY+th), Confidence: best}, true
}

// Find reports the best match when its confidence reaches threshold.
func (m *Matcher) Find(screen image.Image, tpl image.Image, roi image.Rectangle, threshold float64) (Match, bool) {
	match, ok := m.Best(screen, tpl, roi)
	if !ok || match.Confidence < threshold {
		return Match{}, false
	}
	return match, true
}

// FindAll returns every non-overlapping placement at or above threshold, best first.
func (m *Matcher) FindAll(screen image.Image, tpl image.Image, roi image.Rectangle, threshold float64) []Match {
	src, t := ToGray(screen), ToGray(tpl)
	area := region(src, roi)
	tw, th := t.Rect.Dx(), t.Rect.Dy()
	if tw == 0 || th == 0 || tw > area.Dx() || th > area.Dy() {
		return nil
	}

	var candidates []Match
	for y := area.Min.Y; y <= area.Max.Y-th; y += m.Stride {
		for x := area.Min.X; x <= area.Max.X-tw; x += m.Stride {
			if s := score(src, t, x, y); s >= threshold {
				candidates = append(candidates, Match{Rect: image.Rect(x, y, x+tw, y+th), Confidence: s})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	var kept []Match
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Rect.Overlaps(k.Rect) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}
