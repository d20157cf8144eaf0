package badges

import "strings"

// anchor is a parsed badge position: one of the nine poster regions,
// optionally flush against the edge (no padding, used for awards).
type anchor struct {
	horizontal int // 0 = left, 1 = center, 2 = right
	vertical   int // 0 = top, 1 = center, 2 = bottom
	flush      bool
}

// parseAnchor reads a position string like "top-right" or
// "bottom-left-flush". Unknown strings fall back to top-left.
func parseAnchor(position string) anchor {
	a := anchor{}
	pos := strings.ToLower(strings.TrimSpace(position))
	if strings.HasSuffix(pos, "-flush") {
		a.flush = true
		pos = strings.TrimSuffix(pos, "-flush")
	}

	if pos == "center" {
		a.horizontal, a.vertical = 1, 1
		return a
	}

	parts := strings.SplitN(pos, "-", 2)
	if len(parts) != 2 {
		return a
	}

	switch parts[0] {
	case "top":
		a.vertical = 0
	case "center":
		a.vertical = 1
	case "bottom":
		a.vertical = 2
	}
	switch parts[1] {
	case "left":
		a.horizontal = 0
	case "center":
		a.horizontal = 1
	case "right":
		a.horizontal = 2
	}
	return a
}

// stacksVertically reports the secondary axis for stacked badges:
// left/right anchors stack vertically, top/bottom center anchors stack
// horizontally.
func (a anchor) stacksVertically() bool {
	return a.horizontal != 1
}

// padding returns the effective edge padding; flush anchors sit on the
// poster edge regardless of the configured value.
func (a anchor) padding(configured int) int {
	if a.flush {
		return 0
	}
	return configured
}

// origin computes the top-left coordinate for a badge of size (w, h) on
// a poster of size (posterW, posterH), before any stack offset.
func (a anchor) origin(posterW, posterH, w, h, padding int) (int, int) {
	pad := a.padding(padding)

	var x int
	switch a.horizontal {
	case 0:
		x = pad
	case 1:
		x = (posterW - w) / 2
	case 2:
		x = posterW - w - pad
	}

	var y int
	switch a.vertical {
	case 0:
		y = pad
	case 1:
		y = (posterH - h) / 2
	case 2:
		y = posterH - h - pad
	}
	return x, y
}

// shift moves an origin by a stack offset along the anchor's secondary
// axis: downward from top, upward from bottom, rightward from left,
// leftward from right.
func (a anchor) shift(x, y, offset int) (int, int) {
	if a.stacksVertically() {
		if a.vertical == 2 {
			return x, y - offset
		}
		return x, y + offset
	}
	if a.horizontal == 2 {
		return x - offset, y
	}
	return x + offset, y
}

// extent returns the length a badge of size (w, h) occupies along the
// anchor's stack axis.
func (a anchor) extent(w, h int) int {
	if a.stacksVertically() {
		return h
	}
	return w
}
