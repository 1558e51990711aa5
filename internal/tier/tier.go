// Package tier maps a viewport width onto the resolution tier the frame
// server renders for it.
package tier

import (
	"errors"
	"fmt"
)

// Tier names a resolution rendition served at /image/{tier}/{key}.
type Tier string

const (
	Small    Tier = "small"
	Medium   Tier = "medium"
	Large    Tier = "large"
	Original Tier = "original"
)

// ErrUnknown is returned by Parse for names outside the four tiers.
var ErrUnknown = errors.New("tier: unknown tier")

// All lists every tier from smallest to largest.
var All = []Tier{Small, Medium, Large, Original}

// ForViewport picks the tier for a viewport width in CSS pixels.
func ForViewport(width int) Tier {
	switch {
	case width <= 640:
		return Small
	case width <= 1280:
		return Medium
	case width <= 1920:
		return Large
	default:
		return Original
	}
}

// MaxWidth is the widest a rendition of t may be. Original returns 0,
// meaning "unscaled".
func (t Tier) MaxWidth() int {
	switch t {
	case Small:
		return 640
	case Medium:
		return 1280
	case Large:
		return 1920
	}
	return 0
}

// Parse validates a tier name from a URL path.
func Parse(s string) (Tier, error) {
	for _, t := range All {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknown, s)
}
