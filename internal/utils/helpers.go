package utils

import (
	"math"
	"strings"
)

// ParseDeviceID parses topic
func ParseDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

// Round2 rounds to two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CeilSeconds rounds a fractional duration up to whole seconds, never below min.
func CeilSeconds(seconds float64, min int) int {
	n := int(math.Ceil(seconds))
	if n < min {
		return min
	}
	return n
}
