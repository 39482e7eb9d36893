package rtp

// CalculateJitter вычисляет interarrival jitter согласно RFC 3550 Appendix A.8
func CalculateJitter(transit int64, lastTransit int64, jitter float64) float64 {
	d := float64(transit - lastTransit)
	if d < 0 {
		d = -d
	}
	return jitter + (d-jitter)/16.0
}

// CalculateFractionLost вычисляет fraction lost согласно RFC 3550 Appendix A.3
func CalculateFractionLost(expected, received uint32) uint8 {
	if expected == 0 || received >= expected {
		return 0
	}
	lost := expected - received
	fraction := (uint64(lost) << 8) / uint64(expected)
	if fraction > 255 {
		return 255
	}
	return uint8(fraction)
}
