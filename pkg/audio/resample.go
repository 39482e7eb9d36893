package audio

import (
	"fmt"
	"math"
)

// Resample преобразует моно PCM из inRate в outRate линейной интерполяцией.
// Длина результата round(len(in)*outRate/inRate). При равных частотах
// возвращается копия входа.
func Resample(in []int16, inRate, outRate int) ([]int16, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("неверные частоты дискретизации: вход=%d, выход=%d", inRate, outRate)
	}

	if inRate == outRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out, nil
	}

	n := len(in)
	if n == 0 {
		return []int16{}, nil
	}

	outLen := int(math.Round(float64(n) * float64(outRate) / float64(inRate)))
	out := make([]int16, outLen)
	step := float64(inRate) / float64(outRate)

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			out[i] = in[n-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(in[idx])*(1-frac) + float64(in[idx+1])*frac
		out[i] = clampInt16(math.Round(v))
	}

	return out, nil
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
