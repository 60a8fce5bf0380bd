package audiocapture

// DownmixMono averages interleaved channels into a single channel.
// Mono input is returned as-is.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			sum += samples[base+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from one rate to another using linear
// interpolation. Equal rates return the input unchanged. The output
// spans the input exactly: (len(in)-1)*to/from + 1 samples, so a 2:1
// upsample of [0, 1] yields [0, 0.5, 1].
func Resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	if len(in) == 1 {
		return []float32{in[0]}
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(in)-1)/ratio) + 1
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
