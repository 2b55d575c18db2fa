package pipeline

import "math"

// spatialKernel is one of the kernel variants spec.md §4.1 requires the
// spatial stage to support.
type spatialKernel string

const (
	kernelClassic       spatialKernel = "classic"
	kernelClassicDouble spatialKernel = "classic_double"
	kernelWide5         spatialKernel = "wide5"
	kernelFastGauss     spatialKernel = "fastgauss"
)

// applySpatial runs an edge-preserving smoothing pass over height (row
// major, w*h) restricted to valid pixels, writing into out. pre/post
// variance and edge-energy accumulation (for the spatial metrics) is left
// to the caller, which samples both buffers.
func applySpatial(kernel spatialKernel, height []float64, valid []bool, w, h int, out []float64) {
	switch kernel {
	case kernelClassicDouble:
		tmp := make([]float64, len(height))
		boxBlur(height, valid, w, h, 1, tmp)
		boxBlur(tmp, valid, w, h, 1, out)
	case kernelWide5:
		boxBlur(height, valid, w, h, 2, out)
	case kernelFastGauss:
		gaussianBlur3(height, valid, w, h, out)
	case kernelClassic:
		fallthrough
	default:
		boxBlur(height, valid, w, h, 1, out)
	}
}

// boxBlur averages each valid pixel with its valid neighbors within radius
// r (a (2r+1)x(2r+1) window), leaving invalid pixels at 0 and excluding
// invalid neighbors from the average (edge-preserving across invalid
// boundaries).
func boxBlur(height []float64, valid []bool, w, h, r int, out []float64) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if !valid[idx] {
				out[idx] = 0
				continue
			}
			var sum float64
			var n int
			for dy := -r; dy <= r; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -r; dx <= r; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					nidx := ny*w + nx
					if !valid[nidx] {
						continue
					}
					sum += height[nidx]
					n++
				}
			}
			if n == 0 {
				out[idx] = height[idx]
			} else {
				out[idx] = sum / float64(n)
			}
		}
	}
}

// gaussianBlur3 applies a fixed 3x3 approximately-Gaussian kernel
// (center-weighted) to valid pixels.
func gaussianBlur3(height []float64, valid []bool, w, h int, out []float64) {
	weights := [3][3]float64{
		{1, 2, 1},
		{2, 4, 2},
		{1, 2, 1},
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if !valid[idx] {
				out[idx] = 0
				continue
			}
			var sum, wsum float64
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					nidx := ny*w + nx
					if !valid[nidx] {
						continue
					}
					wt := weights[dy+1][dx+1]
					sum += height[nidx] * wt
					wsum += wt
				}
			}
			if wsum == 0 {
				out[idx] = height[idx]
			} else {
				out[idx] = sum / wsum
			}
		}
	}
}

// sampleVarianceAndEdgeEnergy computes mean variance and a simple gradient-
// magnitude edge-energy proxy over valid pixels, sampling at most every
// (n/sampleCount)-th pixel when sampleCount > 0 limits the work spec.md calls
// for in the spatial stage's instrumentation.
func sampleVarianceAndEdgeEnergy(height []float64, valid []bool, w, h, sampleCount int) (variance, edgeEnergy float64) {
	n := w * h
	if n == 0 {
		return 0, 0
	}
	stride := 1
	if sampleCount > 0 && sampleCount < n {
		stride = n / sampleCount
		if stride < 1 {
			stride = 1
		}
	}

	var sum, sumSq, edgeSum float64
	var count int
	for i := 0; i < n; i += stride {
		if !valid[i] {
			continue
		}
		v := height[i]
		sum += v
		sumSq += v * v
		count++

		x, y := i%w, i/w
		if x+1 < w && valid[i+1] {
			edgeSum += math.Abs(height[i+1] - v)
		}
		if y+1 < h && valid[i+w] {
			edgeSum += math.Abs(height[i+w] - v)
		}
	}
	if count == 0 {
		return 0, 0
	}
	mean := sum / float64(count)
	variance = sumSq/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	edgeEnergy = edgeSum / float64(count)
	return variance, edgeEnergy
}
