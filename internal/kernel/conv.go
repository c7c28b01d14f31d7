// Copyright 2026 The IQM Authors. All rights reserved.

package kernel

// ConvParams describes one 2D-convolution primitive
// instantiation, per §4.2/§4.8.
type ConvParams struct {
	Kernel  int
	Pad     int
	Stride  int
	InCh    int
	OutCh   int
}

// OutSize returns the output width/height for an input of size
// inW x inH under p.
func (p ConvParams) OutSize(inW, inH int) (outW, outH int) {
	outW = (inW+2*p.Pad-p.Kernel)/p.Stride + 1
	outH = (inH+2*p.Pad-p.Kernel)/p.Stride + 1
	return
}

// Conv2DReLU computes a 2D convolution with bias and ReLU over
// an NHWC-layout input, per §4.2's formula:
//
//	out[o,y,x] = max(0, b[o] + sum_{i,j,c} w[o,c,i,j] *
//	                 in[c, y*stride+i-pad, x*stride+j-pad])
//
// with zero padding outside the input. weights is laid out
// (OutCh, InCh, K, K) row-major; biases has length OutCh.
func Conv2DReLU(in []float32, inW, inH int, weights, biases []float32, p ConvParams) (out []float32, outW, outH int) {
	outW, outH = p.OutSize(inW, inH)
	out = make([]float32, outW*outH*p.OutCh)
	k := p.Kernel
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for o := 0; o < p.OutCh; o++ {
				acc := biases[o]
				wBase := o * p.InCh * k * k
				for c := 0; c < p.InCh; c++ {
					for i := 0; i < k; i++ {
						iy := oy*p.Stride + i - p.Pad
						if iy < 0 || iy >= inH {
							continue
						}
						for j := 0; j < k; j++ {
							ix := ox*p.Stride + j - p.Pad
							if ix < 0 || ix >= inW {
								continue
							}
							w := weights[wBase+c*k*k+i*k+j]
							acc += w * in[(iy*inW+ix)*p.InCh+c]
						}
					}
				}
				if acc < 0 {
					acc = 0
				}
				out[(oy*outW+ox)*p.OutCh+o] = acc
			}
		}
	}
	return
}

// MaxPool3x3Stride2 computes the 3x3 stride-2 max-pool
// described in §4.2: output dims follow (W-3)/2+1, (H-3)/2+1;
// out-of-bounds samples are treated as -Inf, so a border window
// simply ignores them (equivalent for a max reduction).
func MaxPool3x3Stride2(in []float32, w, h, ch int) (out []float32, outW, outH int) {
	outW = (w-3)/2 + 1
	outH = (h-3)/2 + 1
	out = make([]float32, outW*outH*ch)
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			for c := 0; c < ch; c++ {
				max := float32(negInf)
				for i := 0; i < 3; i++ {
					iy := oy*2 + i
					if iy >= h {
						continue
					}
					for j := 0; j < 3; j++ {
						ix := ox*2 + j
						if ix >= w {
							continue
						}
						v := in[(iy*w+ix)*ch+c]
						if v > max {
							max = v
						}
					}
				}
				out[(oy*outW+ox)*ch+c] = max
			}
		}
	}
	return
}

const negInf = -1 << 30
