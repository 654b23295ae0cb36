package gpt2

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var geluScalingFactor = math.Sqrt(2.0 / math.Pi)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// encoderForward adds the token embedding of every input id to the position
// embedding of its slot.
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C : b*T*C+t*C+C]
			ix := int(inp[b*T+t])
			wteIx := wte[ix*C : ix*C+C]
			wpeT := wpe[t*C : t*C+C]
			for i := range outBT {
				outBT[i] = wteIx[i] + wpeT[i]
			}
		}
	}
}

func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C : b*T*C+t*C+C]
			ix := int(inp[b*T+t])
			dwteIx := dwte[ix*C : ix*C+C]
			dwpeT := dwpe[t*C : t*C+C]
			for i, d := range doutBT {
				dwteIx[i] += d
				dwpeT[i] += d
			}
		}
	}
}

func layernormForward(out, mean, rstd, inp, weight, bias []float32, N, C int) {
	const eps = 1e-5
	for n := 0; n < N; n++ {
		x := inp[n*C : n*C+C]
		var m float64
		for _, v := range x {
			m += float64(v)
		}
		m /= float64(C)
		var variance float64
		for _, v := range x {
			shift := float64(v) - m
			variance += shift * shift
		}
		variance /= float64(C)
		s := 1.0 / math.Sqrt(variance+eps)
		o := out[n*C : n*C+C]
		for i, v := range x {
			o[i] = float32(s*(float64(v)-m))*weight[i] + bias[i]
		}
		mean[n] = float32(m)
		rstd[n] = float32(s)
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, N, C int) {
	for n := 0; n < N; n++ {
		doutN := dout[n*C : n*C+C]
		inpN := inp[n*C : n*C+C]
		dinpN := dinp[n*C : n*C+C]
		meanN, rstdN := mean[n], rstd[n]

		var dnormMean, dnormNormMean float32
		for i := range doutN {
			norm := (inpN[i] - meanN) * rstdN
			dnorm := weight[i] * doutN[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := range doutN {
			norm := (inpN[i] - meanN) * rstdN
			dnorm := weight[i] * doutN[i]
			dbias[i] += doutN[i]
			dweight[i] += norm * doutN[i]
			dinpN[i] += (dnorm - dnormMean - norm*dnormNormMean) * rstdN
		}
	}
}

// matmulForward computes out = inp·weightᵀ + bias for N rows, with weight
// stored as (OC, C). bias may be nil.
func matmulForward(out, inp, weight, bias []float32, N, C, OC int) {
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(inp, N, C), general(weight, OC, C),
		0, general(out, N, OC))
	if bias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := out[n*OC : n*OC+OC]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, N, C, OC int) {
	gdout := general(dout, N, OC)
	// dinp += dout·weight
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, gdout, general(weight, OC, C), 1, general(dinp, N, C))
	// dweight += doutᵀ·inp
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, gdout, general(inp, N, C), 1, general(dweight, OC, C))
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := dout[n*OC : n*OC+OC]
		for o, d := range row {
			dbias[o] += d
		}
	}
}

// attentionForward runs causal multi-head self attention. inp holds the
// (B, T, 3C) query/key/value projections; every (batch, head) pair is
// independent and gets its own goroutine.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					query := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T : b*NH*T*T+h*T*T+t*T+T]
					attBTH := att[b*NH*T*T+h*T*T+t*T : b*NH*T*T+h*T*T+t*T+T]

					maxval := math.Inf(-1)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(query[i]) * float64(key[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}
					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						e := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += e
						attBTH[t2] = float32(e)
					}
					var inv float64
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := range attBTH {
						if t2 <= t {
							attBTH[t2] *= float32(inv)
						} else {
							attBTH[t2] = 0
						}
					}

					outBTH := out[b*T*C+t*C+h*hs : b*T*C+t*C+h*hs+hs]
					for i := range outBTH {
						outBTH[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := range outBTH {
							outBTH[i] += a * value[i]
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
					dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
					dquery := dinp[b*T*C3+t*C3+h*hs:]
					query := inp[b*T*C3+t*C3+h*hs:]
					doutBTH := dout[b*T*C+t*C+h*hs:]

					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
						for i := 0; i < hs; i++ {
							dattBTH[t2] += value[i] * doutBTH[i]
							dvalue[i] += attBTH[t2] * doutBTH[i]
						}
					}
					// softmax backward
					for t2 := 0; t2 <= t; t2++ {
						for t3 := 0; t3 <= t; t3++ {
							var indicator float32
							if t2 == t3 {
								indicator = 1
							}
							dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
						}
					}
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
						for i := 0; i < hs; i++ {
							dquery[i] += key[i] * dpreattBTH[t2] * scale
							dkey[i] += query[i] * dpreattBTH[t2] * scale
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

func geluForward(out, inp []float32) {
	for i, v := range inp {
		x := float64(v)
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScalingFactor*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32) {
	for i, v := range inp {
		x := float64(v)
		cube := 0.044715 * x * x * x
		arg := geluScalingFactor * (x + cube)
		tanhOut := math.Tanh(arg)
		coshOut := math.Cosh(arg)
		sech := 1.0 / (coshOut * coshOut)
		grad := 0.5*(1.0+tanhOut) + x*0.5*sech*geluScalingFactor*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(grad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32) {
	for i := range out {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32) {
	for i, d := range dout {
		dinp1[i] += d
		dinp2[i] += d
	}
}

func softmaxForward(probs, logits []float32, N, V int) {
	for n := 0; n < N; n++ {
		logitsN := logits[n*V : n*V+V]
		probsN := probs[n*V : n*V+V]
		maxval := float32(math.Inf(-1))
		for _, l := range logitsN {
			if l > maxval {
				maxval = l
			}
		}
		var sum float64
		for i, l := range logitsN {
			probsN[i] = float32(math.Exp(float64(l - maxval)))
			sum += float64(probsN[i])
		}
		for i := range probsN {
			probsN[i] /= float32(sum)
		}
	}
}

// crossEntropyForward scores position t of each row against the label at
// t+1. The last position of a row has nothing to predict and gets zero loss.
func crossEntropyForward(losses, probs []float32, labels []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			if t == T-1 {
				losses[b*T+t] = 0
				continue
			}
			ix := int(labels[b*T+t+1])
			losses[b*T+t] = float32(-math.Log(float64(probs[(b*T+t)*V+ix])))
		}
	}
}

func crossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, labels []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T-1; t++ {
			base := (b*T + t) * V
			dlogitsBT := dlogits[base : base+V]
			probsBT := probs[base : base+V]
			dloss := dlosses[b*T+t]
			ix := int(labels[b*T+t+1])
			for i, p := range probsBT {
				var indicator float32
				if i == ix {
					indicator = 1
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}
