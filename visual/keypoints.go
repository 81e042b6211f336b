package visual

import (
	"image"
	"math"
)

// grayImage is a float grayscale raster normalized to [0, 1].
type grayImage struct {
	w, h int
	data []float64
}

func (g *grayImage) at(u, v int) float64 {
	if u < 0 {
		u = 0
	}
	if u >= g.w {
		u = g.w - 1
	}
	if v < 0 {
		v = 0
	}
	if v >= g.h {
		v = g.h - 1
	}
	return g.data[v*g.w+u]
}

func grayFloat(img image.Image) *grayImage {
	bounds := img.Bounds()
	g := &grayImage{w: bounds.Dx(), h: bounds.Dy(), data: make([]float64, bounds.Dx()*bounds.Dy())}
	for v := 0; v < g.h; v++ {
		for u := 0; u < g.w; u++ {
			r, gr, b, _ := img.At(bounds.Min.X+u, bounds.Min.Y+v).RGBA()
			// Rec. 601 luma on 16-bit channels
			g.data[v*g.w+u] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(b)) / 65535
		}
	}
	return g
}

type keypoint struct {
	u, v      int
	response  float64
	laplacian int
}

// detectKeypoints thresholds the determinant of the Hessian on the gray
// image and keeps local maxima over a 3x3 neighborhood.
func (e *Extractor) detectKeypoints(g *grayImage) []keypoint {
	if g.w < 3 || g.h < 3 {
		return nil
	}
	resp := make([]float64, g.w*g.h)
	lap := make([]int, g.w*g.h)

	for v := 1; v < g.h-1; v++ {
		for u := 1; u < g.w-1; u++ {
			lxx := g.at(u-1, v) - 2*g.at(u, v) + g.at(u+1, v)
			lyy := g.at(u, v-1) - 2*g.at(u, v) + g.at(u, v+1)
			lxy := (g.at(u+1, v+1) - g.at(u-1, v+1) - g.at(u+1, v-1) + g.at(u-1, v-1)) / 4

			det := lxx*lyy - lxy*lxy
			resp[v*g.w+u] = det
			if lxx+lyy >= 0 {
				lap[v*g.w+u] = 1
			} else {
				lap[v*g.w+u] = -1
			}
		}
	}

	var kps []keypoint
	for v := 1; v < g.h-1; v++ {
		for u := 1; u < g.w-1; u++ {
			r := resp[v*g.w+u]
			if r < e.cfg.HessianThreshold {
				continue
			}
			localMax := true
			for dv := -1; dv <= 1 && localMax; dv++ {
				for du := -1; du <= 1; du++ {
					if du == 0 && dv == 0 {
						continue
					}
					if resp[(v+dv)*g.w+u+du] > r {
						localMax = false
						break
					}
				}
			}
			if localMax {
				kps = append(kps, keypoint{u: u, v: v, response: r, laplacian: lap[v*g.w+u]})
			}
		}
	}
	return kps
}

// describe builds a SURF-style descriptor: gradient sums over a 4x4 grid of
// 4x4-pixel subregions around the keypoint, L2-normalized. 64 floats.
func describe(g *grayImage, u, v int) []float64 {
	desc := make([]float64, 0, 64)
	for sv := 0; sv < 4; sv++ {
		for su := 0; su < 4; su++ {
			var sumDx, sumAbsDx, sumDy, sumAbsDy float64
			for py := 0; py < 4; py++ {
				for px := 0; px < 4; px++ {
					x := u - 8 + su*4 + px
					y := v - 8 + sv*4 + py
					dx := g.at(x+1, y) - g.at(x-1, y)
					dy := g.at(x, y+1) - g.at(x, y-1)
					sumDx += dx
					sumAbsDx += math.Abs(dx)
					sumDy += dy
					sumAbsDy += math.Abs(dy)
				}
			}
			desc = append(desc, sumDx, sumAbsDx, sumDy, sumAbsDy)
		}
	}

	var norm float64
	for _, d := range desc {
		norm += d * d
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range desc {
			desc[i] /= norm
		}
	}
	return desc
}
