package pose

import (
	"image"
	"image/color"
	"image/draw"
	"sort"

	"github.com/nfnt/resize"

	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// NumKeypoints is the COCO keypoint count emitted by YOLOv8-pose.
const NumKeypoints = 17

// rowsPerAnchor is box(4) + person score(1) + keypoints(17*3).
const rowsPerAnchor = 5 + NumKeypoints*3

// letterboxInfo maps model-input coordinates back to the source image.
type letterboxInfo struct {
	Scale  float32
	PadX   int
	PadY   int
	SrcW   int
	SrcH   int
	Canvas *image.RGBA
}

// anchorCount returns the number of prediction slots for a square input
// across the stride 8/16/32 heads.
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// letterbox scales img to fit a size x size canvas preserving aspect ratio
// and centres it on grey padding.
func letterbox(img image.Image, size int) letterboxInfo {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	scale := float32(size) / float32(srcW)
	if s := float32(size) / float32(srcH); s < scale {
		scale = s
	}
	newW := int(float32(srcW)*scale + 0.5)
	newH := int(float32(srcH)*scale + 0.5)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.RGBA{114, 114, 114, 255}}, image.Point{}, draw.Src)
	padX, padY := (size-newW)/2, (size-newH)/2
	draw.Draw(canvas, image.Rect(padX, padY, padX+newW, padY+newH), resized, resized.Bounds().Min, draw.Src)

	return letterboxInfo{Scale: scale, PadX: padX, PadY: padY, SrcW: srcW, SrcH: srcH, Canvas: canvas}
}

// fillInput writes the canvas as planar RGB normalised to [0,1].
func fillInput(dst []float32, canvas *image.RGBA, size int) {
	plane := size * size
	r, g, bl := dst[:plane], dst[plane:2*plane], dst[2*plane:3*plane]
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			r[i] = float32(row[x*4]) / 255
			g[i] = float32(row[x*4+1]) / 255
			bl[i] = float32(row[x*4+2]) / 255
		}
	}
}

type candidate struct {
	box       [4]float32
	score     float32
	keypoints [][]float64
}

// decodeOutput turns a [rowsPerAnchor, anchors] output plane into persons in
// source-image coordinates, suppressing overlaps above iou.
func decodeOutput(out []float32, anchors int, conf, iou float32, lb letterboxInfo) []types.Person {
	if len(out) < rowsPerAnchor*anchors {
		return nil
	}
	at := func(row, i int) float32 { return out[row*anchors+i] }

	unmapX := func(v float32) float32 { return clamp((v-float32(lb.PadX))/lb.Scale, 0, float32(lb.SrcW)) }
	unmapY := func(v float32) float32 { return clamp((v-float32(lb.PadY))/lb.Scale, 0, float32(lb.SrcH)) }

	var cands []candidate
	for i := 0; i < anchors; i++ {
		score := at(4, i)
		if score < conf {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := [4]float32{
			unmapX(cx - w/2), unmapY(cy - h/2),
			unmapX(cx + w/2), unmapY(cy + h/2),
		}
		if box[2] <= box[0] || box[3] <= box[1] {
			continue
		}

		kps := make([][]float64, NumKeypoints)
		for k := 0; k < NumKeypoints; k++ {
			row := 5 + k*3
			kps[k] = []float64{
				float64(unmapX(at(row, i))),
				float64(unmapY(at(row+1, i))),
				float64(at(row+2, i)),
			}
		}
		cands = append(cands, candidate{box: box, score: score, keypoints: kps})
	}

	kept := nms(cands, iou)
	persons := make([]types.Person, 0, len(kept))
	for _, c := range kept {
		persons = append(persons, types.Person{
			BBox:       []float64{float64(c.box[0]), float64(c.box[1]), float64(c.box[2]), float64(c.box[3])},
			Confidence: float64(c.score),
			Keypoints:  c.keypoints,
		})
	}
	return persons
}

// nms keeps the highest scoring boxes, dropping any that overlap a kept box
// by at least threshold.
func nms(cands []candidate, threshold float32) []candidate {
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	kept := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && iouOf(cands[i].box, cands[j].box) >= threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iouOf(a, b [4]float32) float32 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
