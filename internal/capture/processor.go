package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"robot-gateway-go/internal/config"
)

// Quality ladder walked when a frame exceeds the size budget.
var qualityLadder = []int{95, 80, 60, 40, 20}

const (
	// BudgetRatio is the share of the MTU budget a single frame aims for.
	BudgetRatio = 0.8

	// downscaleQuality is used for every resolution step.
	downscaleQuality = 50

	// Resolution steps in percent of the target size.
	scaleStepPercent  = 10
	scaleFloorPercent = 30
)

// LensCorrector undistorts a raw frame before it is resized.
type LensCorrector interface {
	Correct(img image.Image) image.Image
}

// Processor turns raw device images into JPEG frames that fit the size
// budget when possible.
type Processor struct {
	width   int
	height  int
	quality int
	budget  int
	lens    LensCorrector
}

// Encoded is the result of Processor.Process.
type Encoded struct {
	Data    []byte
	Width   int
	Height  int
	Quality int
	Fits    bool
	// Attempts counts JPEG encodes performed.
	Attempts int
}

// NewProcessor returns a processor for cam whose target size is
// mtuBudget*BudgetRatio bytes.
func NewProcessor(cam config.CameraConfig, mtuBudget int, lens LensCorrector) *Processor {
	return &Processor{
		width:   cam.Width,
		height:  cam.Height,
		quality: clampQuality(cam.Quality),
		budget:  int(float64(mtuBudget) * BudgetRatio),
		lens:    lens,
	}
}

// Budget returns the target encoded size in bytes.
func (p *Processor) Budget() int {
	return p.budget
}

// Process resizes img to the configured resolution and encodes it at the
// configured quality. Oversized results step down the quality ladder,
// then the resolution, and the smallest encoding is returned when
// nothing fits.
func (p *Processor) Process(img image.Image) (Encoded, error) {
	if img == nil || img.Bounds().Empty() {
		return Encoded{}, fmt.Errorf("empty image")
	}
	if p.lens != nil {
		img = p.lens.Correct(img)
	}

	w, h := p.width, p.height
	if w <= 0 || h <= 0 {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	base := resizeNearest(img, w, h)

	best, err := encodeJPEG(base, p.quality)
	if err != nil {
		return Encoded{}, err
	}
	best.Attempts = 1
	if best.Fits = len(best.Data) <= p.budget; best.Fits {
		return best, nil
	}
	attempts := 1

	try := func(im image.Image, q int) (bool, error) {
		enc, err := encodeJPEG(im, q)
		attempts++
		if err != nil {
			return false, err
		}
		if len(enc.Data) < len(best.Data) {
			best = enc
		}
		return len(enc.Data) <= p.budget, nil
	}

	for _, q := range qualityLadder {
		if q >= p.quality {
			continue
		}
		fits, err := try(base, q)
		if err != nil {
			return Encoded{}, err
		}
		if fits {
			best.Fits, best.Attempts = true, attempts
			return best, nil
		}
	}

	for pct := 100 - scaleStepPercent; pct >= scaleFloorPercent; pct -= scaleStepPercent {
		sw, sh := max(w*pct/100, 1), max(h*pct/100, 1)
		fits, err := try(resizeNearest(base, sw, sh), downscaleQuality)
		if err != nil {
			return Encoded{}, err
		}
		if fits {
			best.Fits, best.Attempts = true, attempts
			return best, nil
		}
	}

	best.Fits, best.Attempts = false, attempts
	return best, nil
}

func encodeJPEG(img image.Image, quality int) (Encoded, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Encoded{}, fmt.Errorf("jpeg encode at quality %d: %w", quality, err)
	}
	b := img.Bounds()
	return Encoded{
		Data:    buf.Bytes(),
		Width:   b.Dx(),
		Height:  b.Dy(),
		Quality: quality,
	}, nil
}

// resizeNearest scales img to width x height by nearest-neighbour
// sampling. Images already at the requested size are returned as is.
func resizeNearest(img image.Image, width, height int) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == width && srcH == height {
		return img
	}

	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*srcH/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*srcW/width
			resized.Set(x, y, img.At(srcX, srcY))
		}
	}
	return resized
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return 80
	case q > 100:
		return 100
	default:
		return q
	}
}
