package video

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// BT.601 full range lookup tables, 16.16 fixed point with rounding.
var (
	ycbcrOnce sync.Once
	crToR     [256]int32
	cbToB     [256]int32
	crToG     [256]int32
	cbToG     [256]int32
)

func initYCbCr() {
	ycbcrOnce.Do(func() {
		for i := 0; i < 256; i++ {
			c := int32(i) - 128
			crToR[i] = (91881*c + (1 << 15)) >> 16
			cbToB[i] = (116130*c + (1 << 15)) >> 16
			crToG[i] = (46802*c + (1 << 15)) >> 16
			cbToG[i] = (22554*c + (1 << 15)) >> 16
		}
	})
}

// imageToMat converts a camera image to a BGR Mat owned by the caller.
func imageToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), errors.New("nil image")
	}
	if img.Bounds().Empty() {
		return gocv.NewMat(), errors.New("empty image bounds")
	}
	switch im := img.(type) {
	case *image.YCbCr:
		return ycbcrToMat(im)
	case *image.Gray:
		return grayToMat(im)
	default:
		m, err := gocv.ImageToMatRGB(img)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("convert %T: %w", img, err)
		}
		return m, nil
	}
}

// ycbcrToMat handles every subsampling ratio through YOffset/COffset.
// Webcams deliver YUYV or I420, which land here.
func ycbcrToMat(im *image.YCbCr) (gocv.Mat, error) {
	initYCbCr()
	b := im.Bounds()
	w, h := b.Dx(), b.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("mat data: %w", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := im.YOffset(x+b.Min.X, y+b.Min.Y)
			ci := im.COffset(x+b.Min.X, y+b.Min.Y)
			yy := int32(im.Y[yi])
			cb, cr := im.Cb[ci], im.Cr[ci]
			i := (y*w + x) * 3
			data[i] = clamp8(yy + cbToB[cb])
			data[i+1] = clamp8(yy - cbToG[cb] - crToG[cr])
			data[i+2] = clamp8(yy + crToR[cr])
		}
	}
	return mat, nil
}

func grayToMat(im *image.Gray) (gocv.Mat, error) {
	b := im.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		src := im.PixOffset(b.Min.X, b.Min.Y+y)
		copy(buf[y*w:(y+1)*w], im.Pix[src:src+w])
	}
	gray, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("gray mat: %w", err)
	}
	defer gray.Close()
	out := gocv.NewMat()
	gocv.CvtColor(gray, &out, gocv.ColorGrayToBGR)
	return out, nil
}

func clamp8(v int32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
