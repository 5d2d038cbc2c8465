package async

import (
	"fmt"

	"github.com/vesselab/vesstrain/augment"
	"github.com/vesselab/vesstrain/tensor"
)

// Collate stacks samples into a batch, converting images from HWC to the
// [B,C,H,W] layout consumed by models and masks to [B,H,W] int64. All
// samples in a batch must share dimensions.
func Collate(images []augment.Image, masks []augment.Mask) (*Batch, error) {
	if len(images) == 0 || len(images) != len(masks) {
		return nil, fmt.Errorf("collate requires matched non-empty image and mask slices, got %d and %d", len(images), len(masks))
	}
	h, w, c := images[0].H, images[0].W, images[0].C
	for i, img := range images {
		if img.H != h || img.W != w || img.C != c {
			return nil, fmt.Errorf("sample %d is %dx%dx%d, batch requires %dx%dx%d", i, img.H, img.W, img.C, h, w, c)
		}
		if masks[i].H != h || masks[i].W != w {
			return nil, fmt.Errorf("sample %d mask is %dx%d, image is %dx%d", i, masks[i].H, masks[i].W, h, w)
		}
	}

	b := len(images)
	plane := h * w
	imgData := make([]float32, b*c*plane)
	maskData := make([]int64, b*plane)
	for n, img := range images {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					imgData[((n*c+ch)*h+y)*w+x] = img.At(y, x, ch)
				}
			}
		}
		copy(maskData[n*plane:(n+1)*plane], masks[n].Pix)
	}

	imgTensor, err := tensor.New([]int{b, c, h, w}, imgData)
	if err != nil {
		return nil, fmt.Errorf("failed to build image tensor: %v", err)
	}
	maskTensor, err := tensor.NewInt64([]int{b, h, w}, maskData)
	if err != nil {
		return nil, fmt.Errorf("failed to build mask tensor: %v", err)
	}
	return &Batch{Images: imgTensor, Masks: maskTensor, Size: b}, nil
}
