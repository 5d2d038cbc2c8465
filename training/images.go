package training

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/vesselab/vesstrain/async"
	"github.com/vesselab/vesstrain/augment"
	"github.com/vesselab/vesstrain/dataset"
	"github.com/vesselab/vesstrain/tensor"
)

// SaveValidationImages renders the model's prediction for selected
// validation samples as grayscale PNGs. Each sample index gets its own
// directory so the epochs of one image sit side by side:
//
//	<dir>/images/image_<idx>/<dataset>_epoch_<epoch>.png
//
// Class labels are spread over the full gray range, so with two classes
// vessels render white on black. Indices beyond a dataset's length are
// skipped rather than treated as errors since validation sets differ in
// size.
func SaveValidationImages(model Module, valids *dataset.ValidationSets, indices []int, numClasses int, dir string, epoch int) error {
	if len(indices) == 0 {
		return nil
	}

	model.Eval()
	defer model.Train()

	for _, name := range valids.Names {
		ds := valids.Sets[name]
		for _, idx := range indices {
			if idx >= ds.Len() {
				continue
			}
			img, mask, err := ds.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load validation sample %d from %s: %v", idx, name, err)
			}
			batch, err := async.Collate([]augment.Image{img}, []augment.Mask{mask})
			if err != nil {
				return fmt.Errorf("failed to collate validation sample %d from %s: %v", idx, name, err)
			}
			output, err := model.Forward(batch.Images)
			if err != nil {
				return fmt.Errorf("forward pass failed for validation sample %d from %s: %v", idx, name, err)
			}
			preds, err := tensor.ArgmaxChannel(output)
			if err != nil {
				return fmt.Errorf("failed to reduce prediction for sample %d from %s: %v", idx, name, err)
			}

			height, width := preds.Shape[1], preds.Shape[2]
			path := filepath.Join(dir, "images",
				fmt.Sprintf("image_%d", idx),
				fmt.Sprintf("%s_epoch_%d.png", name, epoch))
			if err := writePredictionPNG(path, preds.Ints, height, width, numClasses); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePredictionPNG(path string, labels []int64, height, width, numClasses int) error {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	scale := 255.0 / float64(numClasses-1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gray.Pix[y*gray.Stride+x] = uint8(float64(labels[y*width+x])*scale + 0.5)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %v", err)
	}
	defer f.Close()

	if err := png.Encode(f, gray); err != nil {
		return fmt.Errorf("failed to encode image: %v", err)
	}
	return nil
}
