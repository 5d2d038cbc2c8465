package dataset

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// Codecs for the vessel corpora: PNG labels, JPEG exports, TIFF scans.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/vesselab/vesstrain/augment"
)

// DecodeImageFunc decodes an image file into HWC float32 pixels (0-255).
type DecodeImageFunc func(path string) (augment.Image, error)

// DecodeMaskFunc decodes a label file into an integer class map.
type DecodeMaskFunc func(path string) (augment.Mask, error)

// LabelPathFunc maps an image path to its label path.
type LabelPathFunc func(imgPath string) string

// FolderOptions configures a FolderDataset. Zero-value fields fall back to
// grayscale image decoding, integer-divide-by-255 mask decoding, same-name
// label mapping with a .tiff to .png extension swap, and no resizing.
type FolderOptions struct {
	LabelPath   LabelPathFunc
	DecodeImage DecodeImageFunc
	DecodeMask  DecodeMaskFunc

	// ResizeHeight/ResizeWidth normalize sample geometry; labels are resized
	// with nearest-neighbor sampling so class values stay discrete. Zero
	// values keep the original dimensions.
	ResizeHeight int
	ResizeWidth  int
}

// FolderDataset reads (image, label) pairs from an image directory and a
// label directory.
type FolderDataset struct {
	imgPaths   []string
	labelPaths []string
	opts       FolderOptions
}

// NewFolderDataset scans imgDir, resolves each image's label path under
// labelDir, and fails with DatasetLoadError if any label file is missing.
func NewFolderDataset(imgDir, labelDir string, opts *FolderOptions) (*FolderDataset, error) {
	o := FolderOptions{}
	if opts != nil {
		o = *opts
	}
	if o.LabelPath == nil {
		o.LabelPath = DefaultLabelPath
	}
	if o.DecodeImage == nil {
		o.DecodeImage = DecodeGrayscale
	}
	if o.DecodeMask == nil {
		o.DecodeMask = DecodeBinaryMask
	}

	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, &DatasetLoadError{Path: imgDir, Reason: "cannot read image directory", Err: err}
	}
	var imgPaths, labelPaths []string
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		imgPath := filepath.Join(imgDir, e.Name())
		labelPath := filepath.Join(labelDir, o.LabelPath(e.Name()))
		if _, err := os.Stat(labelPath); err != nil {
			return nil, &DatasetLoadError{Path: labelPath, Reason: "label file for " + e.Name() + " not found", Err: err}
		}
		imgPaths = append(imgPaths, imgPath)
		labelPaths = append(labelPaths, labelPath)
	}
	if len(imgPaths) == 0 {
		return nil, &DatasetLoadError{Path: imgDir, Reason: "no image files found"}
	}
	sort.Strings(imgPaths)
	sortByBase(imgPaths, labelPaths)
	return &FolderDataset{imgPaths: imgPaths, labelPaths: labelPaths, opts: o}, nil
}

// sortByBase keeps labelPaths aligned with the sorted imgPaths.
func sortByBase(imgPaths, labelPaths []string) {
	type pair struct{ img, label string }
	pairs := make([]pair, len(imgPaths))
	for i := range imgPaths {
		pairs[i] = pair{imgPaths[i], labelPaths[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].img < pairs[j].img })
	for i, p := range pairs {
		imgPaths[i] = p.img
		labelPaths[i] = p.label
	}
}

func (d *FolderDataset) Len() int {
	return len(d.imgPaths)
}

func (d *FolderDataset) Get(idx int) (augment.Image, augment.Mask, error) {
	if idx < 0 || idx >= len(d.imgPaths) {
		return augment.Image{}, augment.Mask{}, fmt.Errorf("index %d out of range for dataset of %d samples", idx, len(d.imgPaths))
	}
	img, err := d.opts.DecodeImage(d.imgPaths[idx])
	if err != nil {
		return augment.Image{}, augment.Mask{}, &DatasetLoadError{Path: d.imgPaths[idx], Reason: "cannot decode image", Err: err}
	}
	mask, err := d.opts.DecodeMask(d.labelPaths[idx])
	if err != nil {
		return augment.Image{}, augment.Mask{}, &DatasetLoadError{Path: d.labelPaths[idx], Reason: "cannot decode label", Err: err}
	}
	if img.H != mask.H || img.W != mask.W {
		return augment.Image{}, augment.Mask{}, &DatasetLoadError{
			Path:   d.imgPaths[idx],
			Reason: fmt.Sprintf("image is %dx%d but label is %dx%d", img.H, img.W, mask.H, mask.W),
		}
	}
	if d.opts.ResizeHeight > 0 && d.opts.ResizeWidth > 0 {
		img = augment.ResizeImage(img, d.opts.ResizeHeight, d.opts.ResizeWidth)
		mask = augment.ResizeMask(mask, d.opts.ResizeHeight, d.opts.ResizeWidth)
	}
	return img, mask, nil
}

// ImagePath returns the source path of a sample, for diagnostics.
func (d *FolderDataset) ImagePath(idx int) string {
	return d.imgPaths[idx]
}

// DefaultLabelPath maps image file names to label names, swapping a .tiff or
// .tif extension for .png (vessel scans are TIFF, annotations PNG).
func DefaultLabelPath(imgName string) string {
	ext := strings.ToLower(filepath.Ext(imgName))
	if ext == ".tiff" || ext == ".tif" {
		return strings.TrimSuffix(imgName, filepath.Ext(imgName)) + ".png"
	}
	return imgName
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".gif":
		return true
	}
	return false
}

// DecodeGrayscale decodes an image file to a single-channel float32 image
// using the standard luminance conversion for color inputs.
func DecodeGrayscale(path string) (augment.Image, error) {
	src, err := decodeFile(path)
	if err != nil {
		return augment.Image{}, err
	}
	b := src.Bounds()
	out := augment.NewImage(b.Dy(), b.Dx(), 1)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.Set(y, x, 0, float32(g.Y))
		}
	}
	return out, nil
}

// DecodeRGB decodes an image file to a three-channel float32 image.
func DecodeRGB(path string) (augment.Image, error) {
	src, err := decodeFile(path)
	if err != nil {
		return augment.Image{}, err
	}
	b := src.Bounds()
	out := augment.NewImage(b.Dy(), b.Dx(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Set(y, x, 0, float32(r>>8))
			out.Set(y, x, 1, float32(g>>8))
			out.Set(y, x, 2, float32(bl>>8))
		}
	}
	return out, nil
}

// DecodeBinaryMask decodes a label file where foreground is stored as 255:
// pixel values are integer-divided by 255, mapping {0, 255} to {0, 1}.
func DecodeBinaryMask(path string) (augment.Mask, error) {
	return decodeMaskScaled(path, 255)
}

// DecodeLabelMask decodes a label file whose pixel values already are class
// indices (including any ignore sentinel).
func DecodeLabelMask(path string) (augment.Mask, error) {
	return decodeMaskScaled(path, 1)
}

func decodeMaskScaled(path string, divisor int64) (augment.Mask, error) {
	src, err := decodeFile(path)
	if err != nil {
		return augment.Mask{}, err
	}
	b := src.Bounds()
	out := augment.NewMask(b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.Set(y, x, int64(g.Y)/divisor)
		}
	}
	return out, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}
