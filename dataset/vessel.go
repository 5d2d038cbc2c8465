package dataset

import (
	"os"
	"path/filepath"

	"github.com/vesselab/vesstrain/augment"
)

// Normalization statistics and class balance of the vessel corpus. On
// average 63.3% of the pixels are background.
const (
	MeanIntensity float32 = 0.1373
	StdIntensity  float32 = 0.0482
)

var ClassWeights = []float32{0.367, 0.633}

// DefaultIgnoreIndex marks pixels outside the DRIVE field of view.
const DefaultIgnoreIndex = 2

// GetDatasets builds the training dataset and the named validation datasets
// from a corpus root holding VessShape, DRIVE, and VessMAP directories.
// VessShape and VessMAP are normalized to 256x256, DRIVE to 512x512. The
// returned ignore index applies to DRIVE pixels outside the field of view.
func GetDatasets(root string) (train Dataset, valids *ValidationSets, ignoreIndex int, err error) {
	ignoreIndex = DefaultIgnoreIndex

	vesShape, err := NewFolderDataset(
		filepath.Join(root, "VessShape", "images"),
		filepath.Join(root, "VessShape", "labels"),
		&FolderOptions{ResizeHeight: 256, ResizeWidth: 256},
	)
	if err != nil {
		return nil, nil, 0, err
	}
	drive, err := NewDRIVEDataset(filepath.Join(root, "DRIVE"), ignoreIndex)
	if err != nil {
		return nil, nil, 0, err
	}
	vessMAP, err := NewFolderDataset(
		filepath.Join(root, "VessMAP", "images"),
		filepath.Join(root, "VessMAP", "labels"),
		&FolderOptions{ResizeHeight: 256, ResizeWidth: 256},
	)
	if err != nil {
		return nil, nil, 0, err
	}

	valids = NewValidationSets()
	if err := valids.Add("VessShape", vesShape); err != nil {
		return nil, nil, 0, err
	}
	if err := valids.Add("DRIVE", drive); err != nil {
		return nil, nil, 0, err
	}
	if err := valids.Add("VessMAP", vessMAP); err != nil {
		return nil, nil, 0, err
	}
	return vesShape, valids, ignoreIndex, nil
}

// DRIVEDataset reads the DRIVE retina test split: fundus scans under
// test/images, vessel annotations under test/1st_manual, and field-of-view
// masks under test/mask. Pixels outside the field of view are set to the
// ignore index. Samples are normalized to 512x512.
type DRIVEDataset struct {
	base        *FolderDataset
	fovDir      string
	ignoreIndex int64
}

func NewDRIVEDataset(root string, ignoreIndex int) (*DRIVEDataset, error) {
	imgDir := filepath.Join(root, "test", "images")
	labelDir := filepath.Join(root, "test", "1st_manual")
	base, err := NewFolderDataset(imgDir, labelDir, &FolderOptions{
		LabelPath: DefaultLabelPath,
	})
	if err != nil {
		return nil, err
	}
	fovDir := filepath.Join(root, "test", "mask")
	if _, err := os.Stat(fovDir); err != nil {
		fovDir = ""
	}
	return &DRIVEDataset{base: base, fovDir: fovDir, ignoreIndex: int64(ignoreIndex)}, nil
}

func (d *DRIVEDataset) Len() int {
	return d.base.Len()
}

func (d *DRIVEDataset) Get(idx int) (augment.Image, augment.Mask, error) {
	img, mask, err := d.base.Get(idx)
	if err != nil {
		return augment.Image{}, augment.Mask{}, err
	}
	if d.fovDir != "" {
		fovPath := filepath.Join(d.fovDir, DefaultLabelPath(filepath.Base(d.base.ImagePath(idx))))
		fov, err := DecodeBinaryMask(fovPath)
		if err != nil {
			return augment.Image{}, augment.Mask{}, &DatasetLoadError{Path: fovPath, Reason: "cannot decode field-of-view mask", Err: err}
		}
		if fov.H != mask.H || fov.W != mask.W {
			return augment.Image{}, augment.Mask{}, &DatasetLoadError{
				Path:   fovPath,
				Reason: "field-of-view mask does not match label dimensions",
			}
		}
		for i, v := range fov.Pix {
			if v == 0 {
				mask.Pix[i] = d.ignoreIndex
			}
		}
	}
	// Resize after the field-of-view merge so the ignore region survives the
	// nearest-neighbor pass intact.
	img = augment.ResizeImage(img, 512, 512)
	mask = augment.ResizeMask(mask, 512, 512)
	return img, mask, nil
}
