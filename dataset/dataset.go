// Package dataset adapts heterogeneous labeled-image sources into a uniform
// (image, integer mask) sample collection with deterministic splitting and
// per-dataset geometry normalization.
package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/vesselab/vesstrain/augment"
)

// Dataset is an ordered, indexable collection of (image, mask) samples.
// Images are HWC float32 in the 0-255 range; masks are integer class maps
// sharing the image's spatial dimensions.
type Dataset interface {
	Len() int
	Get(idx int) (augment.Image, augment.Mask, error)
}

// DatasetLoadError reports a sample that could not be loaded: an unreadable
// or undecodable file pair, or an image/mask shape mismatch after decode.
type DatasetLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DatasetLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to load %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to load %s: %s", e.Path, e.Reason)
}

func (e *DatasetLoadError) Unwrap() error {
	return e.Err
}

// Sample is one in-memory (image, mask) pair.
type Sample struct {
	Image augment.Image
	Mask  augment.Mask
}

// SliceDataset holds samples in memory. Useful for synthetic data and tests.
type SliceDataset struct {
	samples []Sample
}

func NewSliceDataset(samples ...Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

// Append adds a sample to the end of the dataset.
func (d *SliceDataset) Append(img augment.Image, mask augment.Mask) {
	d.samples = append(d.samples, Sample{Image: img, Mask: mask})
}

func (d *SliceDataset) Len() int {
	return len(d.samples)
}

func (d *SliceDataset) Get(idx int) (augment.Image, augment.Mask, error) {
	if idx < 0 || idx >= len(d.samples) {
		return augment.Image{}, augment.Mask{}, fmt.Errorf("index %d out of range for dataset of %d samples", idx, len(d.samples))
	}
	s := d.samples[idx]
	return s.Image, s.Mask, nil
}

// subset exposes a fixed index selection of a base dataset.
type subset struct {
	base    Dataset
	indices []int
}

// Subset returns a view of base restricted to the given indices, in order.
func Subset(base Dataset, indices []int) (Dataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= base.Len() {
			return nil, fmt.Errorf("subset index %d out of range for dataset of %d samples", idx, base.Len())
		}
	}
	own := make([]int, len(indices))
	copy(own, indices)
	return &subset{base: base, indices: own}, nil
}

func (s *subset) Len() int {
	return len(s.indices)
}

func (s *subset) Get(idx int) (augment.Image, augment.Mask, error) {
	if idx < 0 || idx >= len(s.indices) {
		return augment.Image{}, augment.Mask{}, fmt.Errorf("index %d out of range for subset of %d samples", idx, len(s.indices))
	}
	return s.base.Get(s.indices[idx])
}

// SplitTrainVal partitions a dataset into disjoint training and validation
// parts. The validation part receives round(fraction*N) samples drawn from a
// permutation seeded by seed, so the assignment is reproducible.
func SplitTrainVal(ds Dataset, fraction float64, seed int64) (train, val Dataset, err error) {
	if fraction < 0 || fraction > 1 {
		return nil, nil, fmt.Errorf("split fraction must be in [0,1], got %v", fraction)
	}
	n := ds.Len()
	nVal := int(math.Round(fraction * float64(n)))
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	val, err = Subset(ds, perm[:nVal])
	if err != nil {
		return nil, nil, err
	}
	train, err = Subset(ds, perm[nVal:])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// ValidationSets maps dataset names to datasets while preserving insertion
// order, which defines the validation and reporting order.
type ValidationSets struct {
	Names []string
	Sets  map[string]Dataset
}

func NewValidationSets() *ValidationSets {
	return &ValidationSets{Sets: make(map[string]Dataset)}
}

// Add registers a named validation dataset. Names must be unique.
func (v *ValidationSets) Add(name string, ds Dataset) error {
	if _, exists := v.Sets[name]; exists {
		return fmt.Errorf("validation dataset %q already registered", name)
	}
	v.Names = append(v.Names, name)
	v.Sets[name] = ds
	return nil
}

// Len returns the number of registered datasets.
func (v *ValidationSets) Len() int {
	return len(v.Names)
}
