package training

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/vesselab/vesstrain/tensor"
)

// Global random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed seeds the global source used for weight initialization.
// Call it once before constructing models to make runs reproducible.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// computeThreads caps the goroutines convolution forward passes spread over
// the batch dimension. Per-sample arithmetic order never changes, so results
// are identical at any setting.
var computeThreads = 1

// SetComputeThreads sets the batch parallelism of convolution forward
// passes. Values below 1 mean single-threaded.
func SetComputeThreads(n int) {
	if n < 1 {
		n = 1
	}
	computeThreads = n
}

// Module is a neural network layer with explicit forward and backward
// passes. Backward consumes the gradient of the loss with respect to the
// module output and returns the gradient with respect to its input,
// accumulating parameter gradients along the way.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Trainable parameters (requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// NamedModule is implemented by modules whose parameters carry stable names
// for checkpointing. ParameterNames is aligned index-for-index with
// Parameters.
type NamedModule interface {
	Module
	ParameterNames() []string
}

// Conv2D implements a 2D convolution over [batch, channels, height, width]
// input with stride 1 and zero padding chosen to preserve spatial size.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int

	weight *tensor.Tensor // [outChannels, inChannels, k, k]
	bias   *tensor.Tensor // [outChannels], nil when disabled

	lastInput *tensor.Tensor
	training  bool
}

// NewConv2D creates a convolution layer with Xavier/Glorot uniform
// initialized weights and zero bias.
func NewConv2D(inputChannels, outputChannels, kernelSize int, bias bool) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 {
		return nil, fmt.Errorf("channel counts must be positive, got %d and %d", inputChannels, outputChannels)
	}
	if kernelSize <= 0 || kernelSize%2 == 0 {
		return nil, fmt.Errorf("kernel size must be positive and odd, got %d", kernelSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{outputChannels, inputChannels, kernelSize, kernelSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		inChannels:  inputChannels,
		outChannels: outputChannels,
		kernelSize:  kernelSize,
		padding:     kernelSize / 2,
		weight:      weight,
		training:    true,
	}

	if bias {
		biasT, err := tensor.New([]int{outputChannels}, make([]float32, outputChannels))
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// Forward performs the forward pass and caches the input for Backward.
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != c.inChannels {
		return nil, fmt.Errorf("input channel mismatch: expected %d, got %d", c.inChannels, input.Shape[1])
	}

	batch, height, width := input.Shape[0], input.Shape[2], input.Shape[3]
	output, err := tensor.Zeros([]int{batch, c.outChannels, height, width}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %v", err)
	}

	k := c.kernelSize
	pad := c.padding
	convolve := func(b int) {
		for oc := 0; oc < c.outChannels; oc++ {
			var biasVal float32
			if c.bias != nil {
				biasVal = c.bias.Data[oc]
			}
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					sum := biasVal
					for ic := 0; ic < c.inChannels; ic++ {
						for ky := 0; ky < k; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= height {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x + kx - pad
								if ix < 0 || ix >= width {
									continue
								}
								wv := c.weight.Data[((oc*c.inChannels+ic)*k+ky)*k+kx]
								iv := input.Data[((b*c.inChannels+ic)*height+iy)*width+ix]
								sum += wv * iv
							}
						}
					}
					output.Data[((b*c.outChannels+oc)*height+y)*width+x] = sum
				}
			}
		}
	}

	// Samples write disjoint output regions, so the batch loop can fan out.
	workers := computeThreads
	if workers > batch {
		workers = batch
	}
	if workers <= 1 {
		for b := 0; b < batch; b++ {
			convolve(b)
		}
	} else {
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(start int) {
				defer wg.Done()
				for b := start; b < batch; b += workers {
					convolve(b)
				}
			}(w)
		}
		wg.Wait()
	}

	if c.training {
		c.lastInput = input
	}
	return output, nil
}

// Backward accumulates weight and bias gradients from the cached input and
// returns the gradient with respect to the layer input.
func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("Conv2D backward called before forward")
	}
	input := c.lastInput
	batch, height, width := input.Shape[0], input.Shape[2], input.Shape[3]
	if len(gradOutput.Shape) != 4 || gradOutput.Shape[0] != batch ||
		gradOutput.Shape[1] != c.outChannels || gradOutput.Shape[2] != height || gradOutput.Shape[3] != width {
		return nil, fmt.Errorf("gradient shape %v does not match output [%d %d %d %d]",
			gradOutput.Shape, batch, c.outChannels, height, width)
	}

	wGrad := c.weight.EnsureGrad()
	var bGrad *tensor.Tensor
	if c.bias != nil {
		bGrad = c.bias.EnsureGrad()
	}
	gradInput := tensor.ZerosLike(input)

	k := c.kernelSize
	pad := c.padding
	for b := 0; b < batch; b++ {
		for oc := 0; oc < c.outChannels; oc++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					g := gradOutput.Data[((b*c.outChannels+oc)*height+y)*width+x]
					if g == 0 {
						continue
					}
					if bGrad != nil {
						bGrad.Data[oc] += g
					}
					for ic := 0; ic < c.inChannels; ic++ {
						for ky := 0; ky < k; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= height {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x + kx - pad
								if ix < 0 || ix >= width {
									continue
								}
								wIdx := ((oc*c.inChannels+ic)*k+ky)*k + kx
								iIdx := ((b*c.inChannels+ic)*height+iy)*width + ix
								wGrad.Data[wIdx] += g * input.Data[iIdx]
								gradInput.Data[iIdx] += g * c.weight.Data[wIdx]
							}
						}
					}
				}
			}
		}
	}

	return gradInput, nil
}

// Parameters returns the trainable parameters.
func (c *Conv2D) Parameters() []*tensor.Tensor {
	if c.bias != nil {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

// ParameterNames implements NamedModule.
func (c *Conv2D) ParameterNames() []string {
	if c.bias != nil {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

// Train sets the module to training mode.
func (c *Conv2D) Train() {
	c.training = true
}

// Eval sets the module to evaluation mode.
func (c *Conv2D) Eval() {
	c.training = false
	c.lastInput = nil
}

// IsTraining returns true if in training mode.
func (c *Conv2D) IsTraining() bool {
	return c.training
}

// ReLU implements the rectified linear activation function.
type ReLU struct {
	lastInput *tensor.Tensor
	training  bool
}

// NewReLU creates a new ReLU activation.
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward applies max(0, x) elementwise.
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := tensor.ZerosLike(input)
	for i, v := range input.Data {
		if v > 0 {
			output.Data[i] = v
		}
	}
	if r.training {
		r.lastInput = input
	}
	return output, nil
}

// Backward zeroes gradient entries where the forward input was negative.
func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.lastInput == nil {
		return nil, fmt.Errorf("ReLU backward called before forward")
	}
	if !tensor.ShapeEqual(gradOutput.Shape, r.lastInput.Shape) {
		return nil, fmt.Errorf("gradient shape %v does not match input %v", gradOutput.Shape, r.lastInput.Shape)
	}
	gradInput := tensor.ZerosLike(gradOutput)
	for i, v := range r.lastInput.Data {
		if v > 0 {
			gradInput.Data[i] = gradOutput.Data[i]
		}
	}
	return gradInput, nil
}

// Parameters returns an empty slice since ReLU has no trainable parameters.
func (r *ReLU) Parameters() []*tensor.Tensor {
	return nil
}

// Train sets the module to training mode.
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode.
func (r *ReLU) Eval() {
	r.training = false
	r.lastInput = nil
}

// IsTraining returns true if in training mode.
func (r *ReLU) IsTraining() bool {
	return r.training
}

// Sequential chains modules together, applying them in order.
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a container that runs modules in sequence.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Add appends a module to the end of the sequence.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Forward runs all modules in order.
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for i, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
		current = output
	}
	return current, nil
}

// Backward propagates gradients through all modules in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	current := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		gradInput, err := s.modules[i].Backward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %v", i, err)
		}
		current = gradInput
	}
	return current, nil
}

// Parameters returns the parameters of all contained modules.
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// NamedParameters returns parameters keyed by "layers.<index>.<name>" so
// checkpoints can be restored into a freshly built model.
func (s *Sequential) NamedParameters() map[string]*tensor.Tensor {
	named := make(map[string]*tensor.Tensor)
	for i, module := range s.modules {
		params := module.Parameters()
		if len(params) == 0 {
			continue
		}
		names := make([]string, len(params))
		if nm, ok := module.(NamedModule); ok {
			copy(names, nm.ParameterNames())
		} else {
			for j := range names {
				names[j] = fmt.Sprintf("param.%d", j)
			}
		}
		for j, p := range params {
			named[fmt.Sprintf("layers.%d.%s", i, names[j])] = p
		}
	}
	return named
}

// Train sets all modules to training mode.
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode.
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode.
func (s *Sequential) IsTraining() bool {
	return s.training
}

// NewSegmentationNet builds a small fully convolutional network that maps
// [batch, inputChannels, H, W] images to [batch, numClasses, H, W] class
// scores. Spatial size is preserved by same-padding convolutions so the
// scores align pixel-for-pixel with the targets.
func NewSegmentationNet(inputChannels, hiddenChannels, numClasses int) (*Sequential, error) {
	conv1, err := NewConv2D(inputChannels, hiddenChannels, 3, true)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2D(hiddenChannels, hiddenChannels, 3, true)
	if err != nil {
		return nil, err
	}
	head, err := NewConv2D(hiddenChannels, numClasses, 3, true)
	if err != nil {
		return nil, err
	}
	return NewSequential(conv1, NewReLU(), conv2, NewReLU(), head), nil
}
