package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/vesselab/vesstrain/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Name() string     // Returns the configuration name of the optimizer

	// StateDict and LoadStateDict capture and restore the internal buffers
	// so training can resume from a checkpoint.
	StateDict() OptimizerState
	LoadStateDict(state OptimizerState) error
}

// OptimizerState is the serializable snapshot of an optimizer. Buffers are
// keyed by "<buffer>.<parameter index>" in the order parameters were passed
// at construction.
type OptimizerState struct {
	Type         string               `json:"type"`
	LearningRate float64              `json:"learning_rate"`
	StepCount    int64                `json:"step_count"`
	Buffers      map[string][]float32 `json:"buffers,omitempty"`
}

// OptimizerKind enumerates the supported optimizers.
type OptimizerKind int

const (
	OptimizerSGD OptimizerKind = iota
	OptimizerAdam
	OptimizerAdamW
)

// String returns the configuration name of the optimizer kind.
func (k OptimizerKind) String() string {
	switch k {
	case OptimizerSGD:
		return "sgd"
	case OptimizerAdam:
		return "adam"
	case OptimizerAdamW:
		return "adamw"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseOptimizerKind resolves a configuration value to an OptimizerKind.
func ParseOptimizerKind(name string) (OptimizerKind, error) {
	switch name {
	case "sgd":
		return OptimizerSGD, nil
	case "adam":
		return OptimizerAdam, nil
	case "adamw":
		return OptimizerAdamW, nil
	default:
		return 0, fmt.Errorf("unknown optimizer %q", name)
	}
}

// NewOptimizerFromKind builds an optimizer over parameters using the shared
// hyperparameter surface. For the Adam family, momentum becomes beta1 and
// beta2 is fixed at 0.999.
func NewOptimizerFromKind(kind OptimizerKind, parameters []*tensor.Tensor, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch kind {
	case OptimizerSGD:
		return NewSGD(parameters, lr, momentum, weightDecay, 0, false), nil
	case OptimizerAdam:
		return NewAdam(parameters, lr, momentum, 0.999, 1e-8, weightDecay), nil
	case OptimizerAdamW:
		return NewAdamW(parameters, lr, momentum, 0.999, 1e-8, weightDecay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer kind %d", int(kind))
	}
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	stepCount    int64
	velocities   []*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
	}

	// Initialize velocity tensors for momentum
	if momentum > 0 {
		sgd.velocities = make([]*tensor.Tensor, len(parameters))
		for i, param := range parameters {
			sgd.velocities[i] = tensor.ZerosLike(param)
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.stepCount++
	lr := float32(sgd.learningRate)

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad()

		for j := range param.Data {
			g := grad.Data[j]

			// grad = grad + weight_decay * param
			if sgd.weightDecay > 0 {
				g += float32(sgd.weightDecay) * param.Data[j]
			}

			// velocity = momentum * velocity + (1 - dampening) * grad
			if sgd.momentum > 0 {
				v := sgd.velocities[i].Data[j]*float32(sgd.momentum) + g*float32(1.0-sgd.dampening)
				sgd.velocities[i].Data[j] = v
				if sgd.nesterov {
					g += float32(sgd.momentum) * v
				} else {
					g = v
				}
			}

			param.Data[j] -= lr * g
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

// GetLR gets the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Name implements Optimizer.
func (sgd *SGD) Name() string {
	return OptimizerSGD.String()
}

// StateDict implements Optimizer.
func (sgd *SGD) StateDict() OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := OptimizerState{
		Type:         sgd.Name(),
		LearningRate: sgd.learningRate,
		StepCount:    sgd.stepCount,
		Buffers:      make(map[string][]float32),
	}
	for i, v := range sgd.velocities {
		state.Buffers[fmt.Sprintf("velocity.%d", i)] = append([]float32(nil), v.Data...)
	}
	return state
}

// LoadStateDict implements Optimizer.
func (sgd *SGD) LoadStateDict(state OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if state.Type != sgd.Name() {
		return fmt.Errorf("state is for optimizer %q, not %q", state.Type, sgd.Name())
	}
	sgd.learningRate = state.LearningRate
	sgd.stepCount = state.StepCount
	for i, v := range sgd.velocities {
		data, ok := state.Buffers[fmt.Sprintf("velocity.%d", i)]
		if !ok {
			continue
		}
		if err := v.SetData(data); err != nil {
			return fmt.Errorf("failed to restore velocity %d: %v", i, err)
		}
	}
	return nil
}

// Adam implements the Adam optimizer with optional L2 weight decay folded
// into the gradient. AdamW differs only in applying decay directly to the
// weights (decoupled), which NewAdamW selects.
type Adam struct {
	parameters   []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	decoupled    bool
	stepCount    int64
	m            []*tensor.Tensor // First moment estimates
	v            []*tensor.Tensor // Second moment estimates
	mutex        sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return newAdam(parameters, lr, beta1, beta2, eps, weightDecay, false)
}

// NewAdamW creates an Adam optimizer with decoupled weight decay.
func NewAdamW(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return newAdam(parameters, lr, beta1, beta2, eps, weightDecay, true)
}

func newAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64, decoupled bool) *Adam {
	adam := &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      eps,
		weightDecay:  weightDecay,
		decoupled:    decoupled,
		m:            make([]*tensor.Tensor, len(parameters)),
		v:            make([]*tensor.Tensor, len(parameters)),
	}
	for i, param := range parameters {
		adam.m[i] = tensor.ZerosLike(param)
		adam.v[i] = tensor.ZerosLike(param)
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	biasCorrection1 := 1.0 - math.Pow(adam.beta1, float64(adam.stepCount))
	biasCorrection2 := 1.0 - math.Pow(adam.beta2, float64(adam.stepCount))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad()

		for j := range param.Data {
			g := float64(grad.Data[j])

			if adam.weightDecay > 0 && !adam.decoupled {
				g += adam.weightDecay * float64(param.Data[j])
			}

			m := adam.beta1*float64(adam.m[i].Data[j]) + (1.0-adam.beta1)*g
			v := adam.beta2*float64(adam.v[i].Data[j]) + (1.0-adam.beta2)*g*g
			adam.m[i].Data[j] = float32(m)
			adam.v[i].Data[j] = float32(v)

			mHat := m / biasCorrection1
			vHat := v / biasCorrection2

			update := adam.learningRate * mHat / (math.Sqrt(vHat) + adam.epsilon)
			if adam.weightDecay > 0 && adam.decoupled {
				update += adam.learningRate * adam.weightDecay * float64(param.Data[j])
			}
			param.Data[j] -= float32(update)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, param := range adam.parameters {
		param.ZeroGrad()
	}
}

// GetLR gets the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.learningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.learningRate = lr
}

// Name implements Optimizer.
func (adam *Adam) Name() string {
	if adam.decoupled {
		return OptimizerAdamW.String()
	}
	return OptimizerAdam.String()
}

// StateDict implements Optimizer.
func (adam *Adam) StateDict() OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := OptimizerState{
		Type:         adam.Name(),
		LearningRate: adam.learningRate,
		StepCount:    adam.stepCount,
		Buffers:      make(map[string][]float32),
	}
	for i := range adam.parameters {
		state.Buffers[fmt.Sprintf("m.%d", i)] = append([]float32(nil), adam.m[i].Data...)
		state.Buffers[fmt.Sprintf("v.%d", i)] = append([]float32(nil), adam.v[i].Data...)
	}
	return state
}

// LoadStateDict implements Optimizer.
func (adam *Adam) LoadStateDict(state OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if state.Type != adam.Name() {
		return fmt.Errorf("state is for optimizer %q, not %q", state.Type, adam.Name())
	}
	adam.learningRate = state.LearningRate
	adam.stepCount = state.StepCount
	for i := range adam.parameters {
		if data, ok := state.Buffers[fmt.Sprintf("m.%d", i)]; ok {
			if err := adam.m[i].SetData(data); err != nil {
				return fmt.Errorf("failed to restore first moment %d: %v", i, err)
			}
		}
		if data, ok := state.Buffers[fmt.Sprintf("v.%d", i)]; ok {
			if err := adam.v[i].SetData(data); err != nil {
				return fmt.Errorf("failed to restore second moment %d: %v", i, err)
			}
		}
	}
	return nil
}
