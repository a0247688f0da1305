package training

import "math"

// LRScheduler computes the learning rate for a given point in training.
// Schedulers are stateless: the trainer passes the epoch and global step so
// restored runs resume on the correct schedule.
type LRScheduler interface {
	GetLR(epoch int, step uint64, baseLR float64) float64
	GetName() string
}

// StepLRScheduler decays the learning rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step uint64, baseLR float64) float64 {
	if s.StepSize <= 0 {
		return baseLR
	}
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "step"
}

// ExponentialLRScheduler multiplies the learning rate by Gamma each epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step uint64, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "exponential"
}

// CosineAnnealingLRScheduler anneals the learning rate from baseLR to MinLR
// over MaxEpochs following a half cosine curve.
type CosineAnnealingLRScheduler struct {
	MaxEpochs int
	MinLR     float64
}

func NewCosineAnnealingLRScheduler(maxEpochs int, minLR float64) *CosineAnnealingLRScheduler {
	return &CosineAnnealingLRScheduler{MaxEpochs: maxEpochs, MinLR: minLR}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step uint64, baseLR float64) float64 {
	if s.MaxEpochs <= 0 || epoch >= s.MaxEpochs {
		return s.MinLR
	}
	progress := float64(epoch) / float64(s.MaxEpochs)
	return s.MinLR + (baseLR-s.MinLR)*(1+math.Cos(math.Pi*progress))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "cosine"
}
