package nn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
)

// Engine owns the single classifier of a process.
// The model is installed once with SetModel, usually from a background goroutine
// during startup, and from then on Classify may be called concurrently.
type Engine struct {
	log logs.Log

	lock   sync.RWMutex // Readers are inference calls. Writers install or close the model.
	model  ImageClassifier
	closed bool
}

func NewEngine(log logs.Log) *Engine {
	return &Engine{
		log: log,
	}
}

// Install the model. This may only be done once.
// If the engine has already been closed, the model is closed and an error is returned.
func (e *Engine) SetModel(model ImageClassifier) error {
	if model == nil {
		return errors.New("nil model")
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		model.Close()
		return errors.New("Engine is closed")
	}
	if e.model != nil {
		return errors.New("Model has already been loaded")
	}
	e.model = model
	cfg := model.Config()
	e.log.Infof("Classifier ready (%v, %v x %v, %v classes)", cfg.Architecture, cfg.Width, cfg.Height, len(cfg.Classes))
	return nil
}

// Returns true if a model has been installed
func (e *Engine) Ready() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.model != nil
}

// Returns the config of the installed model, or nil
func (e *Engine) Config() *ModelConfig {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.model == nil {
		return nil
	}
	return e.model.Config()
}

// Classify an RGB image of exactly Width x Height pixels.
func (e *Engine) Classify(rgb []byte) (*Classification, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.model == nil {
		return nil, ErrModelUnavailable
	}
	cfg := e.model.Config()
	if len(rgb) != cfg.InputSize() {
		return nil, fmt.Errorf("%w: input is %v bytes, but model expects %v x %v x 3 = %v", ErrShapeMismatch, len(rgb), cfg.Width, cfg.Height, cfg.InputSize())
	}

	scores, err := e.model.Run(Normalize(rgb))
	if err != nil {
		return nil, err
	}
	if len(scores) != len(cfg.Classes) {
		return nil, fmt.Errorf("%w: model produced %v scores, but has %v classes", ErrShapeMismatch, len(scores), len(cfg.Classes))
	}

	best := ArgMax(scores)
	if best < 0 {
		return nil, fmt.Errorf("%w: model produced no scores", ErrShapeMismatch)
	}
	return &Classification{
		Class:       best,
		Label:       cfg.Classes[best],
		Probability: scores[best],
		Confidence:  RoundConfidence(scores[best]),
	}, nil
}

// Close the model, if one was installed. After Close, Ready() returns false,
// and SetModel will refuse any new model.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.closed = true
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
}
