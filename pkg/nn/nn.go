package nn

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// Package nn is a Neural Network interface layer for image classifiers.
// To load an ONNX model, use the onnx package.

// ErrModelUnavailable is returned when inference is requested before a model has been loaded
var ErrModelUnavailable = errors.New("model not loaded")

// ErrShapeMismatch is returned when the input or output of the model does not have the expected size
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// ImageClassifier is given a normalized image, and returns one score per class
type ImageClassifier interface {
	// Close closes the classifier (you MUST call this when finished, because it's a C++ object underneath)
	Close()

	// Run inference on a tensor of shape [1, Height, Width, 3] (NHWC, float32, values 0..1).
	// Returns a vector with one score per class, in the order of Config().Classes.
	Run(input []float32) ([]float32, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the classifier has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "cnn"
	Width        int      `json:"width"`        // eg 128
	Height       int      `json:"height"`       // eg 128
	Classes      []string `json:"classes"`      // eg ["Apple___Apple_scab", "Apple___healthy", ...]
}

// Number of float32 elements in the input tensor
func (c *ModelConfig) InputSize() int {
	return c.Width * c.Height * 3
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
