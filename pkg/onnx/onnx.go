// Package onnx loads an image classifier from an ONNX file, using the onnxruntime shared library.
package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cyclopcam/leafscan/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

// Metadata is the JSON file that is saved next to the .onnx weights
type Metadata struct {
	Architecture string   `json:"architecture"`
	InputShape   []int64  `json:"input_shape"`  // eg [1, 128, 128, 3]
	OutputShape  []int64  `json:"output_shape"` // eg [1, 39]
	Classes      []string `json:"classes"`      // May be empty, if a separate class file is used
	ImageSize    int      `json:"image_size"`   // eg 128
	InputName    string   `json:"input_name"`   // Defaults to "input"
	OutputName   string   `json:"output_name"`  // Defaults to "output"
}

var initLock sync.Mutex
var initialized bool

// Initialize the onnxruntime environment. This must be called before LoadModel.
// If libPath is not empty, it is the location of the onnxruntime shared library.
// Calling this more than once is harmless.
func InitializeRuntime(libPath string) error {
	initLock.Lock()
	defer initLock.Unlock()
	if initialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("Failed to initialize ONNX environment: %w", err)
	}
	initialized = true
	return nil
}

// Tear down the onnxruntime environment. All models must be closed first.
func DestroyRuntime() error {
	initLock.Lock()
	defer initLock.Unlock()
	if !initialized {
		return nil
	}
	initialized = false
	return ort.DestroyEnvironment()
}

// Load a metadata file, and optionally the class names from a separate text file.
func LoadMetadata(metadataPath, classFile string) (*Metadata, error) {
	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to read model metadata: %w", err)
	}
	md := &Metadata{}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, fmt.Errorf("Failed to parse model metadata %v: %w", metadataPath, err)
	}
	if classFile != "" {
		classes, err := nn.LoadClassFile(classFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to read class file: %w", err)
		}
		md.Classes = classes
	}
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	return md, md.Validate()
}

// Validate checks that the metadata describes an NHWC RGB classifier with one output per class.
func (m *Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[3] != 3 {
		return fmt.Errorf("Model input shape must be [1, height, width, 3] (NHWC), but is %v", m.InputShape)
	}
	if m.InputShape[1] <= 0 || m.InputShape[2] <= 0 {
		return fmt.Errorf("Model input shape has invalid dimensions %v", m.InputShape)
	}
	if m.ImageSize != 0 && (m.InputShape[1] != int64(m.ImageSize) || m.InputShape[2] != int64(m.ImageSize)) {
		return fmt.Errorf("Model image_size %v does not agree with input shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 {
		return fmt.Errorf("Model output shape must be [1, classes], but is %v", m.OutputShape)
	}
	if len(m.Classes) == 0 {
		return errors.New("Model has no class names")
	}
	if m.OutputShape[1] != int64(len(m.Classes)) {
		return fmt.Errorf("Model produces %v outputs, but %v class names were given", m.OutputShape[1], len(m.Classes))
	}
	return nil
}

func (m *Metadata) ModelConfig() *nn.ModelConfig {
	arch := m.Architecture
	if arch == "" {
		arch = "onnx"
	}
	return &nn.ModelConfig{
		Architecture: arch,
		Width:        int(m.InputShape[2]),
		Height:       int(m.InputShape[1]),
		Classes:      m.Classes,
	}
}

// Model is an nn.ImageClassifier backed by an onnxruntime session.
// Run may be called from multiple goroutines, because every call gets its own tensors.
type Model struct {
	session  *ort.DynamicAdvancedSession
	metadata Metadata
	config   *nn.ModelConfig
	inShape  ort.Shape
	outShape ort.Shape
}

// Load a model. InitializeRuntime must have been called first.
func LoadModel(modelPath, metadataPath, classFile string) (*Model, error) {
	md, err := LoadMetadata(metadataPath, classFile)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("Model file: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{md.InputName}, []string{md.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to create ONNX session: %w", err)
	}
	return &Model{
		session:  session,
		metadata: *md,
		config:   md.ModelConfig(),
		inShape:  ort.NewShape(md.InputShape...),
		outShape: ort.NewShape(md.OutputShape...),
	}, nil
}

func (m *Model) Config() *nn.ModelConfig {
	return m.config
}

func (m *Model) Run(input []float32) ([]float32, error) {
	if int64(len(input)) != m.inShape.FlattenedSize() {
		return nil, fmt.Errorf("%w: input has %v elements, but model expects %v", nn.ErrShapeMismatch, len(input), m.inShape)
	}
	inTensor, err := ort.NewTensor(m.inShape, input)
	if err != nil {
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	defer inTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](m.outShape)
	if err != nil {
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}
	defer outTensor.Destroy()

	if err := m.session.Run([]ort.Value{inTensor}, []ort.Value{outTensor}); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}

	// The tensor memory is released by Destroy, so we must copy out
	out := outTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (m *Model) Close() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
