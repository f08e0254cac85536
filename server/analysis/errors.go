package analysis

import (
	"fmt"
	"net/http"
)

// Kind classifies every way in which an analysis can fail
type Kind int

const (
	KindInternalError      Kind = iota // Unclassified
	KindBadRequest                     // No file, or wrong form field
	KindModelUnavailable               // Classifier not loaded yet
	KindMalformedImage                 // Decode failure, or pixel/tensor shape mismatch
	KindInferenceFailure               // Forward pass failed
	KindStorageWriteFailed             // Permanent image could not be written
	KindPersistFailure                 // Analysis record could not be written
	KindTimeout                        // Analysis did not finish within its deadline
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindModelUnavailable:
		return "ModelUnavailable"
	case KindMalformedImage:
		return "MalformedImage"
	case KindInferenceFailure:
		return "InferenceFailure"
	case KindStorageWriteFailed:
		return "StorageWriteFailed"
	case KindPersistFailure:
		return "PersistFailure"
	case KindTimeout:
		return "Timeout"
	}
	return "InternalError"
}

// HTTPStatus is the response code that we send for a failure of this kind
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindMalformedImage:
		return http.StatusBadRequest
	case KindModelUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Message is the text that we show to the user
func (k Kind) Message() string {
	switch k {
	case KindBadRequest:
		return "No image file uploaded."
	case KindModelUnavailable:
		return "ML model is not loaded yet. Please try again in a moment."
	case KindMalformedImage:
		return "The uploaded file could not be processed as an image."
	case KindInferenceFailure:
		return "Failed to analyze the image."
	case KindStorageWriteFailed:
		return "Failed to save the processed image."
	case KindPersistFailure:
		return "Failed to save the analysis result."
	case KindTimeout:
		return "Image analysis took too long. Please try again."
	}
	return "Server error during image analysis."
}

// Stage is a state of the analysis pipeline
type Stage int

const (
	StageReceived Stage = iota
	StageDecoded
	StageClassified
	StageResolved
	StageStored
	StagePersisted
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "Received"
	case StageDecoded:
		return "Decoded"
	case StageClassified:
		return "Classified"
	case StageResolved:
		return "Resolved"
	case StageStored:
		return "Stored"
	case StagePersisted:
		return "Persisted"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Tag names the failure of the stage, eg "decode" for a failure to reach StageDecoded
func (s Stage) Tag() string {
	switch s {
	case StageReceived:
		return "precondition"
	case StageDecoded:
		return "decode"
	case StageClassified:
		return "inference"
	case StageResolved:
		return "resolve"
	case StageStored:
		return "storage"
	case StagePersisted:
		return "persist"
	}
	return "unknown"
}

// Error is returned by Analyze for every failure.
// Stage is the state that the pipeline was trying to reach when it failed.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v failed: %v", e.Stage.Tag(), e.Kind)
	}
	return fmt.Sprintf("%v failed: %v: %v", e.Stage.Tag(), e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, stage Stage, err error) *Error {
	return &Error{
		Kind:  kind,
		Stage: stage,
		Err:   err,
	}
}
