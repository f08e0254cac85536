// Package analysis runs the leaf analysis pipeline:
// decode -> classify -> resolve -> store -> persist.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/leafscan/pkg/imagecodec"
	"github.com/cyclopcam/leafscan/pkg/nn"
	"github.com/cyclopcam/leafscan/server/artifacts"
	"github.com/cyclopcam/leafscan/server/diagnosis"
	"github.com/cyclopcam/leafscan/server/model"
	"github.com/cyclopcam/logs"
	"github.com/samber/lo"
)

const DefaultTimeout = 10 * time.Second

var errStagePanic = errors.New("panic")

type Codec interface {
	Prepare(data []byte) (inference, storage []byte, err error)
}

type Classifier interface {
	Ready() bool
	Classify(rgb []byte) (*nn.Classification, error)
}

type LabelResolver interface {
	ResolveRaw(ctx context.Context, raw string) diagnosis.Result
}

type ArtifactStore interface {
	Persist(ctx context.Context, baseURL string, jpeg []byte) (*artifacts.Artifact, error)
	Delete(ctx context.Context, a *artifacts.Artifact) error
}

type RecordStore interface {
	InsertAnalysis(ctx context.Context, r *model.AnalysisResult) error
}

// Upload is the transient file that a request hands to the pipeline.
// The pipeline takes ownership, and releases it exactly once.
type Upload interface {
	Name() string
	Exists() bool
	ReadAll() ([]byte, error)
	Release()
}

type Request struct {
	OwnerID string // Authenticated user
	BaseURL string // eg "https://leafscan.example.com", used to build image URLs
	Upload  Upload
}

// Result of a successful analysis
type Result struct {
	Record     *model.AnalysisResult
	PlantName  string
	Diseases   []diagnosis.Entry
	Confidence string // eg "97.31"
	ImageURL   string
	Fallback   bool // True if Diseases is a placeholder
}

// Components that the analyzer is built from
type Components struct {
	Codec      Codec
	Classifier Classifier
	Resolver   LabelResolver
	Artifacts  ArtifactStore
	Records    RecordStore
	Timeout    time.Duration // Zero uses DefaultTimeout
}

type Analyzer struct {
	log     logs.Log
	c       Components
	timeout time.Duration
}

func NewAnalyzer(log logs.Log, c Components) *Analyzer {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Analyzer{
		log:     logs.NewPrefixLogger(log, "analysis:"),
		c:       c,
		timeout: timeout,
	}
}

// Analyze runs the whole pipeline on req.Upload.
// The pipeline is detached from cancellation of ctx (eg a client disconnect), so that
// it always reaches a terminal state and cleans up. It is bounded by our own timeout instead.
// Every error returned is an *Error.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.Upload == nil {
		return nil, newError(KindBadRequest, StageReceived, errors.New("no upload"))
	}
	// Release runs exactly once: right after decoding, or here if we never got that far
	release := sync.OnceFunc(req.Upload.Release)
	defer release()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	start := time.Now()
	res, aerr := a.run(ctx, req, release)
	if aerr != nil {
		switch aerr.Kind {
		case KindBadRequest, KindMalformedImage, KindModelUnavailable:
			a.log.Infof("Analysis for user %v rejected at %v: %v", req.OwnerID, aerr.Stage.Tag(), aerr)
		default:
			a.log.Errorf("Analysis for user %v failed at %v: %v", req.OwnerID, aerr.Stage.Tag(), aerr)
		}
		return nil, aerr
	}
	a.log.Infof("Analysis %v for user %v: %v (%v%%) in %v ms", res.Record.ID, req.OwnerID, res.PlantName, res.Confidence, time.Since(start).Milliseconds())
	return res, nil
}

func (a *Analyzer) run(ctx context.Context, req Request, release func()) (*Result, *Error) {
	// Received
	if !req.Upload.Exists() {
		return nil, newError(KindBadRequest, StageReceived, fmt.Errorf("upload %v is missing", req.Upload.Name()))
	}
	if !a.c.Classifier.Ready() {
		return nil, newError(KindModelUnavailable, StageReceived, nn.ErrModelUnavailable)
	}

	// Decoded
	type buffers struct {
		inference []byte
		storage   []byte
	}
	buf, err := runStage(ctx, func() (buffers, error) {
		raw, err := req.Upload.ReadAll()
		if err != nil {
			return buffers{}, fmt.Errorf("Failed to read upload: %w", err)
		}
		inf, sto, err := a.c.Codec.Prepare(raw)
		return buffers{inf, sto}, err
	}, nil)
	// The upload is consumed as soon as decoding has succeeded or definitively failed
	release()
	if err != nil {
		kind := KindInternalError
		if errors.Is(err, imagecodec.ErrMalformedImage) {
			kind = KindMalformedImage
		}
		return nil, stageError(kind, StageDecoded, err)
	}

	// Classified
	cls, err := runStage(ctx, func() (*nn.Classification, error) {
		return a.c.Classifier.Classify(buf.inference)
	}, nil)
	if err != nil {
		kind := KindInferenceFailure
		if errors.Is(err, nn.ErrModelUnavailable) {
			kind = KindModelUnavailable
		} else if errors.Is(err, nn.ErrShapeMismatch) {
			kind = KindMalformedImage
		}
		return nil, stageError(kind, StageClassified, err)
	}

	// Resolved
	diag := a.c.Resolver.ResolveRaw(ctx, cls.Label)
	if diag.Fallback {
		a.log.Warnf("No knowledge base entry for %v, returning placeholder description", diag.Label)
	}

	// Stored
	art, err := runStage(ctx, func() (*artifacts.Artifact, error) {
		return a.c.Artifacts.Persist(ctx, req.BaseURL, buf.storage)
	}, func(late *artifacts.Artifact) {
		// The write completed after we gave up. Nothing will ever reference it.
		if err := a.c.Artifacts.Delete(context.Background(), late); err != nil {
			a.log.Warnf("Failed to delete late artifact %v: %v", late.Name, err)
		}
	})
	if err != nil {
		return nil, stageError(KindStorageWriteFailed, StageStored, err)
	}

	// Persisted
	rec := &model.AnalysisResult{
		UserID:            req.OwnerID,
		ImageFilename:     art.Filename,
		ImageURL:          art.URL,
		PlantNameDetected: diag.Label.Subject,
		DiseasesDetected: &dbh.JSONField[[]model.DiseaseDetected]{
			Data: lo.Map(diag.Entries, func(e diagnosis.Entry, _ int) model.DiseaseDetected {
				return model.DiseaseDetected(e)
			}),
		},
		Confidence:   nn.FormatConfidence(cls.Confidence),
		AnalysisDate: dbh.Milli(time.Now().UTC()),
	}
	// The insert is not abandoned at the deadline, so that its outcome is always the one we report.
	// The DB driver still honors ctx.
	if err := a.c.Records.InsertAnalysis(ctx, rec); err != nil {
		// We don't roll back the image. It stays behind, unreferenced.
		a.log.Errorf("Processed image %v is orphaned, because its analysis record could not be written", art.Name)
		return nil, stageError(KindPersistFailure, StagePersisted, err)
	}

	return &Result{
		Record:     rec,
		PlantName:  rec.PlantNameDetected,
		Diseases:   diag.Entries,
		Confidence: rec.Confidence,
		ImageURL:   rec.ImageURL,
		Fallback:   diag.Fallback,
	}, nil
}

// stageError overrides 'kind' for failures that are not specific to the stage
func stageError(kind Kind, stage Stage, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	} else if errors.Is(err, errStagePanic) {
		kind = KindInternalError
	}
	return newError(kind, stage, err)
}

type stageResult[T any] struct {
	v   T
	err error
}

// runStage runs fn on its own goroutine, so that we can abandon it when ctx expires.
// If fn succeeds after we've abandoned it, then late (if not nil) is called with its result.
// A panic inside fn is returned as an error.
func runStage[T any](ctx context.Context, fn func() (T, error), late func(T)) (T, error) {
	ch := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- stageResult[T]{zero, fmt.Errorf("%w: %v", errStagePanic, r)}
			}
		}()
		v, err := fn()
		ch <- stageResult[T]{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if late != nil {
			go func() {
				if r := <-ch; r.err == nil {
					late(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
