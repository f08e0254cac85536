package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/leafscan/pkg/imagecodec"
	"github.com/cyclopcam/leafscan/pkg/nn"
	"github.com/cyclopcam/leafscan/pkg/onnx"
	"github.com/cyclopcam/leafscan/server/analysis"
	"github.com/cyclopcam/leafscan/server/artifacts"
	"github.com/cyclopcam/leafscan/server/auth"
	"github.com/cyclopcam/leafscan/server/config"
	"github.com/cyclopcam/leafscan/server/diagnosis"
	"github.com/cyclopcam/leafscan/server/records"
	"github.com/cyclopcam/leafscan/server/storage"
	"github.com/cyclopcam/leafscan/server/uploads"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/staticfiles"
	"github.com/julienschmidt/httprouter"
)

// ModelLoader creates the classifier. It runs on a background goroutine during startup.
type ModelLoader func() (nn.ImageClassifier, error)

type Server struct {
	Log     logs.Log
	Records *records.DB

	config        *config.Config
	engine        *nn.Engine
	codec         *imagecodec.Codec
	uploads       *uploads.Dir
	artifacts     *artifacts.Store
	blobs         storage.Storage
	analyzer      *analysis.Analyzer
	verifier      *auth.Verifier
	uploadsStatic *staticfiles.CachedStaticFileServer // nil if images are not on our filesystem
	onnxRuntime   bool                                // True if we own the onnxruntime environment

	signalIn     chan os.Signal
	httpRouter *httprouter.Router
	handler    http.Handler
	fatal        chan error
	shutdownOnce sync.Once
	shutdownDone chan struct{} // Closed when shutdown has finished

	lock       sync.Mutex // guards httpServer and closing
	httpServer *http.Server
	closing    bool
}

// Create a server from config. The classifier starts loading immediately, in the background.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	db, err := records.Open(logger, cfg.DB)
	if err != nil {
		return nil, err
	}

	// Open blob store
	var blobs storage.Storage
	if cfg.ImageStorage.GCS != nil {
		// Google Cloud Storage
		blobs, err = storage.NewStorageGCS(logger, cfg.ImageStorage.GCS.Bucket, cfg.ImageStorage.GCS.Public)
	} else {
		// Filesystem
		blobs, err = storage.NewStorageFS(logger, cfg.ImageStorage.Filesystem.Root)
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	s, err := newServer(logger, cfg, db, blobs)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := onnx.InitializeRuntime(cfg.Model.SharedLibraryPath); err != nil {
		s.Shutdown()
		return nil, err
	}
	s.onnxRuntime = true
	mc := cfg.Model
	go s.loadModel(func() (nn.ImageClassifier, error) {
		return onnx.LoadModel(mc.Path, mc.MetadataPath, mc.ClassFile)
	})
	return s, nil
}

// newServer wires up everything except the classifier, which must be installed with loadModel
func newServer(logger logs.Log, cfg *config.Config, db *records.DB, blobs storage.Storage) (*Server, error) {
	uploadDir, err := uploads.NewDir(logger, filepath.Join(cfg.TempPath, "analysis"), 10*time.Minute)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:       logger,
		Records:   db,
		config:    cfg,
		engine:    nn.NewEngine(logger),
		codec:     imagecodec.NewCodec(),
		uploads:   uploadDir,
		artifacts: artifacts.NewStore(logger, blobs),
		blobs:     blobs,
		verifier:  auth.NewVerifier(logger, cfg.JWTSecret),
		fatal:     make(chan error, 1),

		shutdownDone: make(chan struct{}),
	}
	s.analyzer = analysis.NewAnalyzer(logger, analysis.Components{
		Codec:      s.codec,
		Classifier: s.engine,
		Resolver:   diagnosis.NewResolver(logger, db),
		Artifacts:  s.artifacts,
		Records:    db,
		Timeout:    cfg.AnalysisTimeout(),
	})

	if fs, ok := blobs.(*storage.StorageFS); ok {
		// Processed images are never modified after they're written
		s.uploadsStatic, err = staticfiles.NewCachedStaticFileServer(os.DirFS(fs.Root), "", nil, logger, true, nil)
		if err != nil {
			return nil, err
		}
	}

	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load the classifier, and install it in the engine. Until this is done, analysis requests get a 503.
// If loading fails, the server refuses to keep running.
func (s *Server) loadModel(load ModelLoader) {
	start := time.Now()
	s.Log.Infof("Loading classifier")
	model, err := load()
	if err == nil {
		cfg := model.Config()
		if cfg.Width != s.codec.Size || cfg.Height != s.codec.Size {
			model.Close()
			err = fmt.Errorf("Model input is %v x %v, but images are prepared at %v x %v", cfg.Width, cfg.Height, s.codec.Size, s.codec.Size)
		}
	}
	if err == nil {
		err = s.engine.SetModel(model)
	}
	if err != nil {
		s.Log.Criticalf("Failed to load classifier: %v", err)
		select {
		case s.fatal <- err:
		default:
		}
		return
	}
	s.Log.Infof("Classifier loaded in %v ms", time.Since(start).Milliseconds())
}

// addr example: ":5000"
// Returns when the server has been completely shut down, or when it cannot continue (eg the classifier failed to load).
func (s *Server) ListenHTTP(addr string) error {
	s.lock.Lock()
	if s.closing {
		s.lock.Unlock()
		<-s.shutdownDone
		return nil
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpServer
	s.lock.Unlock()

	s.Log.Infof("Listening on %v", addr)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			// Shutdown has begun. Wait for in-flight requests, and the rest of the teardown.
			<-s.shutdownDone
			return nil
		}
		return err
	case err := <-s.fatal:
		s.Shutdown()
		<-listenErr
		return err
	}
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	defer close(s.shutdownDone)
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	s.lock.Lock()
	s.closing = true
	httpServer := s.httpServer
	s.lock.Unlock()
	if httpServer != nil {
		// Give in-flight analyses time to reach a terminal state
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), s.config.AnalysisTimeout()+2*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
	}
	s.engine.Close()
	if s.onnxRuntime {
		if err := onnx.DestroyRuntime(); err != nil {
			s.Log.Warnf("Failed to destroy ONNX runtime: %v", err)
		}
	}
	if err := s.Records.Close(); err != nil {
		s.Log.Warnf("Failed to close DB: %v", err)
	}
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
