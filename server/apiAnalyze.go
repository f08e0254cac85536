package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/leafscan/server/analysis"
	"github.com/cyclopcam/leafscan/server/auth"
	"github.com/cyclopcam/leafscan/server/diagnosis"
	"github.com/cyclopcam/leafscan/server/model"
	"github.com/cyclopcam/leafscan/server/uploads"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
)

// Name of the multipart form field that carries the photo
const imageFormField = "image"

const (
	msgAnalyzed          = "Image analyzed and result saved successfully"
	msgHistory           = "Analysis history retrieved successfully"
	msgTooLarge          = "Image file is too large."
	missingConfidence    = "N/A"
	placeholderImageName = "placeholder.jpeg"
)

type diseaseJSON struct {
	DiseaseName string `json:"disease_name"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
}

type analyzeResponseJSON struct {
	Message    string        `json:"message"`
	PlantName  string        `json:"plantName"`
	Diseases   []diseaseJSON `json:"diseases"`
	Confidence string        `json:"confidence"`
	AnalysisID int64         `json:"analysisId"`
	ImageURL   string        `json:"imageUrl"`
}

func (s *Server) httpAnalyze(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	maxBytes := s.config.MaxUploadBytes()
	// Leave room for the multipart framing around the file
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+64*1024)

	upload, err := s.receiveUpload(r, maxBytes)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.Is(err, uploads.ErrTooLarge) || errors.As(err, &tooBig) {
			sendJSONError(w, http.StatusBadRequest, msgTooLarge, err.Error())
		} else if errors.Is(err, errNoImage) {
			sendJSONError(w, http.StatusBadRequest, analysis.KindBadRequest.Message(), "")
		} else {
			s.Log.Warnf("Failed to receive upload: %v", err)
			sendJSONError(w, http.StatusBadRequest, analysis.KindBadRequest.Message(), err.Error())
		}
		return
	}

	res, err := s.analyzer.Analyze(r.Context(), analysis.Request{
		OwnerID: cred.UserID,
		BaseURL: s.baseURL(r),
		Upload:  upload,
	})
	if err != nil {
		var aerr *analysis.Error
		if !errors.As(err, &aerr) {
			aerr = &analysis.Error{Kind: analysis.KindInternalError, Err: err}
		}
		details := ""
		if aerr.Err != nil {
			details = aerr.Err.Error()
		}
		sendJSONError(w, aerr.Kind.HTTPStatus(), aerr.Kind.Message(), details)
		return
	}

	www.SendJSON(w, &analyzeResponseJSON{
		Message:    msgAnalyzed,
		PlantName:  res.PlantName,
		Diseases:   lo.Map(res.Diseases, func(e diagnosis.Entry, _ int) diseaseJSON { return diseaseJSON(e) }),
		Confidence: res.Confidence,
		AnalysisID: res.Record.ID,
		ImageURL:   res.ImageURL,
	})
}

var errNoImage = errors.New("no image in form")

// receiveUpload streams the image part of a multipart form straight into the transient upload directory.
// Other parts are discarded.
func (s *Server) receiveUpload(r *http.Request, maxBytes int64) (*uploads.Upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, errNoImage
		}
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoImage
		} else if err != nil {
			return nil, err
		}
		if part.FormName() != imageFormField || part.FileName() == "" {
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		upload, err := s.uploads.Save(part, part.FileName(), maxBytes)
		part.Close()
		return upload, err
	}
}

type historyItemJSON struct {
	ID                int64         `json:"id"`
	UserID            string        `json:"user_id"`
	ImageFilename     string        `json:"image_filename"`
	ImageURL          string        `json:"imageUrl"`
	PlantNameDetected string        `json:"plant_name_detected"`
	DiseasesDetected  []diseaseJSON `json:"diseases_detected"`
	Confidence        string        `json:"confidence"`
	AnalysisDate      time.Time     `json:"analysis_date"`
}

type historyResponseJSON struct {
	Message string            `json:"message"`
	History []historyItemJSON `json:"history"`
}

func (s *Server) httpAnalysisHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	rows, err := s.Records.History(r.Context(), cred.UserID)
	if err != nil {
		s.Log.Errorf("Failed to read analysis history of user %v: %v", cred.UserID, err)
		sendJSONError(w, http.StatusInternalServerError, "Failed to retrieve analysis history.", err.Error())
		return
	}
	base := s.baseURL(r)
	www.SendJSON(w, &historyResponseJSON{
		Message: msgHistory,
		History: lo.Map(rows, func(row model.AnalysisResult, _ int) historyItemJSON {
			return s.historyItem(base, &row)
		}),
	})
}

func (s *Server) historyItem(base string, row *model.AnalysisResult) historyItemJSON {
	item := historyItemJSON{
		ID:                row.ID,
		UserID:            row.UserID,
		ImageFilename:     row.ImageFilename,
		ImageURL:          s.historyImageURL(base, row),
		PlantNameDetected: row.PlantNameDetected,
		DiseasesDetected:  []diseaseJSON{},
		Confidence:        row.Confidence,
		AnalysisDate:      row.AnalysisDate.Time,
	}
	if row.DiseasesDetected != nil {
		item.DiseasesDetected = lo.Map(row.DiseasesDetected.Data, func(d model.DiseaseDetected, _ int) diseaseJSON { return diseaseJSON(d) })
	}
	if item.Confidence == "" {
		item.Confidence = missingConfidence
	}
	return item
}

// URLs recorded by a development server are useless to anyone else, so they are rebuilt from the filename
func (s *Server) historyImageURL(base string, row *model.AnalysisResult) string {
	u := row.ImageURL
	if u != "" && !strings.Contains(u, "localhost") && !strings.Contains(u, "0.0.0.0") {
		return u
	}
	if row.ImageFilename == "" {
		return base + "/" + placeholderImageName
	}
	return s.artifacts.URL(base, row.ImageFilename)
}

// baseURL is the externally visible origin of this server, eg "https://leafscan.example.com"
func (s *Server) baseURL(r *http.Request) string {
	if s.config.PublicBaseURL != "" {
		return s.config.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
