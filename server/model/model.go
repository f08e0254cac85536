package model

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Disease is a knowledge base entry, keyed by (PlantName, DiseaseName)
type Disease struct {
	BaseModel
	PlantName   string `json:"plant_name"`
	DiseaseName string `json:"disease_name"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
}

// DiseaseDetected is a snapshot of a knowledge base entry, taken at the time of analysis.
// Later edits to the knowledge base do not change past analyses.
type DiseaseDetected struct {
	DiseaseName string `json:"disease_name"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
}

// AnalysisResult is the persisted outcome of a single successful analysis
type AnalysisResult struct {
	BaseModel
	UserID            string                            `json:"user_id"`
	ImageFilename     string                            `json:"image_filename"`
	ImageURL          string                            `json:"image_url" gorm:"column:image_url"`
	PlantNameDetected string                            `json:"plant_name_detected"`
	DiseasesDetected  *dbh.JSONField[[]DiseaseDetected] `json:"diseases_detected"`
	Confidence        string                            `json:"confidence"` // eg "97.31"
	AnalysisDate      dbh.MilliTime                     `json:"analysis_date"`
}
