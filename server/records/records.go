// Package records is the database of disease descriptions and past analyses
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/leafscan/server/diagnosis"
	"github.com/cyclopcam/leafscan/server/model"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DB struct {
	log logs.Log
	DB  *gorm.DB
}

// Open or create the DB
func Open(log logs.Log, config dbh.DBConfig) (*DB, error) {
	log.Infof("Opening records DB (%v)", config.LogSafeDescription())
	db, err := dbh.OpenDB(log, config, Migrations(log, config.Driver), 0)
	if err != nil {
		return nil, err
	}
	if config.Driver == dbh.DriverSqlite {
		// Concurrent analyses would otherwise race for the sqlite write lock
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &DB{
		log: log,
		DB:  db,
	}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindDisease returns the single knowledge base entry for (plantName, diseaseName), or (nil, nil) if there is none.
func (d *DB) FindDisease(ctx context.Context, plantName, diseaseName string) (*diagnosis.Entry, error) {
	row := model.Disease{}
	err := d.DB.WithContext(ctx).Where("plant_name = ? AND disease_name = ?", plantName, diseaseName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &diagnosis.Entry{
		DiseaseName: row.DiseaseName,
		Description: row.Description,
		Solution:    row.Solution,
	}, nil
}

// InsertAnalysis writes a new analysis record, and populates r.ID
func (d *DB) InsertAnalysis(ctx context.Context, r *model.AnalysisResult) error {
	if r.ID != 0 {
		return fmt.Errorf("Analysis record already has an ID (%v)", r.ID)
	}
	if r.AnalysisDate.IsZero() {
		r.AnalysisDate = dbh.Milli(time.Now().UTC())
	}
	return d.DB.WithContext(ctx).Create(r).Error
}

// History returns all analyses of a user, most recent first
func (d *DB) History(ctx context.Context, userID string) ([]model.AnalysisResult, error) {
	rows := []model.AnalysisResult{}
	err := d.DB.WithContext(ctx).Where("user_id = ?", userID).Order("analysis_date DESC, id DESC").Find(&rows).Error
	return rows, err
}

// ImportDiseases inserts or updates knowledge base entries. Returns the number of entries written.
func (d *DB) ImportDiseases(ctx context.Context, diseases []model.Disease) (int, error) {
	for i := range diseases {
		diseases[i].PlantName = strings.TrimSpace(diseases[i].PlantName)
		diseases[i].DiseaseName = strings.TrimSpace(diseases[i].DiseaseName)
		diseases[i].ID = 0
		if diseases[i].PlantName == "" || diseases[i].DiseaseName == "" {
			return 0, fmt.Errorf("Disease entry %v has an empty plant_name or disease_name", i)
		}
	}
	if len(diseases) == 0 {
		return 0, nil
	}
	err := d.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plant_name"}, {Name: "disease_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"description", "solution"}),
	}).Create(&diseases).Error
	if err != nil {
		return 0, err
	}
	d.log.Infof("Imported %v disease entries", len(diseases))
	return len(diseases), nil
}

// Load a JSON file containing an array of disease entries
func LoadDiseaseFile(filename string) ([]model.Disease, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	diseases := []model.Disease{}
	if err := json.Unmarshal(raw, &diseases); err != nil {
		return nil, fmt.Errorf("Failed to parse disease file %v: %w", filename, err)
	}
	return diseases, nil
}
