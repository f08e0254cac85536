package records

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/leafscan/server/model"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *DB {
	db, err := Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "records.sqlite")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFindDisease(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	n, err := db.ImportDiseases(ctx, []model.Disease{
		{PlantName: "Tomato", DiseaseName: "Late_blight", Description: "Water mold", Solution: "Copper"},
		{PlantName: "Tomato", DiseaseName: "healthy", Description: "No disease", Solution: "Nothing to do"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	e, err := db.FindDisease(ctx, "Tomato", "Late_blight")
	require.NoError(t, err)
	require.Equal(t, "Water mold", e.Description)

	e, err = db.FindDisease(ctx, "Potato", "Late_blight")
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestImportUpserts(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	_, err := db.ImportDiseases(ctx, []model.Disease{{PlantName: "Corn", DiseaseName: "Common_rust", Description: "v1", Solution: "s1"}})
	require.NoError(t, err)
	_, err = db.ImportDiseases(ctx, []model.Disease{{PlantName: " Corn ", DiseaseName: "Common_rust", Description: "v2", Solution: "s2"}})
	require.NoError(t, err)

	e, err := db.FindDisease(ctx, "Corn", "Common_rust")
	require.NoError(t, err)
	require.Equal(t, "v2", e.Description)
	require.Equal(t, "s2", e.Solution)

	count := int64(0)
	require.NoError(t, db.DB.Model(&model.Disease{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	_, err = db.ImportDiseases(ctx, []model.Disease{{PlantName: "", DiseaseName: "x"}})
	require.Error(t, err)
}

func TestHistory(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, user := range []string{"alice", "bob", "alice", "alice"} {
		r := &model.AnalysisResult{
			UserID:            user,
			ImageFilename:     "processed-" + string(rune('a'+i)) + ".jpeg",
			PlantNameDetected: "Grape",
			DiseasesDetected:  &dbh.JSONField[[]model.DiseaseDetected]{Data: []model.DiseaseDetected{{DiseaseName: "Black_rot", Description: "d", Solution: "s"}}},
			Confidence:        "88.10",
			AnalysisDate:      dbh.Milli(base.Add(time.Duration(i) * time.Minute)),
		}
		require.NoError(t, db.InsertAnalysis(ctx, r))
		require.NotEqual(t, int64(0), r.ID)
		require.Error(t, db.InsertAnalysis(ctx, r))
	}

	h, err := db.History(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, len(h))
	require.Equal(t, "processed-d.jpeg", h[0].ImageFilename)
	require.Equal(t, "processed-c.jpeg", h[1].ImageFilename)
	require.Equal(t, "processed-a.jpeg", h[2].ImageFilename)
	require.Equal(t, "Black_rot", h[0].DiseasesDetected.Data[0].DiseaseName)
	require.True(t, h[0].AnalysisDate.Equal(base.Add(3*time.Minute)))

	h, err = db.History(ctx, "nobody")
	require.NoError(t, err)
	require.Equal(t, 0, len(h))
}

func TestLoadDiseaseFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "diseases.json")
	require.NoError(t, os.WriteFile(fn, []byte(`[{"plant_name": "Apple", "disease_name": "Apple_scab", "description": "Fungus", "solution": "Prune"}]`), 0644))
	d, err := LoadDiseaseFile(fn)
	require.NoError(t, err)
	require.Equal(t, 1, len(d))
	require.Equal(t, "Apple_scab", d[0].DiseaseName)
}
