package records

import (
	"strings"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// Migrations for the disease knowledge base and the analysis history.
// The same schema runs on SQLite and Postgres. Only the primary key type differs.
func Migrations(log logs.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	pk := "INTEGER PRIMARY KEY"
	if driver == dbh.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	sql := func(s string) string {
		return strings.ReplaceAll(s, "$PK", pk)
	}

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx, sql(`
		CREATE TABLE disease(
			id $PK,
			plant_name TEXT NOT NULL,
			disease_name TEXT NOT NULL,
			description TEXT NOT NULL,
			solution TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_disease_plant_name_disease_name ON disease(plant_name, disease_name);

		CREATE TABLE analysis_result(
			id $PK,
			user_id TEXT NOT NULL,
			image_filename TEXT NOT NULL,
			image_url TEXT,
			plant_name_detected TEXT NOT NULL,
			diseases_detected TEXT,
			confidence TEXT,
			analysis_date TIMESTAMP NOT NULL
		);
		CREATE INDEX idx_analysis_result_user_id_analysis_date ON analysis_result(user_id, analysis_date);
	`)))

	return migs
}
