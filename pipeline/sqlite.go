package pipeline

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-learninglib/models"
)

// SQLiteWriter stores the library table, compositions and failures in a
// SQLite database.
type SQLiteWriter struct {
	db   *sql.DB
	path string
}

// NewSQLiteWriter opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteWriter{db: db, path: path}, nil
}

func sqliteSchema() string {
	var cols strings.Builder
	for _, c := range models.TableColumns {
		kind := "REAL"
		if strings.HasSuffix(c, "_sg_label") {
			kind = "TEXT"
		} else if strings.HasSuffix(c, "_sg_order") {
			kind = "INTEGER"
		}
		fmt.Fprintf(&cols, ",\n\t\t\t%s %s", c, kind)
	}
	return `
		CREATE TABLE IF NOT EXISTS structures (
			row_index INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			density REAL` + cols.String() + `
		);

		CREATE TABLE IF NOT EXISTS compositions (
			row_index INTEGER NOT NULL,
			variant TEXT NOT NULL,
			element TEXT NOT NULL,
			amount REAL NOT NULL,
			PRIMARY KEY (row_index, variant, element),
			FOREIGN KEY (row_index) REFERENCES structures(row_index)
		);

		CREATE TABLE IF NOT EXISTS failures (
			path TEXT NOT NULL,
			stage TEXT NOT NULL,
			error TEXT NOT NULL
		);
	`
}

// Write inserts every row of lib in one transaction.
func (w *SQLiteWriter) Write(lib *models.Library) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat(", ?", len(models.TableColumns))
	insertRow, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO structures (row_index, path, density, %s) VALUES (?, ?, ?%s)",
		strings.Join(models.TableColumns, ", "), placeholders,
	))
	if err != nil {
		return fmt.Errorf("prepare structures insert: %w", err)
	}
	defer insertRow.Close()

	insertComp, err := tx.Prepare("INSERT INTO compositions (row_index, variant, element, amount) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare compositions insert: %w", err)
	}
	defer insertComp.Close()

	for i, row := range lib.Table {
		args := append([]any{i, row.Path, lib.Density[i]}, row.Values()...)
		if _, err := insertRow.Exec(args...); err != nil {
			return fmt.Errorf("insert structure %s: %w", row.Path, err)
		}
		for _, v := range []struct {
			name string
			comp models.Composition
		}{
			{"primitive", lib.PrimitiveComposition[i]},
			{"ordinary", lib.OrdinaryComposition[i]},
		} {
			elements := make([]string, 0, len(v.comp))
			for el := range v.comp {
				elements = append(elements, el)
			}
			sort.Strings(elements)
			for _, el := range elements {
				if _, err := insertComp.Exec(i, v.name, el, v.comp[el]); err != nil {
					return fmt.Errorf("insert composition %s: %w", row.Path, err)
				}
			}
		}
	}

	for _, f := range lib.Failures {
		if _, err := tx.Exec("INSERT INTO failures (path, stage, error) VALUES (?, ?, ?)", f.Path, f.Stage, f.Err.Error()); err != nil {
			return fmt.Errorf("insert failure %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
