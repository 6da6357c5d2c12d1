//go:build integration
// +build integration

package formula_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/formulary/formula"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container, runs the migrations, and
// returns a connection.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "formulary_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=formulary_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_create_formulas.up.sql"))
	if err != nil {
		migrationSQL, err = os.ReadFile(filepath.Join("migrations", "000001_create_formulas.up.sql"))
		if err != nil {
			t.Fatalf("Failed to read migration file: %v", err)
		}
	}

	if _, err = db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

// insertFormula stores one definition row the way an authoring tool would.
func insertFormula(t *testing.T, db *sql.DB, def *formula.FormulaDefinition) {
	t.Helper()

	tags, err := json.Marshal(def.Tags)
	if err != nil {
		t.Fatalf("Failed to marshal tags: %v", err)
	}
	inputs, err := json.Marshal(def.Inputs)
	if err != nil {
		t.Fatalf("Failed to marshal inputs: %v", err)
	}
	output, err := json.Marshal(def.Output)
	if err != nil {
		t.Fatalf("Failed to marshal output: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO formulas (id, name, description, category, tags, version, inputs, expression, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, def.ID, def.Name, def.Description, def.Category, tags, def.Version, inputs, def.Expression, output)
	if err != nil {
		t.Fatalf("Failed to insert formula %s: %v", def.ID, err)
	}
}

func TestPostgresSource_LoadAll(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	minZero := 0.0
	insertFormula(t, db, &formula.FormulaDefinition{
		ID:       "circle_area",
		Name:     "Circle Area",
		Category: "geometry",
		Tags:     []string{"area"},
		Version:  1,
		Inputs: []formula.FormulaInput{
			{Name: "radius", Type: formula.TypeNumber, Required: true, Min: &minZero},
		},
		Expression: "pi * radius ^ 2",
		Output:     formula.FormulaOutput{Name: "area", Type: formula.TypeNumber, Unit: "m2"},
	})
	insertFormula(t, db, &formula.FormulaDefinition{
		ID:      "markup",
		Name:    "Price Markup",
		Version: 1,
		Inputs: []formula.FormulaInput{
			{Name: "price", Type: formula.TypeNumber, Required: true},
			{Name: "rate", Type: formula.TypeNumber, Required: false, Default: 0.2},
		},
		Expression: "price * (1 + rate)",
		Output:     formula.FormulaOutput{Name: "total", Type: formula.TypeNumber},
	})

	source := formula.NewPostgresSource(db)
	defs, loadErrs, err := source.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("Failed to load formulas: %v", err)
	}
	if len(loadErrs) != 0 {
		t.Fatalf("Expected no load errors, got %v", loadErrs)
	}
	if len(defs) != 2 {
		t.Fatalf("Expected 2 definitions, got %d", len(defs))
	}

	// Rows come back ordered by id.
	if defs[0].ID != "circle_area" || defs[1].ID != "markup" {
		t.Errorf("Unexpected order: %s, %s", defs[0].ID, defs[1].ID)
	}
	if defs[0].Inputs[0].Min == nil || *defs[0].Inputs[0].Min != 0 {
		t.Error("Expected min 0 on radius input")
	}
}

func TestPostgresSource_UndecodableRow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	insertFormula(t, db, &formula.FormulaDefinition{
		ID:      "good",
		Name:    "Good",
		Version: 1,
		Inputs: []formula.FormulaInput{
			{Name: "x", Type: formula.TypeNumber, Required: true},
		},
		Expression: "x * 2",
		Output:     formula.FormulaOutput{Name: "y", Type: formula.TypeNumber},
	})

	// A row whose inputs column holds the wrong JSON shape.
	_, err := db.Exec(`
		INSERT INTO formulas (id, name, version, inputs, expression, output)
		VALUES ('broken', 'Broken', 1, '{"not": "an array"}', 'x', '{"name": "y", "type": "number"}')
	`)
	if err != nil {
		t.Fatalf("Failed to insert broken row: %v", err)
	}

	source := formula.NewPostgresSource(db)
	defs, loadErrs, err := source.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("Failed to load formulas: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "good" {
		t.Fatalf("Expected only the good definition, got %d", len(defs))
	}
	if len(loadErrs) != 1 || loadErrs[0].FormulaID != "broken" {
		t.Fatalf("Expected one load error for broken, got %v", loadErrs)
	}
}

func TestLibraryAndServiceOverPostgres(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	insertFormula(t, db, &formula.FormulaDefinition{
		ID:      "bmi",
		Name:    "Body Mass Index",
		Version: 1,
		Inputs: []formula.FormulaInput{
			{Name: "weight_kg", Type: formula.TypeNumber, Required: true},
			{Name: "height_m", Type: formula.TypeNumber, Required: true},
		},
		Expression: "weight_kg / (height_m ^ 2)",
		Output:     formula.FormulaOutput{Name: "bmi", Type: formula.TypeNumber},
	})

	sandbox := formula.NewSandbox(formula.SandboxConfig{})
	library := formula.NewLibrary(formula.NewPostgresSource(db), sandbox, formula.LibraryConfig{})
	report, err := library.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("Failed to load library: %v", err)
	}
	if report.Loaded != 1 {
		t.Fatalf("Expected 1 loaded, got %d (errors: %v)", report.Loaded, report.Errors)
	}

	service := formula.NewService(library, sandbox)
	result, err := service.Evaluate(context.Background(), "bmi", map[string]any{
		"weight_kg": 70.0,
		"height_m":  1.75,
	})
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	got := result.Result.(float64)
	if got < 22.85 || got > 22.86 {
		t.Errorf("Expected bmi near 22.857, got %v", got)
	}

	// A new row appears after an explicit reload.
	insertFormula(t, db, &formula.FormulaDefinition{
		ID:      "doubler",
		Name:    "Doubler",
		Version: 1,
		Inputs: []formula.FormulaInput{
			{Name: "x", Type: formula.TypeNumber, Required: true},
		},
		Expression: "x * 2",
		Output:     formula.FormulaOutput{Name: "y", Type: formula.TypeNumber},
	})

	if _, err := library.Get(context.Background(), "doubler"); err == nil {
		t.Error("Expected doubler to be invisible before reload")
	}
	if _, err := library.LoadAll(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if _, err := library.Get(context.Background(), "doubler"); err != nil {
		t.Errorf("Expected doubler after reload: %v", err)
	}
}
