package formula

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSource reads formula definitions from the formulas table, one
// row per definition with the input and output contracts stored as JSONB.
// It is a read-only source: publishing and versioning definitions is the
// authoring pipeline's concern.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) LoadAll(ctx context.Context) ([]*FormulaDefinition, []LoadError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, category, tags, version, inputs, expression, output
		FROM formulas
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query formulas: %w", err)
	}
	defer rows.Close()

	var defs []*FormulaDefinition
	var loadErrs []LoadError
	for rows.Next() {
		var def FormulaDefinition
		var tagsJSON, inputsJSON, outputJSON []byte

		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &def.Category,
			&tagsJSON, &def.Version, &inputsJSON, &def.Expression, &outputJSON); err != nil {
			return nil, nil, fmt.Errorf("failed to scan formula row: %w", err)
		}

		if err := decodeColumns(&def, tagsJSON, inputsJSON, outputJSON); err != nil {
			loadErrs = append(loadErrs, LoadError{FormulaID: def.ID, Reason: err.Error()})
			continue
		}
		defs = append(defs, &def)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating formula rows: %w", err)
	}

	return defs, loadErrs, nil
}

func decodeColumns(def *FormulaDefinition, tagsJSON, inputsJSON, outputJSON []byte) error {
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &def.Tags); err != nil {
			return fmt.Errorf("invalid tags column: %v", err)
		}
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &def.Inputs); err != nil {
			return fmt.Errorf("invalid inputs column: %v", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &def.Output); err != nil {
			return fmt.Errorf("invalid output column: %v", err)
		}
	}
	return nil
}
