package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/liamcoop/formulary/formula/parser"
	"github.com/liamcoop/formulary/internal/logger"
)

// LoadReport summarizes one load pass over the source. Skipped definitions
// carry a per-id reason; they never abort the rest of the load.
type LoadReport struct {
	Loaded  int         `json:"loaded"`
	Skipped int         `json:"skipped"`
	Errors  []LoadError `json:"errors,omitempty"`
}

// LibraryConfig tunes library behavior. Zero values select the defaults.
type LibraryConfig struct {
	// Lazy makes the first cache miss trigger a full load from the source
	// instead of returning NotFoundError.
	Lazy bool
	// Limits bounds expression size and nesting at load time.
	Limits parser.Limits
}

type compiledFormula struct {
	def *FormulaDefinition
	ast parser.Expression
}

// snapshot is one immutable generation of the cache. Readers grab the
// current pointer and work against it without locking; a reload builds a
// fresh snapshot and swaps the pointer, so a reader never observes a
// half-populated cache.
type snapshot struct {
	formulas map[string]*compiledFormula
	ids      []string // sorted ascending, the stable List order
}

// Library loads, validates, compiles and caches formula definitions keyed
// by id. Get and List are safe for concurrent use while a reload is in
// flight; LoadAll is the only writer and serializes behind a mutex.
type Library struct {
	source  Source
	sandbox *Sandbox
	cfg     LibraryConfig

	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes LoadAll
}

func NewLibrary(source Source, sandbox *Sandbox, cfg LibraryConfig) *Library {
	if cfg.Limits.MaxLength <= 0 {
		cfg.Limits.MaxLength = parser.DefaultMaxLength
	}
	if cfg.Limits.MaxDepth <= 0 {
		cfg.Limits.MaxDepth = parser.DefaultMaxDepth
	}
	return &Library{
		source:  source,
		sandbox: sandbox,
		cfg:     cfg,
	}
}

// LoadAll reads every definition from the source, validates and compiles
// each one, and atomically replaces the cache with the result. Malformed
// definitions are reported in the LoadReport and skipped. The returned
// error is non-nil only when the source itself cannot be read.
func (l *Library) LoadAll(ctx context.Context) (*LoadReport, error) {
	report, _, err := l.loadAll(ctx)
	return report, err
}

// loadAll also returns the snapshot it installed, so lazy callers can use
// that generation directly instead of re-reading the pointer, which a
// concurrent Invalidate could have nilled out again.
func (l *Library) loadAll(ctx context.Context) (*LoadReport, *snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	defs, sourceErrs, err := l.source.LoadAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read formula source: %w", err)
	}

	report := &LoadReport{}
	next := &snapshot{formulas: make(map[string]*compiledFormula, len(defs))}

	for _, srcErr := range sourceErrs {
		report.Skipped++
		report.Errors = append(report.Errors, srcErr)
		logger.Warn("skipping undecodable formula record",
			"formulaId", srcErr.FormulaID, "reason", srcErr.Reason)
	}

	for _, def := range defs {
		if _, exists := next.formulas[def.ID]; exists {
			report.Skipped++
			report.Errors = append(report.Errors, LoadError{FormulaID: def.ID, Reason: "duplicate formula id"})
			continue
		}

		ast, loadErr := l.compile(def)
		if loadErr != nil {
			report.Skipped++
			report.Errors = append(report.Errors, *loadErr)
			logger.Warn("skipping malformed formula definition",
				"formulaId", loadErr.FormulaID, "reason", loadErr.Reason)
			continue
		}

		next.formulas[def.ID] = &compiledFormula{def: def, ast: ast}
		next.ids = append(next.ids, def.ID)
		report.Loaded++
	}

	sort.Strings(next.ids)
	l.snap.Store(next)

	logger.Info("formula library loaded", "loaded", report.Loaded, "skipped", report.Skipped)
	return report, next, nil
}

// compile validates a single definition end to end: structural invariants,
// expression syntax within limits, free-variable closure over declared
// inputs plus constants, and callee names with correct arity. A formula
// that passes compile can only fail at evaluation time for data-dependent
// reasons (domain errors, non-finite results, budget).
func (l *Library) compile(def *FormulaDefinition) (parser.Expression, *LoadError) {
	if err := def.Validate(); err != nil {
		return nil, &LoadError{FormulaID: def.ID, Reason: err.Error()}
	}

	ast, err := parser.ParseWithLimits(def.Expression, l.cfg.Limits)
	if err != nil {
		return nil, &LoadError{FormulaID: def.ID, Reason: err.Error()}
	}

	declared := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		declared[in.Name] = true
	}
	for _, name := range parser.FreeVariables(ast) {
		if declared[name] {
			continue
		}
		if _, ok := l.sandbox.constants[name]; ok {
			continue
		}
		return nil, &LoadError{FormulaID: def.ID, Reason: fmt.Sprintf("expression references undeclared variable %q", name)}
	}

	var callErr *LoadError
	parser.Calls(ast, func(call *parser.CallExpression) {
		if callErr != nil {
			return
		}
		fn, ok := l.sandbox.functions[call.Function]
		if !ok {
			callErr = &LoadError{FormulaID: def.ID, Reason: fmt.Sprintf("expression calls unknown function %q", call.Function)}
			return
		}
		if len(call.Arguments) != fn.Arity {
			callErr = &LoadError{FormulaID: def.ID, Reason: fmt.Sprintf("%s expects %d argument(s), got %d", call.Function, fn.Arity, len(call.Arguments))}
		}
	})
	if callErr != nil {
		return nil, callErr
	}

	return ast, nil
}

// Get returns the definition for id. In lazy mode a miss against a
// never-loaded cache triggers a full load first.
func (l *Library) Get(ctx context.Context, id string) (*FormulaDefinition, error) {
	cf, err := l.getCompiled(ctx, id)
	if err != nil {
		return nil, err
	}
	return cf.def, nil
}

func (l *Library) getCompiled(ctx context.Context, id string) (*compiledFormula, error) {
	snap := l.snap.Load()
	if snap == nil {
		if !l.cfg.Lazy {
			return nil, &NotFoundError{ID: id}
		}
		_, loaded, err := l.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	cf, ok := snap.formulas[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return cf, nil
}

// List returns summaries matching the filter, ordered by id ascending.
func (l *Library) List(ctx context.Context, filter Filter) ([]FormulaSummary, error) {
	snap := l.snap.Load()
	if snap == nil {
		if !l.cfg.Lazy {
			return []FormulaSummary{}, nil
		}
		_, loaded, err := l.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	summaries := make([]FormulaSummary, 0, len(snap.ids))
	for _, id := range snap.ids {
		cf := snap.formulas[id]
		if filter.matches(cf.def) {
			summaries = append(summaries, cf.def.Summary())
		}
	}
	return summaries, nil
}

// Count reports the number of loaded formulas, zero when never loaded.
func (l *Library) Count() int {
	snap := l.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.ids)
}

// Invalidate drops the whole cache. The next Get or List re-reads the
// source in lazy mode, or an explicit LoadAll repopulates it.
func (l *Library) Invalidate() {
	l.snap.Store(nil)
}
