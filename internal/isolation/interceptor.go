// Package isolation scopes raw SQL to a single merchant before it reaches the store.
//
// Table detection is a lexical heuristic over FROM, JOIN, INTO and UPDATE
// clauses, not a parser. It guards against accidental omission; the hard
// boundary is the merchant_id predicate the rewrite injects for every
// tenant table it finds, and the refusal of anything it cannot scope.
package isolation

import (
	"fmt"
	"strings"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
)

// TenantColumn is the column every tenant table is partitioned by.
const TenantColumn = "merchant_id"

// QueryType classifies a statement by its leading keyword.
type QueryType string

// Query types.
const (
	QuerySelect QueryType = "SELECT"
	QueryInsert QueryType = "INSERT"
	QueryUpdate QueryType = "UPDATE"
	QueryDelete QueryType = "DELETE"
	QueryCTE    QueryType = "CTE"
	QueryOther  QueryType = "OTHER"
)

// WarningCode identifies a non-fatal isolation finding.
type WarningCode string

// Warning codes.
const (
	WarnExistingFilter    WarningCode = "existing_merchant_filter"
	WarnUnknownTable      WarningCode = "unknown_table"
	WarnCrossTenant       WarningCode = "cross_tenant"
	WarnUnscopedStatement WarningCode = "unscoped_statement"
	WarnParamOverride     WarningCode = "merchant_param_overridden"
)

// Warning is a TenantIsolationWarning: logged, but the query still runs.
type Warning struct {
	Code    WarningCode
	Message string
}

func (w Warning) String() string { return string(w.Code) + ": " + w.Message }

// Config lists the tables the interceptor knows about.
type Config struct {
	// TenantTables hold per-merchant rows and always receive a merchant_id predicate.
	TenantTables []string
	// SharedTables hold no tenant data and pass through unscoped.
	SharedTables []string
}

// DefaultConfig covers the document schema.
func DefaultConfig() Config {
	return Config{
		TenantTables: []string{"documents", "document_stats"},
	}
}

// Options tune a single interception.
type Options struct {
	// AllowCrossTenant skips scoping. Only honored for contexts that CanCrossTenant.
	AllowCrossTenant bool
	// AllowedTables, when non-empty, is the complete set of tables the query may touch.
	AllowedTables []string
}

// Result is the scoped query ready for execution.
type Result struct {
	Query  string
	Params []any
	// Warnings are TenantIsolationWarnings for the audit trail.
	Warnings []Warning
	// Tables lists every physical table referenced, in order of appearance.
	Tables      []string
	Type        QueryType
	Scoped      bool
	ReturnsRows bool
}

// Interceptor rewrites queries so they can only see one merchant's rows.
type Interceptor struct {
	tenantTables map[string]struct{}
	sharedTables map[string]struct{}
}

// New creates an Interceptor.
func New(cfg Config) *Interceptor {
	ic := &Interceptor{
		tenantTables: make(map[string]struct{}, len(cfg.TenantTables)),
		sharedTables: make(map[string]struct{}, len(cfg.SharedTables)),
	}
	for _, t := range cfg.TenantTables {
		ic.tenantTables[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range cfg.SharedTables {
		ic.sharedTables[strings.ToLower(t)] = struct{}{}
	}
	return ic
}

// Intercept validates query against t and returns it scoped to t's merchant.
//
// params are the caller's positional parameters; every $n in query must have
// one and none may be left over. The merchant id is appended last. A
// merchant_id supplied by the caller in an INSERT is overridden, never trusted.
func (ic *Interceptor) Intercept(query string, params []any, t tenant.Context, opts Options) (Result, error) {
	merchant := t.MerchantID()
	if err := t.Validate(); err != nil {
		return Result{}, domain.NewTenantIsolationError(merchant, "tenant context is missing or malformed")
	}
	if opts.AllowCrossTenant && !t.CanCrossTenant() {
		return Result{}, domain.NewTenantIsolationError(merchant, "cross-tenant access requires a system context")
	}

	toks, err := lex(query)
	if err != nil {
		return Result{}, domain.NewTenantIsolationError(merchant, err.Error())
	}

	maxParam := 0
	for _, tk := range toks {
		if tk.kind == tkParam && tk.param > maxParam {
			maxParam = tk.param
		}
	}
	if maxParam != len(params) {
		return Result{}, domain.NewTenantIsolationError(merchant,
			fmt.Sprintf("query references %d parameters but %d were supplied", maxParam, len(params)))
	}

	rw := &rewriter{
		ic:          ic,
		src:         query,
		toks:        toks,
		cross:       opts.AllowCrossTenant,
		placeholder: fmt.Sprintf("$%d", len(params)+1),
		overrides:   map[int]struct{}{},
		seen:        map[string]struct{}{},
		ctes:        map[string]struct{}{},
		consumed:    map[int]struct{}{},
	}
	typ, returnsRows, err := rw.root()
	if err == nil {
		err = rw.unscoped()
	}
	if err != nil {
		return Result{}, domain.NewTenantIsolationError(merchant, err.Error())
	}

	if err := checkAllowed(rw.tables, opts.AllowedTables); err != nil {
		return Result{}, domain.NewTenantIsolationError(merchant, err.Error())
	}

	warnings := rw.warnings
	if hasLiteralFilter(toks) {
		warnings = append(warnings, Warning{
			Code:    WarnExistingFilter,
			Message: "query already filters on merchant_id; scoping predicate applied as well",
		})
	}
	if opts.AllowCrossTenant {
		warnings = append(warnings, Warning{
			Code:    WarnCrossTenant,
			Message: "cross-tenant query executed without merchant scoping",
		})
	}

	out := make([]any, len(params), len(params)+1)
	copy(out, params)
	for idx := range rw.overrides {
		out[idx] = merchant
	}
	if rw.placeholderUsed {
		out = append(out, merchant)
	}

	return Result{
		Query:       rw.output(),
		Params:      out,
		Warnings:    warnings,
		Tables:      rw.tables,
		Type:        typ,
		Scoped:      rw.placeholderUsed || len(rw.overrides) > 0,
		ReturnsRows: returnsRows,
	}, nil
}

// Classify returns the statement type of query without scoping it.
func Classify(query string) QueryType {
	fields := strings.Fields(strings.TrimLeft(query, "( \t\r\n"))
	if len(fields) == 0 {
		return QueryOther
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "TABLE":
		return QuerySelect
	case "INSERT":
		return QueryInsert
	case "UPDATE":
		return QueryUpdate
	case "DELETE":
		return QueryDelete
	case "WITH":
		return QueryCTE
	default:
		return QueryOther
	}
}

func (ic *Interceptor) isTenant(name string) bool {
	_, ok := ic.tenantTables[name]
	return ok
}

func (ic *Interceptor) isShared(name string) bool {
	if _, ok := ic.sharedTables[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "pg_") || strings.HasPrefix(name, "information_schema.")
}

func checkAllowed(tables, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(a)] = struct{}{}
	}
	for _, t := range tables {
		if _, ok := set[t]; ok {
			continue
		}
		if _, ok := set[baseName(t)]; ok {
			continue
		}
		return fmt.Errorf("table %q is not in the allowed table list", t)
	}
	return nil
}

func hasLiteralFilter(toks []token) bool {
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].identifier() && toks[i].name() == TenantColumn && toks[i+1].op("=") {
			return true
		}
	}
	return false
}

func baseName(qualified string) string {
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
