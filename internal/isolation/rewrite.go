package isolation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type edit struct {
	start int
	end   int
	text  string
}

type tableRef struct {
	name      string
	qualifier string
	tenant    bool
	onStart   int
	onEnd     int
}

// rewriter walks one lexed statement and records text edits that scope it.
type rewriter struct {
	ic    *Interceptor
	src   string
	toks  []token
	cross bool

	placeholder     string
	placeholderUsed bool
	overrides       map[int]struct{}

	edits    []edit
	tables   []string
	seen     map[string]struct{}
	consumed map[int]struct{}
	ctes     map[string]struct{}
	warnings []Warning
}

var reservedAfterTable = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "INNER": {}, "OUTER": {},
	"CROSS": {}, "NATURAL": {}, "ON": {}, "USING": {}, "GROUP": {}, "ORDER": {}, "LIMIT": {},
	"OFFSET": {}, "HAVING": {}, "WINDOW": {}, "FETCH": {}, "FOR": {}, "RETURNING": {},
	"UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "SET": {}, "VALUES": {}, "SELECT": {},
	"DEFAULT": {}, "LATERAL": {}, "TABLESAMPLE": {}, "DO": {}, "AS": {},
}

var terminators = map[string]struct{}{
	"GROUP": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {}, "HAVING": {},
	"WINDOW": {}, "FETCH": {}, "FOR": {}, "RETURNING": {},
}

var joinWords = map[string]struct{}{
	"JOIN": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "INNER": {}, "OUTER": {}, "CROSS": {}, "NATURAL": {},
}

func keyword(t token, set map[string]struct{}) bool {
	if t.kind != tkWord {
		return false
	}
	_, ok := set[strings.ToUpper(t.text)]
	return ok
}

func (r *rewriter) root() (QueryType, bool, error) {
	first := r.toks[0]
	typ := QueryOther
	switch {
	case first.is("WITH"):
		typ = QueryCTE
	case first.is("SELECT"), first.is("TABLE"), first.punct("("):
		typ = QuerySelect
	case first.is("INSERT"):
		typ = QueryInsert
	case first.is("UPDATE"):
		typ = QueryUpdate
	case first.is("DELETE"):
		typ = QueryDelete
	}
	rows, err := r.statement(0, len(r.toks))
	return typ, rows, err
}

// statement scopes toks[lo:hi] and reports whether it yields rows.
func (r *rewriter) statement(lo, hi int) (bool, error) {
	if lo >= hi {
		return false, errEmptyStatement
	}
	first := r.toks[lo]
	switch {
	case first.is("WITH"):
		main, err := r.with(lo, hi)
		if err != nil {
			return false, err
		}
		return r.statement(main, hi)
	case first.is("SELECT"), first.is("VALUES"), first.is("TABLE"), first.punct("("):
		return true, r.selectStmt(lo, hi)
	case first.is("INSERT"):
		return r.insert(lo, hi)
	case first.is("UPDATE"):
		return r.update(lo, hi)
	case first.is("DELETE"):
		return r.delete(lo, hi)
	default:
		return first.is("SHOW") || first.is("EXPLAIN"), r.other(lo, hi)
	}
}

func (r *rewriter) with(lo, hi int) (int, error) {
	t := r.toks
	i := lo + 1
	recursive := false
	if i < hi && t[i].is("RECURSIVE") {
		recursive = true
		i++
	}
	for {
		if i >= hi || !t[i].identifier() {
			return 0, errors.New("malformed WITH clause")
		}
		name := t[i].name()
		if r.ic.isTenant(name) {
			return 0, fmt.Errorf("CTE name %q shadows a tenant table", name)
		}
		i++
		if i < hi && t[i].punct("(") {
			i = t[i].match + 1
		}
		if i >= hi || !t[i].is("AS") {
			return 0, errors.New("malformed WITH clause")
		}
		i++
		if i < hi && t[i].is("NOT") {
			i++
		}
		if i < hi && t[i].is("MATERIALIZED") {
			i++
		}
		if i >= hi || !t[i].punct("(") {
			return 0, errors.New("malformed WITH clause")
		}
		open, closing := i, t[i].match
		if recursive {
			r.ctes[name] = struct{}{}
		}
		if _, err := r.statement(open+1, closing); err != nil {
			return 0, err
		}
		r.ctes[name] = struct{}{}
		i = closing + 1
		if i < hi && t[i].punct(",") {
			i++
			continue
		}
		return i, nil
	}
}

func (r *rewriter) selectStmt(lo, hi int) error {
	start := lo
	for i := lo; i < hi; i = r.skip(i) {
		t := r.toks[i]
		if t.is("UNION") || t.is("INTERSECT") || t.is("EXCEPT") {
			if err := r.selectBranch(start, i); err != nil {
				return err
			}
			j := i + 1
			if j < hi && (r.toks[j].is("ALL") || r.toks[j].is("DISTINCT")) {
				j++
			}
			start = j
		}
	}
	return r.selectBranch(start, hi)
}

func (r *rewriter) selectBranch(lo, hi int) error {
	if lo >= hi {
		return errEmptyStatement
	}
	if first := r.toks[lo]; first.punct("(") {
		if _, err := r.statement(lo+1, first.match); err != nil {
			return err
		}
		return r.subqueries(first.match+1, hi)
	}
	if r.toks[lo].is("TABLE") {
		return r.tableStmt(lo, hi)
	}

	if err := r.subqueries(lo, hi); err != nil {
		return err
	}
	from := r.find(lo, hi, "FROM")
	if from < 0 {
		return nil
	}
	refs, end, err := r.fromList(from+1, hi)
	if err != nil {
		return err
	}
	r.scope(refs, end, hi)
	return nil
}

// tableStmt scopes TABLE name, the shorthand for SELECT * FROM name.
func (r *rewriter) tableStmt(lo, hi int) error {
	i := lo + 1
	if i < hi && r.toks[i].is("ONLY") {
		i++
	}
	if i >= hi || !r.toks[i].identifier() {
		return errors.New("malformed TABLE statement")
	}
	name, written, next := r.qualifiedName(i, hi)
	ref := r.record(name, written, next-1)
	if ref == nil || !ref.tenant || r.cross {
		return nil
	}
	r.edits = append(r.edits, edit{start: r.toks[lo].start, end: r.toks[lo].end, text: "SELECT * FROM"})
	r.placeholderUsed = true
	r.where(next-1, hi, ref.qualifier+"."+TenantColumn+" = "+r.placeholder)
	return nil
}

func (r *rewriter) delete(lo, hi int) (bool, error) {
	if lo+1 >= hi || !r.toks[lo+1].is("FROM") {
		return false, errors.New("malformed DELETE")
	}
	ref, i, err := r.tableRef(lo+2, hi)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, errors.New("DELETE target must be a table")
	}
	refs := []tableRef{*ref}
	if i < hi && r.toks[i].is("USING") {
		more, end, err := r.fromList(i+1, hi)
		if err != nil {
			return false, err
		}
		refs = append(refs, more...)
		i = end
	}
	if err := r.subqueries(lo, hi); err != nil {
		return false, err
	}
	r.scope(refs, i, hi)
	return r.find(lo, hi, "RETURNING") >= 0, nil
}

func (r *rewriter) update(lo, hi int) (bool, error) {
	ref, i, err := r.tableRef(lo+1, hi)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, errors.New("UPDATE target must be a table")
	}
	if i >= hi || !r.toks[i].is("SET") {
		return false, errors.New("malformed UPDATE")
	}
	setEnd := hi
	for j := i + 1; j < hi; j = r.skip(j) {
		if t := r.toks[j]; r.fromKeyword(j) || t.is("WHERE") || t.is("RETURNING") {
			setEnd = j
			break
		}
	}
	if ref.tenant && r.assignsTenantColumn(i+1, setEnd) {
		return false, errors.New("merchant_id cannot be updated")
	}

	refs := []tableRef{*ref}
	i = setEnd
	if i < hi && r.toks[i].is("FROM") {
		more, end, err := r.fromList(i+1, hi)
		if err != nil {
			return false, err
		}
		refs = append(refs, more...)
		i = end
	}
	if err := r.subqueries(lo, hi); err != nil {
		return false, err
	}
	r.scope(refs, i, hi)
	return r.find(lo, hi, "RETURNING") >= 0, nil
}

func (r *rewriter) insert(lo, hi int) (bool, error) {
	t := r.toks
	i := lo + 1
	if i >= hi || !t[i].is("INTO") {
		return false, errors.New("malformed INSERT")
	}
	i++
	if i >= hi || !t[i].identifier() {
		return false, errors.New("malformed INSERT")
	}
	name, written, next := r.qualifiedName(i, hi)
	ref := r.record(name, written, next-1)
	if ref == nil {
		return false, errors.New("INSERT target must be a table")
	}
	i = next
	if i+1 < hi && t[i].is("AS") && t[i+1].identifier() {
		ref.qualifier = r.text(i + 1)
		i += 2
	}
	colOpen, colClose := -1, -1
	if i < hi && t[i].punct("(") && (i+1 >= hi || !t[i+1].is("SELECT")) {
		colOpen, colClose = i, t[i].match
		i = colClose + 1
	}

	srcEnd := hi
	for j := i; j < hi; j = r.skip(j) {
		if t[j].is("RETURNING") || (t[j].is("ON") && j+1 < hi && t[j+1].is("CONFLICT")) {
			srcEnd = j
			break
		}
	}

	scoped := ref.tenant && !r.cross
	switch {
	case i < srcEnd && t[i].is("VALUES"):
		rows, err := r.valuesRows(i+1, srcEnd)
		if err != nil {
			return false, err
		}
		if scoped {
			if err := r.bindTenantColumn(colOpen, colClose, rows); err != nil {
				return false, err
			}
		} else if err := r.subqueries(i+1, srcEnd); err != nil {
			return false, err
		}
	case i < srcEnd && t[i].is("DEFAULT"):
		if scoped {
			return false, errors.New("INSERT into a tenant table requires explicit values")
		}
	case i < srcEnd:
		if scoped {
			return false, errors.New("INSERT ... SELECT into a tenant table is not supported")
		}
		if _, err := r.statement(i, srcEnd); err != nil {
			return false, err
		}
	default:
		return false, errors.New("malformed INSERT")
	}

	if srcEnd < hi && t[srcEnd].is("ON") {
		if err := r.onConflict(ref, srcEnd, hi); err != nil {
			return false, err
		}
	}
	return r.find(lo, hi, "RETURNING") >= 0, nil
}

func (r *rewriter) valuesRows(lo, hi int) ([][2]int, error) {
	var rows [][2]int
	for i := lo; i < hi; {
		if !r.toks[i].punct("(") {
			return nil, fmt.Errorf("unsupported VALUES expression near %q", r.toks[i].text)
		}
		rows = append(rows, [2]int{i, r.toks[i].match})
		i = r.toks[i].match + 1
		if i < hi && r.toks[i].punct(",") {
			i++
		}
	}
	if len(rows) == 0 {
		return nil, errors.New("VALUES without rows")
	}
	return rows, nil
}

// bindTenantColumn forces merchant_id in every VALUES row to the scoping parameter.
func (r *rewriter) bindTenantColumn(colOpen, colClose int, rows [][2]int) error {
	if colOpen < 0 {
		return errors.New("INSERT into a tenant table requires an explicit column list")
	}
	cols := r.splitList(colOpen+1, colClose)
	pos := -1
	for k, c := range cols {
		if c[1]-c[0] == 1 && r.toks[c[0]].identifier() && r.toks[c[0]].name() == TenantColumn {
			pos = k
		}
	}
	if pos < 0 {
		r.insertAt(r.toks[colClose].start, ", "+TenantColumn)
	}

	overridden := false
	for _, row := range rows {
		elems := r.splitList(row[0]+1, row[1])
		if len(elems) != len(cols) {
			return fmt.Errorf("VALUES row has %d values for %d columns", len(elems), len(cols))
		}
		for k, e := range elems {
			if k == pos {
				continue
			}
			if err := r.subqueries(e[0], e[1]); err != nil {
				return err
			}
		}
		if pos < 0 {
			r.insertAt(r.toks[row[1]].start, ", "+r.placeholder)
			r.placeholderUsed = true
			continue
		}
		e := elems[pos]
		if e[1]-e[0] == 1 && r.toks[e[0]].kind == tkParam {
			r.overrides[r.toks[e[0]].param-1] = struct{}{}
			overridden = true
			continue
		}
		r.edits = append(r.edits, edit{start: r.toks[e[0]].start, end: r.toks[e[1]-1].end, text: r.placeholder})
		r.placeholderUsed = true
	}
	if overridden {
		r.warnings = append(r.warnings, Warning{
			Code:    WarnParamOverride,
			Message: "caller-supplied merchant_id parameter replaced with the tenant's merchant id",
		})
	}
	return nil
}

func (r *rewriter) onConflict(ref *tableRef, lo, hi int) error {
	j := lo + 2
	for j < hi && !r.toks[j].is("DO") {
		j = r.skip(j)
	}
	if j+1 >= hi {
		return errors.New("malformed ON CONFLICT clause")
	}
	if r.toks[j+1].is("NOTHING") {
		return nil
	}
	if !r.toks[j+1].is("UPDATE") || j+2 >= hi || !r.toks[j+2].is("SET") {
		return errors.New("malformed ON CONFLICT clause")
	}
	set := j + 2
	setEnd := hi
	for k := set + 1; k < hi; k = r.skip(k) {
		if r.toks[k].is("WHERE") || r.toks[k].is("RETURNING") {
			setEnd = k
			break
		}
	}
	if ref.tenant && r.assignsTenantColumn(set+1, setEnd) {
		return errors.New("merchant_id cannot be updated")
	}
	if err := r.subqueries(set+1, hi); err != nil {
		return err
	}
	if ref.tenant && !r.cross {
		r.placeholderUsed = true
		r.where(set+1, hi, ref.qualifier+"."+TenantColumn+" = "+r.placeholder)
	}
	return nil
}

func (r *rewriter) other(lo, hi int) error {
	for i := lo; i < hi; i++ {
		t := r.toks[i]
		if !t.identifier() || !r.ic.isTenant(t.name()) {
			continue
		}
		r.note(t.name())
		if !r.cross {
			return fmt.Errorf("%s statement on tenant table %q cannot be scoped", strings.ToUpper(r.toks[lo].text), t.name())
		}
	}
	r.warnings = append(r.warnings, Warning{
		Code:    WarnUnscopedStatement,
		Message: strings.ToUpper(r.toks[lo].text) + " statement passed through without merchant scoping",
	})
	return nil
}

// fromList parses comma- and JOIN-separated table references starting at i.
// It returns the physical tables found and the index where the list ends.
func (r *rewriter) fromList(i, hi int) ([]tableRef, int, error) {
	var refs []tableRef
	join, preserved := false, false
	for i < hi {
		items, plain, next, err := r.fromItem(i, hi)
		if err != nil {
			return nil, 0, err
		}
		i = next
		if join && i < hi && r.toks[i].is("ON") {
			j := i + 1
			for j < hi && !r.onBoundary(j) {
				j = r.skip(j)
			}
			// ON does not filter the preserved side of a RIGHT or FULL join,
			// so those tables are scoped in WHERE instead.
			if plain && !preserved {
				items[0].onStart, items[0].onEnd = i, j-1
			}
			i = j
		} else if join && i < hi && r.toks[i].is("USING") {
			i++
			if i < hi && r.toks[i].punct("(") {
				i = r.toks[i].match + 1
			}
		}
		refs = append(refs, items...)
		join, preserved = false, false
		if i >= hi {
			break
		}
		if r.toks[i].punct(",") {
			i++
			continue
		}
		if j, outer, ok := r.joinKeyword(i, hi); ok {
			i = j
			join, preserved = true, outer
			continue
		}
		break
	}
	return refs, i, nil
}

// fromItem parses one FROM item. A parenthesized join group yields every
// table inside it; plain reports a single table reference.
func (r *rewriter) fromItem(i, hi int) ([]tableRef, bool, int, error) {
	t := r.toks
	j := i
	for j < hi && (t[j].is("LATERAL") || t[j].is("ONLY")) {
		j++
	}
	if j < hi && t[j].punct("(") && !r.derived(j) {
		closing := t[j].match
		refs, end, err := r.fromList(j+1, closing)
		if err != nil {
			return nil, false, 0, err
		}
		if end != closing {
			return nil, false, 0, fmt.Errorf("unsupported join group near %q", t[end].text)
		}
		alias, next := r.alias(closing+1, hi)
		if alias != "" && !r.cross {
			for _, ref := range refs {
				if ref.tenant && ref.onStart < 0 {
					return nil, false, 0, fmt.Errorf("aliased join group hides tenant table %q", ref.name)
				}
			}
		}
		return refs, false, next, nil
	}
	ref, next, err := r.tableRef(i, hi)
	if err != nil {
		return nil, false, 0, err
	}
	if ref == nil {
		return nil, false, next, nil
	}
	return []tableRef{*ref}, true, next, nil
}

// derived reports whether the parenthesis at open starts a subquery rather
// than a join group.
func (r *rewriter) derived(open int) bool {
	t := r.toks
	closing := t[open].match
	k := open + 1
	if k >= closing {
		return false
	}
	if t[k].is("SELECT") || t[k].is("WITH") || t[k].is("VALUES") || t[k].is("TABLE") {
		return true
	}
	if !t[k].punct("(") || !r.derived(k) {
		return false
	}
	after := t[k].match + 1
	if after == closing {
		return true
	}
	switch a := t[after]; {
	case a.is("UNION"), a.is("INTERSECT"), a.is("EXCEPT"):
		return true
	default:
		return keyword(a, terminators)
	}
}

// joinKeyword consumes a join operator. outer reports a RIGHT or FULL join.
func (r *rewriter) joinKeyword(i, hi int) (int, bool, bool) {
	j := i
	outer := false
	for j < hi && keyword(r.toks[j], joinWords) && !r.toks[j].is("JOIN") {
		if r.toks[j].is("RIGHT") || r.toks[j].is("FULL") {
			outer = true
		}
		j++
	}
	if j < hi && r.toks[j].is("JOIN") {
		return j + 1, outer, true
	}
	return i, false, false
}

func (r *rewriter) onBoundary(j int) bool {
	t := r.toks[j]
	if t.punct(",") || t.is("WHERE") || keyword(t, terminators) {
		return true
	}
	if t.is("UNION") || t.is("INTERSECT") || t.is("EXCEPT") {
		return true
	}
	if keyword(t, joinWords) {
		return j+1 >= len(r.toks) || !r.toks[j+1].punct("(")
	}
	return false
}

// tableRef parses one FROM item. Derived tables, table functions and CTE
// references yield a nil ref.
func (r *rewriter) tableRef(i, hi int) (*tableRef, int, error) {
	t := r.toks
	for i < hi && (t[i].is("LATERAL") || t[i].is("ONLY")) {
		i++
	}
	if i >= hi {
		return nil, i, errors.New("missing table reference")
	}
	if t[i].punct("(") {
		_, next := r.alias(t[i].match+1, hi)
		return nil, next, nil
	}
	if !t[i].identifier() {
		return nil, i, fmt.Errorf("unexpected %q in table list", t[i].text)
	}
	name, written, next := r.qualifiedName(i, hi)
	if next < hi && t[next].punct("(") {
		_, after := r.alias(t[next].match+1, hi)
		return nil, after, nil
	}
	last := next - 1
	i = next
	if i < hi && t[i].op("*") {
		i++
	}
	alias, next := r.alias(i, hi)
	ref := r.record(name, written, last)
	if ref != nil && alias != "" {
		ref.qualifier = alias
	}
	return ref, next, nil
}

func (r *rewriter) alias(i, hi int) (string, int) {
	t := r.toks
	if i >= hi {
		return "", i
	}
	var alias string
	switch {
	case t[i].is("AS") && i+1 < hi && t[i+1].identifier():
		alias = r.text(i + 1)
		i += 2
	case t[i].kind == tkIdent || (t[i].kind == tkWord && !keyword(t[i], reservedAfterTable)):
		alias = r.text(i)
		i++
	default:
		return "", i
	}
	if i < hi && t[i].punct("(") {
		i = t[i].match + 1
	}
	return alias, i
}

func (r *rewriter) qualifiedName(i, hi int) (string, string, int) {
	t := r.toks
	parts := []string{t[i].name()}
	start, end := t[i].start, t[i].end
	j := i + 1
	for j+1 < hi && t[j].punct(".") && t[j+1].identifier() {
		parts = append(parts, t[j+1].name())
		end = t[j+1].end
		j += 2
	}
	return strings.Join(parts, "."), r.src[start:end], j
}

// record notes a referenced table named by the token at at and returns nil
// for CTE names.
func (r *rewriter) record(name, written string, at int) *tableRef {
	if _, ok := r.ctes[name]; ok {
		return nil
	}
	r.consumed[at] = struct{}{}
	r.note(name)
	return &tableRef{
		name:      name,
		qualifier: written,
		tenant:    r.ic.isTenant(baseName(name)),
		onStart:   -1,
		onEnd:     -1,
	}
}

func (r *rewriter) note(name string) {
	if _, ok := r.seen[name]; ok {
		return
	}
	r.seen[name] = struct{}{}
	r.tables = append(r.tables, name)
	if !r.ic.isTenant(baseName(name)) && !r.ic.isShared(name) && !r.ic.isShared(baseName(name)) {
		r.warnings = append(r.warnings, Warning{
			Code:    WarnUnknownTable,
			Message: fmt.Sprintf("table %q is not a known tenant or shared table", name),
		})
	}
}

// scope injects a merchant_id predicate for every tenant table in refs.
// Joined tables are scoped in their ON clause; the rest in WHERE.
func (r *rewriter) scope(refs []tableRef, from, hi int) {
	if r.cross {
		return
	}
	var preds []string
	for _, ref := range refs {
		if !ref.tenant {
			continue
		}
		pred := ref.qualifier + "." + TenantColumn + " = " + r.placeholder
		r.placeholderUsed = true
		if ref.onStart >= 0 {
			r.prefix(ref.onStart, ref.onEnd+1, pred+" AND (")
			r.insertAt(r.toks[ref.onEnd].end, ")")
			continue
		}
		preds = append(preds, pred)
	}
	if len(preds) > 0 {
		r.where(from, hi, strings.Join(preds, " AND "))
	}
}

// where ANDs pred in front of the existing WHERE condition, or adds a WHERE
// clause before the first trailing clause.
func (r *rewriter) where(from, hi int, pred string) {
	if w := r.find(from, hi, "WHERE"); w >= 0 {
		end := hi
		for j := w + 1; j < hi; j = r.skip(j) {
			if keyword(r.toks[j], terminators) {
				end = j
				break
			}
		}
		r.prefix(w, end, pred+" AND (")
		r.insertAt(r.toks[end-1].end, ")")
		return
	}
	pos := hi
	for j := from; j < hi; j = r.skip(j) {
		if keyword(r.toks[j], terminators) {
			pos = j
			break
		}
	}
	r.insertAt(r.toks[pos-1].end, " WHERE "+pred)
}

func (r *rewriter) assignsTenantColumn(lo, hi int) bool {
	for j := lo; j < hi; j = r.skip(j) {
		t := r.toks[j]
		if t.identifier() && t.name() == TenantColumn && j+1 < hi && r.toks[j+1].op("=") {
			return true
		}
		if t.punct("(") && t.match+1 < hi && r.toks[t.match+1].op("=") {
			for k := j + 1; k < t.match; k++ {
				if r.toks[k].identifier() && r.toks[k].name() == TenantColumn {
					return true
				}
			}
		}
	}
	return false
}

// subqueries scopes every parenthesized query within toks[lo:hi].
func (r *rewriter) subqueries(lo, hi int) error {
	for i := lo; i < hi; i++ {
		t := r.toks[i]
		if !t.punct("(") || i+1 >= hi {
			continue
		}
		if next := r.toks[i+1]; next.is("SELECT") || next.is("WITH") || next.is("VALUES") || next.is("TABLE") {
			if _, err := r.statement(i+1, t.match); err != nil {
				return err
			}
			i = t.match
		}
	}
	return nil
}

func (r *rewriter) splitList(lo, hi int) [][2]int {
	if lo >= hi {
		return nil
	}
	var out [][2]int
	start := lo
	for i := lo; i < hi; i = r.skip(i) {
		if r.toks[i].punct(",") {
			out = append(out, [2]int{start, i})
			start = i + 1
		}
	}
	return append(out, [2]int{start, hi})
}

// find returns the first kw at the nesting level of lo, or -1.
func (r *rewriter) find(lo, hi int, kw string) int {
	for i := lo; i < hi; i = r.skip(i) {
		if !r.toks[i].is(kw) {
			continue
		}
		if kw == "FROM" && !r.fromKeyword(i) {
			continue
		}
		return i
	}
	return -1
}

// fromKeyword reports whether toks[i] opens a FROM clause. The FROM of
// IS [NOT] DISTINCT FROM is an operator.
func (r *rewriter) fromKeyword(i int) bool {
	if !r.toks[i].is("FROM") {
		return false
	}
	if i >= 2 && r.toks[i-1].is("DISTINCT") && (r.toks[i-2].is("IS") || r.toks[i-2].is("NOT")) {
		return false
	}
	return true
}

// unscoped fails on any tenant table name that no scoped table reference
// accounts for. Names followed by a dot are column qualifiers.
func (r *rewriter) unscoped() error {
	if r.cross {
		return nil
	}
	for i, t := range r.toks {
		if !t.identifier() || !r.ic.isTenant(t.name()) {
			continue
		}
		if _, ok := r.consumed[i]; ok {
			continue
		}
		if i+1 < len(r.toks) && r.toks[i+1].punct(".") {
			continue
		}
		return fmt.Errorf("tenant table %q is referenced where it cannot be scoped", t.name())
	}
	return nil
}

func (r *rewriter) skip(i int) int {
	if r.toks[i].punct("(") {
		return r.toks[i].match + 1
	}
	return i + 1
}

func (r *rewriter) text(i int) string {
	return r.src[r.toks[i].start:r.toks[i].end]
}

// prefix inserts text right after keyword toks[kw], in front of the clause body ending at end.
func (r *rewriter) prefix(kw, end int, text string) {
	if kw+1 < end {
		r.insertAt(r.toks[kw+1].start, text)
		return
	}
	r.insertAt(r.toks[kw].end, " "+text)
}

func (r *rewriter) insertAt(pos int, text string) {
	r.edits = append(r.edits, edit{start: pos, end: pos, text: text})
}

func (r *rewriter) output() string {
	if len(r.edits) == 0 {
		return strings.TrimSpace(r.src[:r.toks[len(r.toks)-1].end])
	}
	edits := make([]edit, len(r.edits))
	copy(edits, r.edits)
	sort.SliceStable(edits, func(a, b int) bool { return edits[a].start < edits[b].start })

	var b strings.Builder
	prev := 0
	for _, e := range edits {
		b.WriteString(r.src[prev:e.start])
		b.WriteString(e.text)
		prev = e.end
	}
	b.WriteString(r.src[prev:r.toks[len(r.toks)-1].end])
	return strings.TrimSpace(b.String())
}
