package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/cache"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/db/memory"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/isolation"
	"github.com/tysjosh/mindshop-sub016/internal/tenantdb"
)

type fakeDoc struct {
	id, merchant, sku, title, body, meta, typ string
	emb                                       string
	created, updated                          time.Time
}

func (d fakeDoc) row() db.Row {
	var emb any
	if d.emb != "" {
		emb = d.emb
	}
	return db.Row{
		"id": d.id, "merchant_id": d.merchant, "sku": d.sku, "title": d.title, "body": d.body,
		"metadata": d.meta, "embedding": emb, "document_type": d.typ,
		"created_at": d.created, "updated_at": d.updated,
	}
}

// fakeSQL answers the repository's statements after interception. It
// trusts only the merchant parameter the interceptor appends, the way the
// injected predicate constrains a real database.
type fakeSQL struct {
	mu      sync.Mutex
	docs    map[string]fakeDoc
	scores  map[string]float64
	stats   map[string]db.Row
	indexes map[string]bool
	queries []string
	pingErr error
}

func newFakeSQL() *fakeSQL {
	return &fakeSQL{
		docs:    make(map[string]fakeDoc),
		scores:  make(map[string]float64),
		stats:   make(map[string]db.Row),
		indexes: map[string]bool{"documents_embedding_idx": true},
	}
}

func (f *fakeSQL) Ping(context.Context) error { return f.pingErr }

func (f *fakeSQL) PoolStats() db.PoolStats { return db.PoolStats{Total: 1} }

func (f *fakeSQL) Query(_ context.Context, q string, args ...any) ([]db.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, _, err := f.run(q, args, nil)
	return rows, err
}

func (f *fakeSQL) Exec(_ context.Context, q string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, n, err := f.run(q, args, nil)
	return n, err
}

func (f *fakeSQL) Begin(context.Context) (db.Tx, error) {
	return &fakeTx{sql: f}, nil
}

func (f *fakeSQL) queryCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

func (f *fakeSQL) put(d fakeDoc) {
	f.mu.Lock()
	f.docs[d.id] = d
	f.mu.Unlock()
}

func (f *fakeSQL) get(id string) (fakeDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

// run executes q. Mutations are appended to staged when it is non-nil.
func (f *fakeSQL) run(q string, args []any, staged *[]func()) ([]db.Row, int64, error) {
	f.queries = append(f.queries, q)
	apply := func(fn func()) {
		if staged != nil {
			*staged = append(*staged, fn)
			return
		}
		fn()
	}
	var merchant string
	if len(args) > 0 {
		merchant, _ = args[len(args)-1].(string)
	}

	switch {
	case strings.HasPrefix(q, "SELECT indexname FROM pg_indexes"):
		if f.indexes[args[0].(string)] {
			return []db.Row{{"indexname": args[0]}}, 1, nil
		}
		return nil, 0, nil

	case strings.HasPrefix(q, "REFRESH"):
		return nil, 0, nil

	case strings.HasPrefix(q, "INSERT INTO documents"):
		d := fakeDoc{
			id: args[0].(string), sku: args[1].(string), title: args[2].(string), body: args[3].(string),
			meta: args[4].(string), emb: vectorText(args[5]), typ: args[6].(string),
			created: args[7].(time.Time), updated: args[8].(time.Time), merchant: merchant,
		}
		if _, dup := f.docs[d.id]; dup {
			return nil, 0, errors.New("duplicate key")
		}
		apply(func() { f.docs[d.id] = d })
		return []db.Row{d.row()}, 1, nil

	case strings.Contains(q, "FROM document_stats"):
		if row, ok := f.stats[merchant]; ok {
			return []db.Row{row}, 1, nil
		}
		return nil, 0, nil

	case strings.Contains(q, "<=>"):
		threshold, limit := args[1].(float64), args[2].(int)
		var hits []db.Row
		for _, d := range f.owned(merchant) {
			s, ok := f.scores[d.id]
			if !ok || d.emb == "" || s <= threshold {
				continue
			}
			hits = append(hits, db.Row{
				"id": d.id, "merchant_id": d.merchant, "sku": d.sku, "body": d.body,
				"document_type": d.typ, "metadata": d.meta, "similarity": s,
			})
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i]["similarity"].(float64) > hits[j]["similarity"].(float64) })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		return hits, int64(len(hits)), nil

	case strings.HasPrefix(q, "SELECT") && strings.Contains(q, "(id = $1)"):
		d, ok := f.docs[args[0].(string)]
		if !ok || d.merchant != merchant {
			return nil, 0, nil
		}
		return []db.Row{d.row()}, 1, nil

	case strings.HasPrefix(q, "SELECT") && strings.Contains(q, "(sku = $1)"):
		var rows []db.Row
		for _, d := range f.owned(merchant) {
			if d.sku == args[0].(string) {
				rows = append(rows, d.row())
			}
		}
		return rows, int64(len(rows)), nil

	case strings.HasPrefix(q, "SELECT") && strings.Contains(q, "LIMIT $1 OFFSET $2"):
		owned := f.owned(merchant)
		limit, offset := args[0].(int), args[1].(int)
		if offset > len(owned) {
			offset = len(owned)
		}
		owned = owned[offset:min(offset+limit, len(owned))]
		rows := make([]db.Row, len(owned))
		for i, d := range owned {
			rows[i] = d.row()
		}
		return rows, int64(len(rows)), nil

	case strings.HasPrefix(q, "UPDATE documents SET embedding"):
		d, ok := f.docs[args[2].(string)]
		if !ok || d.merchant != merchant {
			return nil, 0, nil
		}
		d.emb, d.updated = vectorText(args[0]), args[1].(time.Time)
		apply(func() { f.docs[d.id] = d })
		return []db.Row{{"sku": d.sku}}, 1, nil

	case strings.HasPrefix(q, "UPDATE documents SET sku"):
		d, ok := f.docs[args[6].(string)]
		if !ok || d.merchant != merchant {
			return nil, 0, nil
		}
		d.sku, d.title, d.body, d.meta, d.typ = args[0].(string), args[1].(string), args[2].(string), args[3].(string), args[4].(string)
		d.updated = args[5].(time.Time)
		apply(func() { f.docs[d.id] = d })
		return []db.Row{d.row()}, 1, nil

	case strings.HasPrefix(q, "DELETE FROM documents"):
		d, ok := f.docs[args[0].(string)]
		if !ok || d.merchant != merchant {
			return nil, 0, nil
		}
		apply(func() { delete(f.docs, d.id) })
		return nil, 1, nil
	}
	return nil, 0, fmt.Errorf("unexpected query: %s", q)
}

// owned returns merchant's documents, most recently updated first.
func (f *fakeSQL) owned(merchant string) []fakeDoc {
	var out []fakeDoc
	for _, d := range f.docs {
		if d.merchant == merchant {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].updated.After(out[j].updated) })
	return out
}

type fakeTx struct {
	sql    *fakeSQL
	staged []func()
}

func (t *fakeTx) Query(_ context.Context, q string, args ...any) ([]db.Row, error) {
	t.sql.mu.Lock()
	defer t.sql.mu.Unlock()
	rows, _, err := t.sql.run(q, args, &t.staged)
	return rows, err
}

func (t *fakeTx) Exec(_ context.Context, q string, args ...any) (int64, error) {
	t.sql.mu.Lock()
	defer t.sql.mu.Unlock()
	_, n, err := t.sql.run(q, args, &t.staged)
	return n, err
}

func (t *fakeTx) Commit() error {
	t.sql.mu.Lock()
	defer t.sql.mu.Unlock()
	for _, fn := range t.staged {
		fn()
	}
	t.staged = nil
	return nil
}

func (t *fakeTx) Rollback() error {
	t.staged = nil
	return nil
}

func vectorText(v any) string {
	if vec, ok := v.(pgvector.Vector); ok {
		return vec.String()
	}
	return ""
}

// queueSubmitter holds tasks until run is called.
type queueSubmitter struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueSubmitter) Submit(task func()) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

func (q *queueSubmitter) run() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

type fixture struct {
	repo     *Repo
	sql      *fakeSQL
	cacheMem *memory.Store
	cache    *cache.Cache
	revalQ   *queueSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sql := newFakeSQL()
	mem := memory.NewStore()
	q := &queueSubmitter{}
	c := cache.New(mem, q, cache.Config{}, cache.Metrics{}, zap.NewNop())
	conn := tenantdb.New(sql, isolation.New(isolation.DefaultConfig()), nil,
		audit.NewBuffer(audit.Config{}, nil, nil), tenantdb.Config{}, zap.NewNop())
	repo := New(conn, c, goSubmitter{}, DefaultConfig(), zap.NewNop())
	return &fixture{repo: repo, sql: sql, cacheMem: mem, cache: c, revalQ: q}
}

// recordingConn captures the options of every statement. queryFn, when
// set, runs before the statement is forwarded.
type recordingConn struct {
	conn
	mu      sync.Mutex
	opts    []tenantdb.Options
	queryFn func(query string, params []any)
}

func (c *recordingConn) Query(ctx context.Context, query string, params []any, opts tenantdb.Options) (tenantdb.Result, error) {
	c.mu.Lock()
	c.opts = append(c.opts, opts)
	fn := c.queryFn
	c.mu.Unlock()
	if fn != nil {
		fn(query, params)
	}
	return c.conn.Query(ctx, query, params, opts)
}

func (c *recordingConn) Transaction(ctx context.Context, opts tenantdb.Options, fn func(ctx context.Context, tx *tenantdb.Tx) error) error {
	c.mu.Lock()
	c.opts = append(c.opts, opts)
	c.mu.Unlock()
	return c.conn.Transaction(ctx, opts, fn)
}

func (c *recordingConn) options() []tenantdb.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tenantdb.Options(nil), c.opts...)
}

// record routes the repository through a recordingConn.
func (f *fixture) record() *recordingConn {
	rc := &recordingConn{conn: f.repo.conn}
	f.repo.conn = rc
	return rc
}

func (f *fixture) cached(key string) bool {
	_, err := f.cacheMem.GetEntry(context.Background(), key)
	return err == nil
}

func merchant(t *testing.T, id string) tenant.Context {
	t.Helper()
	c, err := tenant.New(id, tenant.RoleMerchant, tenant.IsolationStandard)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func vec(seed float32) []float32 {
	v := make([]float32, domdoc.Dimensions)
	for i := range v {
		v[i] = seed + float32(i%7)/10
	}
	return v
}

func newDoc(t *testing.T, merchantID, sku, title string) domdoc.Document {
	t.Helper()
	d, err := domdoc.New(merchantID, sku, title, "Comfortable red running shoes for daily training",
		domdoc.TypeProduct, domdoc.Metadata{"source_uri": "https://shop.example/" + sku}, vec(1))
	if err != nil {
		t.Fatalf("domdoc.New: %v", err)
	}
	return d
}

func mustCreate(t *testing.T, f *fixture, tc tenant.Context, sku, title string) domdoc.Document {
	t.Helper()
	d, err := f.repo.Create(context.Background(), tc, newDoc(t, tc.MerchantID(), sku, title))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}
