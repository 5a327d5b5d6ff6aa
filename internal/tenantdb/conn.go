// Package tenantdb wraps the SQL store so that every statement is scoped to
// one merchant, timed, audited, and optionally has sensitive columns sealed.
package tenantdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/isolation"
	logpkg "github.com/tysjosh/mindshop-sub016/internal/logger"
	"github.com/tysjosh/mindshop-sub016/internal/metrics"
)

// EncryptionFailedMarker replaces a sensitive value that could not be encrypted.
const EncryptionFailedMarker = "[ENCRYPTION_FAILED]"

const encryptionPurpose = "result-field"

// DefaultSensitiveFields are matched case-insensitively as column name substrings.
var DefaultSensitiveFields = []string{"email", "phone", "address", "payment_token", "card_number"}

type store interface {
	db.Pinger
	db.Querier
	Begin(ctx context.Context) (db.Tx, error)
	PoolStats() db.PoolStats
}

type interceptor interface {
	Intercept(query string, params []any, t tenant.Context, opts isolation.Options) (isolation.Result, error)
}

type encrypter interface {
	EncryptString(plaintext, merchantID, aad, purpose string) (string, error)
}

type auditLog interface {
	Append(m audit.QueryMetrics)
	List(merchantID string) []audit.QueryMetrics
}

// Options scope one query or transaction.
type Options struct {
	Tenant tenant.Context
	// AllowCrossTenant skips merchant scoping. Honored for system contexts only.
	AllowCrossTenant bool
	AllowedTables    []string
	// EncryptResults seals sensitive columns in returned rows.
	EncryptResults bool
}

// Result is the outcome of one statement.
type Result struct {
	Rows         []db.Row
	RowsAffected int64
	Metrics      audit.QueryMetrics
}

// Config configures a Connection.
type Config struct {
	SensitiveFields []string
}

// Connection is the tenant-isolated entry point to the SQL store.
type Connection struct {
	store       store
	interceptor interceptor
	enc         encrypter
	audit       auditLog
	sensitive   []string
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Connection.
func New(s store, ic interceptor, enc encrypter, a auditLog, cfg Config, logger *zap.Logger) *Connection {
	fields := cfg.SensitiveFields
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	sensitive := make([]string, len(fields))
	for i, f := range fields {
		sensitive[i] = strings.ToLower(f)
	}
	return &Connection{
		store:       s,
		interceptor: ic,
		enc:         enc,
		audit:       a,
		sensitive:   sensitive,
		logger:      logger,
		now:         time.Now,
	}
}

// Query scopes, runs and audits one statement.
func (c *Connection) Query(ctx context.Context, query string, params []any, opts Options) (Result, error) {
	return c.run(ctx, c.store, query, params, opts)
}

// Transaction runs fn on a single connection. Every statement fn issues
// through tx is scoped with opts. A non-nil error from fn rolls back and is
// returned wrapped in a *domain.TransactionRolledBackError.
func (c *Connection) Transaction(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Tx) error) error {
	if err := c.validate(logpkg.FromContextOr(ctx, c.logger), opts.Tenant, "BEGIN"); err != nil {
		return err
	}
	merchant := opts.Tenant.MerchantID()

	t, err := c.store.Begin(ctx)
	if err != nil {
		c.auditFailure(merchant, "BEGIN", err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = t.Rollback()
		}
	}()

	if err := fn(ctx, &Tx{conn: c, q: t, opts: opts}); err != nil {
		if rbErr := t.Rollback(); rbErr != nil {
			c.logger.Error("Transaction rollback failed",
				zap.String("event", "AUDIT_LOG"),
				zap.String("merchant_id", merchant),
				zap.Error(rbErr),
			)
		}
		c.auditFailure(merchant, "ROLLBACK", err)
		return &domain.TransactionRolledBackError{Err: err}
	}

	if err := t.Commit(); err != nil {
		c.auditFailure(merchant, "COMMIT", err)
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// PoolStatus reports connection pool occupancy.
func (c *Connection) PoolStatus() db.PoolStats {
	return c.store.PoolStats()
}

// QueryMetrics returns buffered audit records, all merchants when merchantID is empty.
func (c *Connection) QueryMetrics(merchantID string) []audit.QueryMetrics {
	return c.audit.List(merchantID)
}

// Ping checks the store.
func (c *Connection) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Tx issues statements inside a Transaction.
type Tx struct {
	conn *Connection
	q    db.Querier
	opts Options
}

// Query scopes and runs one statement in the transaction.
func (t *Tx) Query(ctx context.Context, query string, params ...any) (Result, error) {
	return t.conn.run(ctx, t.q, query, params, t.opts)
}

func (c *Connection) run(ctx context.Context, q db.Querier, query string, params []any, opts Options) (Result, error) {
	log := logpkg.FromContextOr(ctx, c.logger)
	if err := c.validate(log, opts.Tenant, string(isolation.Classify(query))); err != nil {
		return Result{}, err
	}
	merchant := opts.Tenant.MerchantID()

	res, err := c.interceptor.Intercept(query, params, opts.Tenant, isolation.Options{
		AllowCrossTenant: opts.AllowCrossTenant,
		AllowedTables:    opts.AllowedTables,
	})
	if err != nil {
		qt := string(isolation.Classify(query))
		metrics.QueryErrorsTotal.WithLabelValues(qt, "intercept").Inc()
		metrics.SecurityEventsTotal.WithLabelValues("rejected").Inc()
		log.Warn("Query rejected by tenant isolation",
			zap.String("event", "SECURITY_EVENT"),
			zap.String("merchant_id", merchant),
			zap.String("query_type", qt),
			zap.Error(err),
		)
		return Result{}, err
	}

	queryID := ulid.Make().String()
	warnings := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, w.String())
		metrics.SecurityEventsTotal.WithLabelValues(string(w.Code)).Inc()
		log.Warn("Tenant isolation warning",
			zap.String("event", "SECURITY_EVENT"),
			zap.String("merchant_id", merchant),
			zap.String("query_id", queryID),
			zap.String("warning", string(w.Code)),
			zap.String("detail", w.Message),
		)
	}

	start := c.now()
	var (
		rows     []db.Row
		affected int64
	)
	if res.ReturnsRows {
		rows, err = q.Query(ctx, res.Query, res.Params...)
		affected = int64(len(rows))
	} else {
		affected, err = q.Exec(ctx, res.Query, res.Params...)
	}
	elapsed := c.now().Sub(start)
	metrics.QueryDuration.WithLabelValues(string(res.Type)).Observe(elapsed.Seconds())

	record := audit.QueryMetrics{
		QueryID:                queryID,
		MerchantID:             merchant,
		QueryType:              string(res.Type),
		ExecutionTimeMs:        float64(elapsed.Microseconds()) / 1000,
		RowsAffected:           affected,
		TablesAccessed:         res.Tables,
		TenantIsolationApplied: res.Scoped,
		Warnings:               warnings,
		Timestamp:              start,
	}
	if err != nil {
		metrics.QueryErrorsTotal.WithLabelValues(string(res.Type), "execute").Inc()
		record.RowsAffected = 0
		record.Error = err.Error()
		c.audit.Append(record)
		return Result{}, fmt.Errorf("%s query: %w", strings.ToLower(string(res.Type)), err)
	}
	c.audit.Append(record)

	if opts.EncryptResults && len(rows) > 0 {
		c.encryptRows(rows, merchant, queryID)
	}
	return Result{Rows: rows, RowsAffected: affected, Metrics: record}, nil
}

func (c *Connection) validate(log *zap.Logger, t tenant.Context, queryType string) error {
	if err := t.Validate(); err != nil {
		metrics.QueryErrorsTotal.WithLabelValues(queryType, "validate").Inc()
		metrics.SecurityEventsTotal.WithLabelValues("invalid_tenant").Inc()
		log.Warn("Invalid tenant context",
			zap.String("event", "SECURITY_EVENT"),
			zap.String("merchant_id", t.MerchantID()),
			zap.String("query_type", queryType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *Connection) auditFailure(merchant, queryType string, err error) {
	c.audit.Append(audit.QueryMetrics{
		QueryID:                ulid.Make().String(),
		MerchantID:             merchant,
		QueryType:              queryType,
		TenantIsolationApplied: true,
		Error:                  err.Error(),
		Timestamp:              c.now(),
	})
}

// encryptRows seals sensitive columns in place. A value that cannot be
// sealed becomes EncryptionFailedMarker; plaintext never leaves.
func (c *Connection) encryptRows(rows []db.Row, merchant, queryID string) {
	failed := 0
	for _, row := range rows {
		for col, v := range row {
			if v == nil || !c.isSensitive(col) {
				continue
			}
			ct, err := c.enc.EncryptString(stringify(v), merchant, col, encryptionPurpose)
			if err != nil {
				row[col] = EncryptionFailedMarker
				failed++
				continue
			}
			row[col] = ct
		}
	}
	if failed > 0 {
		metrics.EncryptionFailuresTotal.Add(float64(failed))
		c.logger.Error("Result field encryption failed",
			zap.String("event", "SECURITY_EVENT"),
			zap.String("merchant_id", merchant),
			zap.String("query_id", queryID),
			zap.Int("fields", failed),
			zap.Error(domain.ErrEncryptionFailure),
		)
	}
}

func (c *Connection) isSensitive(col string) bool {
	col = strings.ToLower(col)
	for _, f := range c.sensitive {
		if strings.Contains(col, f) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
