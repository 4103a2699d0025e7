// Package query answers natural-language questions against the sales data
// under the caller's region scope.
package query

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"saleslens.org/internal/analyst"
	"saleslens.org/internal/audit"
	"saleslens.org/internal/auth"
	"saleslens.org/internal/masking"
	"saleslens.org/internal/obs"
	"saleslens.org/internal/sqlguard"
	"saleslens.org/internal/warehouse"
)

var (
	ErrUnauthorized           = errors.New("query: unauthorized")
	ErrInvalidInput           = errors.New("query: invalid input")
	ErrGeneration             = errors.New("query: sql generation failed")
	ErrForbiddenStatementType = errors.New("query: statement type not allowed")
	ErrExecution              = errors.New("query: execution failed")
)

const (
	DefaultMaxRows      = 1000
	DefaultQueryTimeout = 30 * time.Second
	maxQuestionLength   = 2000
)

// Sessions resolves bearer tokens to live sessions.
type Sessions interface {
	Validate(ctx context.Context, token string) (auth.Session, error)
}

// Generator turns questions into SQL.
type Generator interface {
	Generate(ctx context.Context, question string) (analyst.Generation, error)
	Feedback(ctx context.Context, requestID string, positive bool, message string) error
}

// Runner executes fn on a connection scoped to ident.
type Runner interface {
	Run(ctx context.Context, ident auth.Identity, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Response never carries the statement as executed, only its masked form.
type Response struct {
	RequestID     string   `json:"request_id"`
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
	Truncated     bool     `json:"truncated,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Visualization string   `json:"visualization,omitempty"`
	DisplayedSQL  string   `json:"displayed_sql"`
}

// Plan is an engine plan; Masked is set when policy predicates were stripped.
type Plan struct {
	RequestID string   `json:"request_id"`
	Lines     []string `json:"plan"`
	Masked    bool     `json:"masked"`
}

type Options struct {
	MaxRows      int
	QueryTimeout time.Duration
	// DebugSQL logs raw statements at debug level.
	DebugSQL bool
	// FormatSQL re-lays-out displayed_sql; off keeps the masked text as generated.
	FormatSQL bool
	Masker    *masking.Masker
	// Guard admits generated statements; nil reads only sqlguard.DefaultTables.
	Guard *sqlguard.Guard
	Clock func() time.Time
}

type Orchestrator struct {
	sessions  Sessions
	gen       Generator
	runner    Runner
	masker    *masking.Masker
	guard     *sqlguard.Guard
	maxRows   int
	timeout   time.Duration
	debugSQL  bool
	formatSQL bool
	now       func() time.Time
}

func New(sessions Sessions, gen Generator, runner Runner, opts Options) *Orchestrator {
	o := &Orchestrator{
		sessions:  sessions,
		gen:       gen,
		runner:    runner,
		masker:    opts.Masker,
		guard:     opts.Guard,
		maxRows:   opts.MaxRows,
		timeout:   opts.QueryTimeout,
		debugSQL:  opts.DebugSQL,
		formatSQL: opts.FormatSQL,
		now:       opts.Clock,
	}
	if o.masker == nil {
		o.masker = masking.New()
	}
	if o.guard == nil {
		o.guard = sqlguard.New()
	}
	if o.maxRows <= 0 {
		o.maxRows = DefaultMaxRows
	}
	if o.timeout <= 0 {
		o.timeout = DefaultQueryTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Run answers question for the session behind token. The generated statement
// runs only inside the caller's scope and the session is checked again before
// any row leaves.
func (o *Orchestrator) Run(ctx context.Context, token, question string) (Response, error) {
	start := o.now()
	ctx, sess, stmt, gen, err := o.prepare(ctx, token, question)
	if err != nil {
		return Response{}, err
	}
	fp := Fingerprint(stmt.Statement)

	var res warehouse.Result
	err = o.scoped(ctx, sess, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		res, err = warehouse.Execute(ctx, tx, stmt.Statement, o.maxRows)
		return err
	})
	if err != nil {
		return Response{}, o.executionFailed(ctx, gen.RequestID, fp, err)
	}

	displayed, merr := o.masker.Try(stmt.Statement)
	if merr != nil {
		obs.ObserveMaskFallback()
		obs.Log(obs.LevelInfo, "displayed sql masked to placeholder", map[string]any{
			"request_id":  gen.RequestID,
			"fingerprint": fp,
			"reason":      merr.Error(),
		})
	}

	if o.formatSQL {
		displayed = masking.Format(displayed)
	}

	if err := o.recheck(ctx, token); err != nil {
		return Response{}, err
	}

	obs.ObserveQuery("ok")
	_ = audit.LogEvent(ctx, "query.run", map[string]any{
		"nl_request_id": gen.RequestID,
		"fingerprint":   fp,
		"tables":        stmt.Tables,
		"rows":          len(res.Rows),
		"truncated":     res.Truncated,
		"duration_ms":   o.now().Sub(start).Milliseconds(),
	})
	return Response{
		RequestID:     gen.RequestID,
		Columns:       res.Columns,
		Rows:          res.Rows,
		Truncated:     res.Truncated,
		Narrative:     gen.Narrative,
		Visualization: gen.Visualization,
		DisplayedSQL:  displayed,
	}, nil
}

// Explain returns the engine plan for the statement generated from question.
// Plans for non-admin sessions pass through plan masking since the engine
// prints the row policy as a filter.
func (o *Orchestrator) Explain(ctx context.Context, token, question string) (Plan, error) {
	ctx, sess, stmt, gen, err := o.prepare(ctx, token, question)
	if err != nil {
		return Plan{}, err
	}
	fp := Fingerprint(stmt.Statement)

	var lines []string
	err = o.scoped(ctx, sess, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		lines, err = warehouse.Explain(ctx, tx, stmt.Statement)
		return err
	})
	if err != nil {
		return Plan{}, o.executionFailed(ctx, gen.RequestID, fp, err)
	}
	if err := o.recheck(ctx, token); err != nil {
		return Plan{}, err
	}

	plan := Plan{RequestID: gen.RequestID, Lines: lines}
	if !sess.IsAdmin {
		plan.Lines = o.masker.MaskPlan(lines)
		plan.Masked = true
	}
	obs.ObserveQuery("explained")
	_ = audit.LogEvent(ctx, "query.explain", map[string]any{
		"nl_request_id": gen.RequestID,
		"fingerprint":   fp,
		"masked":        plan.Masked,
	})
	return plan, nil
}

// Feedback forwards a rating of an earlier answer to the NL service.
func (o *Orchestrator) Feedback(ctx context.Context, token, requestID string, positive bool, message string) error {
	sess, err := o.validate(ctx, token)
	if err != nil {
		return err
	}
	ctx = auth.ContextWithSession(ctx, sess)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	if err := o.gen.Feedback(ctx, requestID, positive, strings.TrimSpace(message)); err != nil {
		obs.Log(obs.LevelWarn, "feedback not delivered", map[string]any{
			"nl_request_id": requestID,
			"error":         err.Error(),
		})
		return fmt.Errorf("%w: feedback: %w", ErrGeneration, err)
	}
	_ = audit.LogEvent(ctx, "query.feedback", map[string]any{
		"nl_request_id": requestID,
		"positive":      positive,
	})
	return nil
}

// prepare validates the session, generates SQL and admits it through the
// statement guard. Nothing touches the data engine before it returns.
func (o *Orchestrator) prepare(ctx context.Context, token, question string) (context.Context, auth.Session, sqlguard.Analysis, analyst.Generation, error) {
	var (
		stmt sqlguard.Analysis
		gen  analyst.Generation
	)
	sess, err := o.validate(ctx, token)
	if err != nil {
		return ctx, auth.Session{}, stmt, gen, err
	}
	ctx = auth.ContextWithSession(ctx, sess)

	question = strings.TrimSpace(question)
	if question == "" || len(question) > maxQuestionLength {
		obs.ObserveQuery("invalid")
		return ctx, sess, stmt, gen, fmt.Errorf("%w: question must be 1-%d characters", ErrInvalidInput, maxQuestionLength)
	}

	began := o.now()
	gen, err = o.gen.Generate(ctx, question)
	obs.ObserveGeneration(o.now().Sub(began))
	if err != nil {
		obs.ObserveQuery("generation_failed")
		obs.Log(obs.LevelWarn, "sql generation failed", map[string]any{
			"user_id": sess.UserID,
			"error":   err.Error(),
		})
		_ = audit.LogEvent(ctx, "query.rejected", map[string]any{"reason": "generation"})
		return ctx, sess, stmt, gen, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	stmt, err = o.guard.Check(gen.SQL)
	if err != nil {
		fp := Fingerprint(gen.SQL)
		obs.ObserveQuery("forbidden")
		obs.Log(obs.LevelWarn, "generated statement rejected", map[string]any{
			"nl_request_id": gen.RequestID,
			"fingerprint":   fp,
			"error":         err.Error(),
		})
		o.debugStatement(gen.RequestID, gen.SQL)
		_ = audit.LogEvent(ctx, "query.rejected", map[string]any{
			"reason":        "statement_type",
			"nl_request_id": gen.RequestID,
			"fingerprint":   fp,
		})
		return ctx, sess, stmt, gen, fmt.Errorf("%w: %w", ErrForbiddenStatementType, err)
	}
	o.debugStatement(gen.RequestID, stmt.Statement)
	return ctx, sess, stmt, gen, nil
}

// scoped bounds the whole scope, identity propagation included, by the
// query timeout.
func (o *Orchestrator) scoped(ctx context.Context, sess auth.Session, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.runner.Run(ctx, sess.Identity(), fn)
}

func (o *Orchestrator) validate(ctx context.Context, token string) (auth.Session, error) {
	sess, err := o.sessions.Validate(ctx, token)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrSessionNotFound) {
		obs.ObserveQuery("unauthorized")
		return auth.Session{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return auth.Session{}, fmt.Errorf("validate session: %w", err)
}

// recheck runs after execution; a session that lapsed mid-flight gets no rows.
func (o *Orchestrator) recheck(ctx context.Context, token string) error {
	if _, err := o.validate(ctx, token); err != nil {
		_ = audit.LogEvent(ctx, "query.discarded", map[string]any{"reason": "session"})
		return err
	}
	return nil
}

func (o *Orchestrator) executionFailed(ctx context.Context, requestID, fp string, err error) error {
	outcome := "execution_failed"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	obs.ObserveQuery(outcome)
	obs.Log(obs.LevelWarn, "query execution failed", map[string]any{
		"nl_request_id": requestID,
		"fingerprint":   fp,
		"sqlstate":      warehouse.SQLState(err),
		"error":         warehouse.Describe(err),
	})
	_ = audit.LogEvent(ctx, "query.failed", map[string]any{
		"nl_request_id": requestID,
		"fingerprint":   fp,
		"outcome":       outcome,
	})
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

func (o *Orchestrator) debugStatement(requestID, sqlText string) {
	if !o.debugSQL || !obs.Enabled(obs.LevelDebug) {
		return
	}
	obs.Log(obs.LevelDebug, "generated sql", map[string]any{
		"nl_request_id": requestID,
		"sql":           sqlText,
	})
}

// Fingerprint identifies a statement in logs without revealing it.
func Fingerprint(sqlText string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(sqlText), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}
