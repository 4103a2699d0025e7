// Package enginetest provides an in-memory database/sql engine that honours
// the sales_data row policy contract: rows are visible when app.is_admin is
// "true" or their region is listed in app.accessible_regions. Blank or unset
// variables see nothing.
package enginetest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SalesRow is one row of the protected fact table.
type SalesRow struct {
	ID         int64
	RegionID   int64
	RegionCode string
	Product    string
	Revenue    float64
	Units      int64
	SoldAt     time.Time
}

// Vars is a snapshot of a connection's session context.
type Vars struct {
	UserID  string
	IsAdmin string
	Regions string
}

// Blank reports whether no identity is attached.
func (v Vars) Blank() bool {
	return v.UserID == "" && v.IsAdmin == "" && v.Regions == ""
}

// Statement records a data-access statement and the identity it ran under.
type Statement struct {
	SQL      string
	Vars     Vars
	ReadOnly bool
	ConnID   int
}

// HandlerFunc answers a statement from the rows visible under the caller's context.
type HandlerFunc func(visible []SalesRow) (columns []string, rows [][]driver.Value, err error)

type handler struct {
	match string
	fn    HandlerFunc
}

// Engine is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	rows      []SalesRow
	handlers  []handler
	executed  []Statement
	conns     map[int]*conn
	nextID    int
	opened    int
	closed    int
	failClear bool
	delay     time.Duration
}

func New(rows []SalesRow) *Engine {
	return &Engine{rows: rows, conns: make(map[int]*conn)}
}

// Handle routes statements containing match (case-insensitive) to fn.
// Later registrations win.
func (e *Engine) Handle(match string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append([]handler{{match: strings.ToLower(match), fn: fn}}, e.handlers...)
}

// FailClear makes every attempt to blank the session context fail.
func (e *Engine) FailClear(fail bool) {
	e.mu.Lock()
	e.failClear = fail
	e.mu.Unlock()
}

// SetDelay makes data statements sleep before answering, honouring ctx.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// DB opens a pool over the engine.
func (e *Engine) DB() *sql.DB {
	return sql.OpenDB(connector{e: e})
}

// Executed returns the data-access statements run so far.
func (e *Engine) Executed() []Statement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Statement(nil), e.executed...)
}

// OpenConnVars snapshots the session context of every open connection.
func (e *Engine) OpenConnVars() map[int]Vars {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]Vars, len(e.conns))
	for id, c := range e.conns {
		out[id] = c.vars
	}
	return out
}

// Stats reports how many connections were opened and closed.
func (e *Engine) Stats() (opened, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, e.closed
}

// Visible applies the row policy to the table under v.
func (e *Engine) Visible(v Vars) []SalesRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return visible(e.rows, v)
}

func visible(rows []SalesRow, v Vars) []SalesRow {
	if v.IsAdmin == "true" {
		return append([]SalesRow(nil), rows...)
	}
	allowed := map[int64]struct{}{}
	for _, part := range strings.Split(v.Regions, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			allowed[id] = struct{}{}
		}
	}
	var out []SalesRow
	for _, r := range rows {
		if _, ok := allowed[r.RegionID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Policy text echoed into plans, shaped like PostgreSQL renders an RLS qual.
const policyQual = "((current_setting('app.is_admin'::text, true) = 'true'::text) OR " +
	"(region_id = ANY (string_to_array(NULLIF(current_setting('app.accessible_regions'::text, true), ''::text), ','::text)::bigint[])))"

type connector struct{ e *Engine }

func (c connector) Connect(context.Context) (driver.Conn, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.e.nextID++
	c.e.opened++
	cn := &conn{e: c.e, id: c.e.nextID}
	c.e.conns[cn.id] = cn
	return cn, nil
}

func (c connector) Driver() driver.Driver { return drv{} }

type drv struct{}

func (drv) Open(string) (driver.Conn, error) {
	return nil, errors.New("enginetest: use Engine.DB")
}

type conn struct {
	e        *Engine
	id       int
	vars     Vars
	readOnly bool
	inTx     bool
}

var (
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.ConnBeginTx    = (*conn)(nil)
	_ driver.Pinger         = (*conn)(nil)
)

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("enginetest: prepared statements are not supported")
}

func (c *conn) Close() error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if _, ok := c.e.conns[c.id]; ok {
		delete(c.e.conns, c.id)
		c.e.closed++
	}
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.inTx = true
	c.readOnly = opts.ReadOnly
	return tx{c: c}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	if strings.Contains(lower, "set_config(") {
		return c.setConfig(args)
	}

	c.e.mu.Lock()
	vars := c.vars
	delay := c.e.delay
	c.e.executed = append(c.e.executed, Statement{SQL: query, Vars: vars, ReadOnly: c.readOnly && c.inTx, ConnID: c.id})
	var fn HandlerFunc
	for _, h := range c.e.handlers {
		if strings.Contains(lower, h.match) {
			fn = h.fn
			break
		}
	}
	rows := visible(c.e.rows, vars)
	c.e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if strings.HasPrefix(lower, "explain ") {
		return &rowset{cols: []string{"QUERY PLAN"}, data: [][]driver.Value{
			{"Seq Scan on sales_data  (cost=0.00..22.70 rows=4 width=72)"},
			{"  Filter: " + policyQual},
		}}, nil
	}
	if fn == nil {
		return nil, fmt.Errorf("enginetest: no handler for %q", query)
	}
	cols, data, err := fn(rows)
	if err != nil {
		return nil, err
	}
	return &rowset{cols: cols, data: data}, nil
}

// setConfig treats args as (name, value) pairs and echoes the stored values.
func (c *conn) setConfig(args []driver.NamedValue) (driver.Rows, error) {
	if len(args)%2 != 0 {
		return nil, errors.New("enginetest: set_config expects name/value pairs")
	}
	c.e.mu.Lock()
	defer c.e.mu.Unlock()

	allBlank := true
	for i := 1; i < len(args); i += 2 {
		if fmt.Sprint(args[i].Value) != "" {
			allBlank = false
		}
	}
	if allBlank && c.e.failClear {
		return nil, errors.New("enginetest: connection lost")
	}

	row := make([]driver.Value, 0, len(args)/2)
	cols := make([]string, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		name := fmt.Sprint(args[i].Value)
		value := fmt.Sprint(args[i+1].Value)
		switch name {
		case "app.current_user_id":
			c.vars.UserID = value
		case "app.is_admin":
			c.vars.IsAdmin = value
		case "app.accessible_regions":
			c.vars.Regions = value
		default:
			return nil, fmt.Errorf("enginetest: unknown setting %q", name)
		}
		cols = append(cols, "set_config")
		row = append(row, value)
	}
	return &rowset{cols: cols, data: [][]driver.Value{row}}, nil
}

type tx struct{ c *conn }

func (t tx) Commit() error   { return t.end() }
func (t tx) Rollback() error { return t.end() }

func (t tx) end() error {
	t.c.e.mu.Lock()
	defer t.c.e.mu.Unlock()
	t.c.inTx = false
	t.c.readOnly = false
	return nil
}

type rowset struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *rowset) Columns() []string { return r.cols }
func (r *rowset) Close() error      { return nil }

func (r *rowset) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
