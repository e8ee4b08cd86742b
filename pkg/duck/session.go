// Package duck holds an in-process DuckDB database with the spatial
// extension loaded. It is the engine behind reprojection and the GEOS
// predicates: record batches go in as views, SQL runs over them, record
// batches come out.
package duck

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"text/template"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/duckdb/duckdb-go/v2"
)

// ErrSpatialUnavailable is returned by Open when the spatial extension
// cannot be installed or loaded.
var ErrSpatialUnavailable = errors.New("duckdb spatial extension unavailable")

// Session owns one DuckDB connector. Queries are serialised because views
// are registered on a single Arrow connection.
type Session struct {
	mu        sync.Mutex
	connector *duckdb.Connector
	conn      driver.Conn
	ar        *duckdb.Arrow
	db        *sql.DB
}

// View is a named set of record batches visible to one query.
type View struct {
	Name    string
	Records []arrow.RecordBatch
}

// Open creates an in-memory database and loads the spatial extension.
func Open(ctx context.Context) (*Session, error) {
	c, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create duckdb connector")
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "connect to duckdb")
	}

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		conn.Close()
		c.Close()
		return nil, errors.Wrap(err, "open arrow interface")
	}

	db := sql.OpenDB(c)
	if _, err := db.ExecContext(ctx, "INSTALL spatial; LOAD spatial;"); err != nil {
		db.Close()
		conn.Close()
		c.Close()
		return nil, errors.Mark(errors.Wrap(err, "load spatial extension"), ErrSpatialUnavailable)
	}

	return &Session{connector: c, conn: conn, ar: ar, db: db}, nil
}

// Close releases the connection and the database.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	return errors.CombineErrors(
		errors.CombineErrors(s.db.Close(), s.conn.Close()),
		s.connector.Close(),
	)
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(ctx context.Context, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Query registers the views, runs query and returns every result batch.
// The caller owns the returned batches.
func (s *Session) Query(ctx context.Context, query string, views ...View) ([]arrow.RecordBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range views {
		if len(v.Records) == 0 {
			return nil, errors.AssertionFailedf("view %q has no record batches", v.Name)
		}
		rr, err := array.NewRecordReader(v.Records[0].Schema(), v.Records)
		if err != nil {
			return nil, errors.Wrapf(err, "build reader for view %q", v.Name)
		}
		release, err := s.ar.RegisterView(rr, v.Name)
		if err != nil {
			rr.Release()
			return nil, errors.Wrapf(err, "register view %q", v.Name)
		}
		defer rr.Release()
		defer release()
	}

	reader, err := s.ar.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		Release(recs)
		return nil, err
	}
	return recs, nil
}

// Release frees a batch slice returned by Query.
func Release(recs []arrow.RecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}

// Render executes a text/template SQL fragment.
func Render(name, tmpl string, data any) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s template", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render %s template", name)
	}
	return buf.String(), nil
}

// Literal quotes s as a SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
