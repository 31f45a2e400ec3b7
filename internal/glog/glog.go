// Package glog provides the structured logger used by the long-running
// operations of the library (pack ingest, fetch negotiation, the
// window cache's eviction path). Nothing in the hot object-read path
// logs, since that would dominate the cost of a cache hit.
package glog

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// base is the root logger every entry is derived from.
//
//nolint:gochecknoglobals // single process-wide logger, same pattern
// the teacher uses for its other process-wide globals (defaultLoadOption).
var base = logrus.StandardLogger()

// SetOutput lets the CLI entry point route log output (e.g. to stderr
// regardless of -q, or to a file under --git-dir).
func SetOutput(out interface {
	Write([]byte) (int, error)
}) {
	base.SetOutput(out)
}

// WithContext returns a logger carrying whatever fields were attached
// to ctx via WithFields, or the bare root logger if none were.
func WithContext(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
		return e
	}
	return logrus.NewEntry(base)
}

// WithFields returns a context carrying a logger annotated with the
// given fields, inheriting any fields already attached to ctx.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	entry := WithContext(ctx).WithFields(fields)
	return context.WithValue(ctx, ctxKey{}, entry)
}
