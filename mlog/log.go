// Package mlog provides logging with log levels and structured fields, built on
// log/slog.
//
// Each Log instance adds a field "pkg" for the originating package. Log levels
// can be configured per package, application-global. Variable data should be in
// attrs, log strings themselves constant for easier processing.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
)

// Levels map configurable level names to slog levels.
var Levels = map[string]slog.Level{
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// Holds a map[string]slog.Level, mapping package name (attr "pkg") to its
// minimum level. The empty string is the default/fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey is used with context.WithValue to store an operation "cid" in a
// context, for logging.
var CidKey key = "cid"

var cidGen atomic.Int64

func init() {
	cidGen.Store(time.Now().UnixMilli())
}

// Cid returns a new unique "cid" for a request or operation.
func Cid() int64 {
	return cidGen.Add(1)
}

// Log wraps an slog.Logger.
type Log struct {
	*slog.Logger
}

// New returns a Log for a package. If logger is nil, the default handler
// writing to stderr is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// WithCid adds attr "cid".
func (l Log) WithCid(cid int64) Log {
	return Log{l.With(slog.Int64("cid", cid))}
}

// WithContext adds a cid from the context, if present. Contexts are commonly
// passed between packages to carry the cid of an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// Check logs an error if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

// handler writes log lines to stderr, honoring the per-package level config.
type handler struct {
	attrs []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	// The pkg attr is only known in Handle, be optimistic here.
	cl := config.Load().(map[string]slog.Level)
	for _, l := range cl {
		if level >= l {
			return true
		}
	}
	return false
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	cl := config.Load().(map[string]slog.Level)
	pkg := ""
	for _, a := range h.attrs {
		if a.Key == "pkg" {
			pkg = a.Value.String()
			break
		}
	}
	min, ok := cl[pkg]
	if !ok {
		min = cl[""]
	}
	if r.Level < min {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", strings.ToLower(r.Level.String()), r.Message)
	first := true
	writeAttr := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if first {
			sb.WriteString(" (")
		} else {
			sb.WriteString("; ")
		}
		first = false
		sb.WriteString(a.Key)
		sb.WriteString(": ")
		sb.WriteString(attrValue(a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	for _, a := range h.attrs {
		writeAttr(a)
	}
	if !first {
		sb.WriteString(")")
	}
	sb.WriteString("\n")

	// Single write so concurrent log lines don't interleave.
	stderrMutex.Lock()
	defer stderrMutex.Unlock()
	_, err := io.WriteString(os.Stderr, sb.String())
	return err
}

var stderrMutex sync.Mutex

func attrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		for _, c := range s {
			if c <= ' ' || c == '"' || c >= 0x7f {
				return strconv.Quote(s)
			}
		}
		if s == "" {
			return `""`
		}
		return s
	default:
		return attrValue(slog.StringValue(fmt.Sprintf("%v", v.Any())))
	}
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}
