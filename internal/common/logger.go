package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"sync"
)

// OLHandler is the invoker's own slog.Handler; its output format can be
// freely adjusted without touching any call site.
type OLHandler struct {
	level slog.Leveler
	goas  []groupOrAttrs
	mu    *sync.Mutex
	out   io.Writer
}

// NewOLHandler creates a new OLHandler implementing slog.Handler.
func NewOLHandler(out io.Writer, level slog.Leveler) *OLHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &OLHandler{level, nil, &sync.Mutex{}, out}
}

func (h *OLHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *OLHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 1024)
	if !r.Time.IsZero() {
		buf = h.appendAttr(buf, slog.Time(slog.TimeKey, r.Time))
	}
	buf = h.appendAttr(buf, slog.Any("", r.Level))
	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		buf = h.appendAttr(buf, slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", f.File, f.Line)))
	}
	buf = h.appendAttr(buf, slog.String(slog.MessageKey, r.Message))

	goas := h.goas
	if r.NumAttrs() == 0 {
		// If the record has no Attrs, remove groups at the end of the list; they are empty.
		for len(goas) > 0 && goas[len(goas)-1].group != "" {
			goas = goas[:len(goas)-1]
		}
	}
	for _, goa := range goas {
		if goa.group != "" {
			buf = fmt.Appendf(buf, "%s: ", goa.group)
		} else {
			for _, a := range goa.attrs {
				buf = h.appendAttr(buf, a)
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})
	buf = append(buf, "\n"...)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *OLHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	switch a.Value.Kind() {
	case slog.KindString:
		buf = fmt.Appendf(buf, "%s: %q ", a.Key, a.Value.String())
	case slog.KindTime:
		buf = fmt.Appendf(buf, "%s ", a.Value.Time().Format("2006/01/02 15:04:05.999999"))
	case slog.KindGroup:
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return buf
		}
		if a.Key != "" {
			buf = fmt.Appendf(buf, "%s: ", a.Key)
		}
		for _, ga := range attrs {
			buf = h.appendAttr(buf, ga)
		}
	default:
		buf = fmt.Appendf(buf, "%s %s ", a.Key, a.Value)
	}
	return buf
}

// groupOrAttrs holds either a group name or a list of slog.Attrs.
type groupOrAttrs struct {
	group string
	attrs []slog.Attr
}

func (h *OLHandler) withGroupOrAttrs(goa groupOrAttrs) *OLHandler {
	h2 := *h
	h2.goas = make([]groupOrAttrs, len(h.goas)+1)
	copy(h2.goas, h.goas)
	h2.goas[len(h2.goas)-1] = goa
	return &h2
}

func (h *OLHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.withGroupOrAttrs(groupOrAttrs{group: name})
}

func (h *OLHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.withGroupOrAttrs(groupOrAttrs{attrs: attrs})
}

// LevelHandler wraps a slog.Handler with an Enabled method that returns
// false for levels below a minimum, so each subsystem can run at its own
// verbosity without a distinct output pipeline.
type LevelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func NewLevelHandler(level slog.Leveler, h slog.Handler) *LevelHandler {
	if lh, ok := h.(*LevelHandler); ok {
		h = lh.Handler()
	}
	return &LevelHandler{level, h}
}

func (h *LevelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LevelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *LevelHandler) Handler() slog.Handler {
	return h.handler
}

func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewLevelHandler(h.level, h.handler.WithAttrs(attrs))
}

func (h *LevelHandler) WithGroup(name string) slog.Handler {
	return NewLevelHandler(h.level, h.handler.WithGroup(name))
}

// TopHandler is shared by every subsystem logger; each subsystem wraps it
// in its own LevelHandler instead of keeping a separate global logger.
var TopHandler slog.Handler

func LoadLoggers(olPath string) error {
	if Conf.Trace.Enable_JSON {
		logFilePath := path.Join(olPath, "invoker.json")
		f, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return fmt.Errorf("cannot open log file at %s", logFilePath)
		}
		TopHandler = slog.NewJSONHandler(f, &slog.HandlerOptions{})
	} else {
		TopHandler = NewOLHandler(os.Stdout, slog.LevelInfo)
	}
	return nil
}

// FetchLogger returns a logger derived from TopHandler at the given level,
// tagged with component, so subsystems get independently filterable output.
func FetchLogger(component string, ilevel string) (*slog.Logger, error) {
	level, err := ParseLevelString(ilevel)
	if err != nil {
		return slog.Default(), err
	}
	return slog.New(NewLevelHandler(level, TopHandler)).With("component", component), nil
}

func ParseLevelString(conf string) (*slog.LevelVar, error) {
	level := new(slog.LevelVar)
	switch conf {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "INFO":
		level.Set(slog.LevelInfo)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	case "":
		level.Set(slog.LevelInfo)
	default:
		return level, fmt.Errorf("unknown log level: %s", conf)
	}
	return level, nil
}
