package lyra

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Levels beyond slog's four. Trace sits below Debug, Fatal above Error. Fatal is
// only a severity; logging at it never exits the process.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// LogLevel is the level name carried by a LogMessage.
type LogLevel string

const (
	LogFatal LogLevel = "fatal"
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
	LogTrace LogLevel = "trace"
)

// LevelName maps an slog level onto the LogMessage level names.
func LevelName(l slog.Level) LogLevel {
	switch {
	case l >= LevelFatal:
		return LogFatal
	case l >= slog.LevelError:
		return LogError
	case l >= slog.LevelWarn:
		return LogWarn
	case l >= slog.LevelInfo:
		return LogInfo
	case l >= slog.LevelDebug:
		return LogDebug
	}
	return LogTrace
}

// ParseLevel maps a level name (any case) to its slog level. ok is false for unknown names.
func ParseLevel(s string) (slog.Level, bool) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogFatal:
		return LevelFatal, true
	case LogError:
		return slog.LevelError, true
	case LogWarn, "warning":
		return slog.LevelWarn, true
	case LogInfo:
		return slog.LevelInfo, true
	case LogDebug:
		return slog.LevelDebug, true
	case LogTrace:
		return LevelTrace, true
	}
	return slog.LevelInfo, false
}

// LogMessage is what a LogCallback receives. Context holds the record's attributes,
// e.g. store name, key and session id.
type LogMessage struct {
	Level   LogLevel
	Message string
	Context map[string]any
}

// LogCallback receives every log record emitted by a store. It must not block.
type LogCallback func(LogMessage)

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs a TextHandler as the slog default with the level taken
// from the LYRA_LOG_LEVEL environment variable (fatal, error, warn, info, debug, trace).
// It defaults to info.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)
	if l, ok := ParseLevel(os.Getenv("LYRA_LOG_LEVEL")); ok {
		logLevel.Set(l)
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: replaceLevelName,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the level of the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok {
		switch l {
		case LevelTrace:
			a.Value = slog.StringValue("TRACE")
		case LevelFatal:
			a.Value = slog.StringValue("FATAL")
		}
	}
	return a
}

// callbackHandler adapts an slog.Handler onto a LogCallback.
type callbackHandler struct {
	cb     LogCallback
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
	mu     *sync.Mutex
}

// NewCallbackHandler returns an slog.Handler delivering records at or above level to cb,
// one LogMessage per record. Group names become dotted prefixes of the context keys.
func NewCallbackHandler(cb LogCallback, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &callbackHandler{cb: cb, level: level, mu: &sync.Mutex{}}
}

func (h *callbackHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *callbackHandler) Handle(_ context.Context, r slog.Record) error {
	msg := LogMessage{
		Level:   LevelName(r.Level),
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		msg.Context = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			addAttr(msg.Context, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(msg.Context, h.prefix, a)
			return true
		})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb(msg)
	return nil
}

func (h *callbackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *callbackHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func addAttr(m map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addAttr(m, p, ga)
		}
		return
	}
	m[prefix+a.Key] = a.Value.Any()
}
