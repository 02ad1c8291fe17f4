// Package nanolog provides the channelled *log.Logger registry behind the
// repeatable --log LEVEL / --log channel:LEVEL flag (§6): plain
// *log.Logger values wrapping a writer, one per named channel, all
// wrapping os.Stderr, gated by a per-channel minimum level.
package nanolog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is one of the severities §6/§7 refer to.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "error":
		return Error, nil
	default:
		return 0, fmt.Errorf("nanolog: unknown level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const defaultChannel = "*"

// Registry holds the default level and any per-channel overrides, and
// hands out gated loggers.
type Registry struct {
	mu       sync.Mutex
	w        io.Writer
	def      Level
	levels   map[string]Level
	loggers  map[string]*log.Logger
}

// NewRegistry returns a Registry writing to w with the given default level.
func NewRegistry(w io.Writer, def Level) *Registry {
	return &Registry{
		w:       w,
		def:     def,
		levels:  make(map[string]Level),
		loggers: make(map[string]*log.Logger),
	}
}

// defaultRegistry is the process-wide registry, writing to stderr at Info.
var defaultRegistry = NewRegistry(os.Stderr, Info)

// SetLevel sets the minimum level for channel (use "*" for the default
// level applied to every channel without its own override).
func (r *Registry) SetLevel(channel string, lvl Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if channel == "" || channel == defaultChannel {
		r.def = lvl
		return
	}
	r.levels[channel] = lvl
}

// SetLevel sets a level on the default registry.
func SetLevel(channel string, lvl Level) { defaultRegistry.SetLevel(channel, lvl) }

func (r *Registry) levelFor(channel string) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lvl, ok := r.levels[channel]; ok {
		return lvl
	}
	return r.def
}

func (r *Registry) loggerFor(channel string) *log.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lg, ok := r.loggers[channel]; ok {
		return lg
	}
	lg := log.New(r.w, "", log.LstdFlags)
	r.loggers[channel] = lg
	return lg
}

// Channel is a gated logger bound to one channel name.
type Channel struct {
	name string
	reg  *Registry
}

// ForChannel returns a Channel on the default registry.
func ForChannel(name string) *Channel { return defaultRegistry.ForChannel(name) }

// ForChannel returns a Channel on r.
func (r *Registry) ForChannel(name string) *Channel { return &Channel{name: name, reg: r} }

func (c *Channel) log(lvl Level, format string, args ...interface{}) {
	if lvl < c.reg.levelFor(c.name) {
		return
	}
	lg := c.reg.loggerFor(c.name)
	lg.Printf("[%s] [%s] %s", c.name, lvl, fmt.Sprintf(format, args...))
}

func (c *Channel) Debugf(format string, args ...interface{})   { c.log(Debug, format, args...) }
func (c *Channel) Infof(format string, args ...interface{})    { c.log(Info, format, args...) }
func (c *Channel) Warningf(format string, args ...interface{}) { c.log(Warning, format, args...) }
func (c *Channel) Errorf(format string, args ...interface{})   { c.log(Error, format, args...) }
