// Package dispatch turns a raw control line into a command invocation.
package dispatch

import (
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrFormat         = errors.New("invalid command format")
	ErrUnknownCommand = errors.New("unknown command")
)

var (
	lineFormat    = regexp.MustCompile(`^ *[A-Za-z0-9_]+( +.+)?(\r\n|\n)$`)
	commandToken  = regexp.MustCompile(`[A-Za-z0-9_]+`)
	closeKeywords = regexp.MustCompile(`quit|exit|close`)
	fileName      = regexp.MustCompile(`[A-Za-z0-9_-]+\.[A-Za-z0-9]+`)
)

// Replier is where diagnostics and command output go.
type Replier interface {
	SendLine(line string) error
}

// Handler serves one command. arg is the remainder of the line after the
// command token, including its leading delimiter and line terminator.
type Handler func(w Replier, arg string) error

// Table maps command names to handlers. It is filled once at startup.
type Table struct {
	handlers map[string]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

func (t *Table) Register(h Handler, names ...string) {
	for _, name := range names {
		t.handlers[name] = h
	}
}

func (t *Table) Lookup(name string) (Handler, bool) {
	h, ok := t.handlers[name]
	return h, ok
}

// Names lists registered commands in lexical order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidFormat checks a line against the control grammar: optional leading
// spaces, one command token, optionally spaces plus arbitrary content, then
// a line terminator.
func ValidFormat(line string) bool {
	return lineFormat.MatchString(line)
}

// Split cuts the first command token out of line and returns it together
// with everything that follows it. A line without a token yields "" and "".
func Split(line string) (name, arg string) {
	loc := commandToken.FindStringIndex(line)
	if loc == nil {
		return "", ""
	}
	return line[loc[0]:loc[1]], line[loc[1]:]
}

// FileName picks the first name.ext out of a command argument, or "" when
// there is none. The result never contains a path separator.
func FileName(arg string) string {
	return fileName.FindString(arg)
}

// IsClosing reports whether a line ends the session.
func IsClosing(line string) bool {
	return closeKeywords.MatchString(line)
}

type Dispatcher struct {
	table *Table
	log   logrus.FieldLogger
}

func New(table *Table, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{table: table, log: log.WithField("component", "dispatch")}
}

// Dispatch runs one line and reports whether the session should close.
//
// A grammar violation only produces a diagnostic: resolution is attempted
// regardless. An unresolved command is answered with "unknown command" and
// never closes the session.
func (d *Dispatcher) Dispatch(w Replier, line string) (closing bool, err error) {
	if !ValidFormat(line) {
		d.log.WithField("line", line).Debug("Invalid command format")
		if err := w.SendLine(`invalid command format "` + line); err != nil {
			return false, err
		}
	}

	name, arg := Split(line)
	h, ok := d.table.Lookup(name)
	if !ok {
		d.log.WithField("command", name).Debug("Unknown command")
		if err := w.SendLine("unknown command"); err != nil {
			return false, err
		}
		return false, ErrUnknownCommand
	}

	err = h(w, arg)
	if err != nil {
		d.log.WithError(err).WithField("command", name).Warn("Command failed")
	}
	return IsClosing(line), err
}
