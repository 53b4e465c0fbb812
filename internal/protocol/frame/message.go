package frame

import (
	"sort"
	"strings"
)

// Kind discriminates assembled inbound blocks.
type Kind int

const (
	KindUnclassified Kind = iota
	KindResponse
	KindFollows
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindFollows:
		return "follows"
	case KindEvent:
		return "event"
	default:
		return "unclassified"
	}
}

const (
	KeyResponse     = "response"
	KeyEvent        = "event"
	KeyActionID     = "actionid"
	KeyMessage      = "message"
	KeyPrivilege    = "privilege"
	KeyUserEvent    = "userevent"
	KeyVariable     = "variable"
	KeyChanVariable = "chanvariable"
)

// Fields holds lower-cased keys with values in order of appearance.
// A key seen once has one value; repeated keys aggregate.
type Fields map[string][]string

// Get returns the first value for key.
func (f Fields) Get(key string) string {
	values := f[strings.ToLower(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (f Fields) Values(key string) []string {
	return f[strings.ToLower(key)]
}

func (f Fields) Has(key string) bool {
	_, ok := f[strings.ToLower(key)]
	return ok
}

func (f Fields) add(key, value string) {
	f[key] = append(f[key], value)
}

// Keys returns the field names sorted, for stable logging.
func (f Fields) Keys() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Message is one assembled inbound block.
type Message struct {
	Kind   Kind
	Fields Fields
	// Variables holds the variable/chanvariable sub-maps keyed by the field name.
	Variables map[string]map[string]string
	// Content is the captured body of a follows block.
	Content  string
	ActionID string
	// Name is the normalized event name, empty for non-events.
	Name string
}

// Response returns the response field value.
func (m Message) Response() string {
	return m.Fields.Get(KeyResponse)
}

// IsError reports whether a response signaled failure.
func (m Message) IsError() bool {
	return strings.EqualFold(strings.TrimSpace(m.Response()), "error")
}

// Variable returns one entry of the variable sub-map.
func (m Message) Variable(name string) (string, bool) {
	vars := m.Variables[KeyVariable]
	if vars == nil {
		return "", false
	}
	v, ok := vars[name]
	return v, ok
}

func classify(fields Fields, vars map[string]map[string]string) Message {
	msg := Message{
		Fields:    fields,
		Variables: vars,
		ActionID:  strings.TrimSpace(fields.Get(KeyActionID)),
	}
	switch {
	case fields.Has(KeyResponse):
		msg.Kind = KindResponse
	case fields.Has(KeyEvent):
		msg.Kind = KindEvent
		msg.Name = NormalizeEventName(fields.Values(KeyEvent))
	default:
		msg.Kind = KindUnclassified
	}
	return msg
}

// NormalizeEventName lower-cases the first value of an event field.
func NormalizeEventName(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(values[0]))
}
