package frame

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/amictl/internal/protocol"
)

const (
	KeyAction   = "action"
	ActionLogin = "login"
)

// Field is one outbound action field: a scalar, a list, or a name=value sub-map.
type Field struct {
	Key    string
	Values []string
	Vars   map[string]string
}

// Action is an ordered outbound field mapping plus an optional caller-supplied ID.
type Action struct {
	ID     string
	Fields []Field
}

// NewAction returns an action with its Action field set.
func NewAction(name string) Action {
	var a Action
	a.Set("Action", name)
	return a
}

func (a *Action) index(key string) int {
	for i, f := range a.Fields {
		if strings.EqualFold(f.Key, key) {
			return i
		}
	}
	return -1
}

// Set replaces key with a scalar value.
func (a *Action) Set(key, value string) *Action {
	return a.put(Field{Key: key, Values: []string{value}})
}

// SetList replaces key with a list value; it is comma-joined on the wire.
func (a *Action) SetList(key string, values ...string) *Action {
	return a.put(Field{Key: key, Values: append([]string(nil), values...)})
}

// SetVar adds one name=value entry under key (for example Variable).
func (a *Action) SetVar(key, name, value string) *Action {
	if i := a.index(key); i >= 0 {
		if a.Fields[i].Vars == nil {
			a.Fields[i].Vars = make(map[string]string)
		}
		a.Fields[i].Vars[name] = value
		return a
	}
	a.Fields = append(a.Fields, Field{Key: key, Vars: map[string]string{name: value}})
	return a
}

func (a *Action) put(f Field) *Action {
	if i := a.index(f.Key); i >= 0 {
		a.Fields[i] = f
		return a
	}
	a.Fields = append(a.Fields, f)
	return a
}

// Get returns the comma-joined value of key.
func (a Action) Get(key string) string {
	i := a.index(key)
	if i < 0 {
		return ""
	}
	return strings.Join(a.Fields[i].Values, ",")
}

// Name is the lower-cased Action field.
func (a Action) Name() string {
	return strings.ToLower(strings.TrimSpace(a.Get(KeyAction)))
}

func (a Action) IsLogin() bool {
	return a.Name() == ActionLogin
}

func (a Action) Validate() error {
	for _, f := range a.Fields {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("%w: empty field key", protocol.ErrInvalidAction)
		}
		if strings.EqualFold(f.Key, KeyActionID) {
			return fmt.Errorf("%w: ActionID is assigned by the dispatcher", protocol.ErrInvalidAction)
		}
		if hasLineBreak(f.Key) {
			return fmt.Errorf("%w: line break in key %q", protocol.ErrInvalidAction, f.Key)
		}
		for _, v := range f.Values {
			if hasLineBreak(v) {
				return fmt.Errorf("%w: line break in %s value", protocol.ErrInvalidAction, f.Key)
			}
		}
		for name, v := range f.Vars {
			if hasLineBreak(name) || hasLineBreak(v) {
				return fmt.Errorf("%w: line break in %s entry", protocol.ErrInvalidAction, f.Key)
			}
		}
	}
	if hasLineBreak(a.ID) {
		return fmt.Errorf("%w: line break in action id", protocol.ErrInvalidAction)
	}
	return nil
}

// EncodeAction renders the wire frame: ActionID first, sorted field lines, blank terminator.
func EncodeAction(id string, a Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: missing action id", protocol.ErrInvalidAction)
	}
	lines := make([]string, 0, len(a.Fields))
	for _, f := range a.Fields {
		key := capitalize(strings.TrimSpace(f.Key))
		if f.Vars != nil {
			for name, v := range f.Vars {
				lines = append(lines, key+": "+name+"="+v)
			}
			continue
		}
		lines = append(lines, key+": "+strings.Join(f.Values, ","))
	}
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString("ActionID: ")
	b.WriteString(id)
	b.WriteString("\r\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

func capitalize(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
