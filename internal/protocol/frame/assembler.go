package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/amictl/internal/protocol"
)

const (
	TerminatorCommand  = "--END COMMAND--"
	TerminatorSMSEvent = "--END SMS EVENT--"
)

var ErrLineTooLong = errors.New("frame: line exceeds limit")

// Limits constrains assembler memory use.
type Limits struct {
	MaxLineBytes  int
	MaxBlockLines int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:  1024 * 1024,
		MaxBlockLines: 64 * 1024,
	}
}

// Assembler turns an arbitrary chunked byte stream into complete blocks.
// Output depends only on the concatenated input, never on chunk boundaries.
type Assembler struct {
	limits     Limits
	partial    []byte
	discarding bool
	started    bool
	cur        block
}

type block struct {
	lines       int
	fields      Fields
	vars        map[string]map[string]string
	follows     bool
	headersDone bool
	terminated  bool
	content     []string
	err         *protocol.ParseError
}

func NewAssembler(limits Limits) *Assembler {
	if limits.MaxLineBytes <= 0 {
		limits.MaxLineBytes = DefaultLimits().MaxLineBytes
	}
	if limits.MaxBlockLines <= 0 {
		limits.MaxBlockLines = DefaultLimits().MaxBlockLines
	}
	return &Assembler{limits: limits}
}

// Reset discards buffered state; used when a new connection starts.
func (a *Assembler) Reset() {
	a.partial = nil
	a.discarding = false
	a.started = false
	a.cur = block{}
}

// Feed consumes one chunk and returns the blocks it completed plus dropped-block errors.
func (a *Assembler) Feed(chunk []byte) ([]Message, []error) {
	var (
		out  []Message
		errs []error
	)
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			a.buffer(chunk)
			break
		}
		a.buffer(chunk[:idx])
		chunk = chunk[idx+1:]
		if a.discarding {
			a.discarding = false
			a.partial = a.partial[:0]
			continue
		}
		line := strings.TrimSuffix(string(a.partial), "\r")
		a.partial = a.partial[:0]
		out, errs = a.line(line, out, errs)
	}
	return out, errs
}

func (a *Assembler) buffer(b []byte) {
	if a.discarding {
		return
	}
	if len(a.partial)+len(b) > a.limits.MaxLineBytes {
		a.discarding = true
		a.partial = a.partial[:0]
		a.started = true
		a.poison("", ErrLineTooLong)
		return
	}
	a.partial = append(a.partial, b...)
}

func (a *Assembler) line(line string, out []Message, errs []error) ([]Message, []error) {
	if !a.started {
		a.started = true
		if isBanner(line) {
			return out, errs
		}
	}

	if a.cur.follows {
		return a.followsLine(line, out, errs)
	}

	if line == "" {
		if a.cur.lines == 0 && a.cur.err == nil {
			return out, errs
		}
		msg, err := a.close()
		if err != nil {
			return out, append(errs, err)
		}
		return append(out, msg), errs
	}

	if a.cur.lines == 0 && isFollowsStart(line) {
		a.cur.follows = true
	}
	a.cur.lines++
	if a.cur.lines > a.limits.MaxBlockLines {
		a.poison(line, ErrLineTooLong)
		return out, errs
	}
	key, value, ok := splitField(line)
	if !ok {
		a.poison(line, protocol.ErrMalformedLine)
		return out, errs
	}
	a.cur.add(key, value)
	return out, errs
}

func (a *Assembler) followsLine(line string, out []Message, errs []error) ([]Message, []error) {
	b := &a.cur
	if b.terminated {
		msg, err := a.close()
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, msg)
		}
		if line == "" {
			return out, errs
		}
		// Terminator without its blank line: the line opens the next block.
		return a.line(line, out, errs)
	}
	if line == TerminatorCommand || line == TerminatorSMSEvent {
		b.terminated = true
		return out, errs
	}
	b.lines++
	if b.lines > a.limits.MaxBlockLines {
		a.poison(line, ErrLineTooLong)
		return out, errs
	}
	if !b.headersDone {
		if line == "" {
			b.headersDone = true
			return out, errs
		}
		if key, value, ok := splitField(line); ok && isFollowsHeader(key) {
			b.add(key, value)
			return out, errs
		}
		b.headersDone = true
	}
	b.content = append(b.content, line)
	return out, errs
}

func (a *Assembler) poison(line string, err error) {
	if a.cur.err == nil {
		a.cur.err = &protocol.ParseError{Line: line, Err: err}
	}
}

func (a *Assembler) close() (Message, error) {
	b := a.cur
	a.cur = block{}
	if b.err != nil {
		return Message{}, b.err
	}
	if b.fields == nil {
		b.fields = Fields{}
	}
	msg := classify(b.fields, b.vars)
	if b.follows {
		msg.Kind = KindFollows
		msg.Content = strings.Join(b.content, "\n")
		if msg.ActionID == "" {
			msg.ActionID = scanActionID(b.content)
		}
	}
	return msg, nil
}

func (b *block) add(key, value string) {
	if b.fields == nil {
		b.fields = Fields{}
	}
	if key == KeyVariable || key == KeyChanVariable {
		if b.vars == nil {
			b.vars = make(map[string]map[string]string)
		}
		if b.vars[key] == nil {
			b.vars[key] = make(map[string]string)
		}
		name, val, _ := strings.Cut(value, "=")
		b.vars[key][name] = val
		return
	}
	b.fields.add(key, value)
}

// splitField splits at the first ": ". A bare trailing colon yields an empty value.
func splitField(line string) (string, string, bool) {
	raw, value, ok := strings.Cut(line, ": ")
	if !ok {
		if !strings.HasSuffix(line, ":") {
			return "", "", false
		}
		raw, value = strings.TrimSuffix(line, ":"), ""
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func isBanner(line string) bool {
	return line != "" && !strings.Contains(line, ":")
}

// isFollowsHeader limits follows headers to envelope keys, so command output
// shaped like "Key: value" stays in Content.
func isFollowsHeader(key string) bool {
	switch key {
	case KeyActionID, KeyPrivilege, KeyMessage:
		return true
	}
	return false
}

func isFollowsStart(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, KeyResponse+":") && strings.Contains(lower, "follows")
}

func scanActionID(content []string) string {
	for _, line := range content {
		key, value, ok := splitField(line)
		if ok && key == KeyActionID {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (m Message) String() string {
	return fmt.Sprintf("%s name=%q action_id=%q keys=%v", m.Kind, m.Name, m.ActionID, m.Fields.Keys())
}
