// Package shdr parses the pipe-delimited adapter wire format into
// observations and asset commands. One line may carry several dataitem
// updates under a single timestamp; field arity depends on the dataitem the
// registry resolves: CONDITION consumes five fields, MESSAGE two, ALARM
// five, and TIME_SERIES the remainder of the line.
package shdr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/micheletedeschi/mtconnect-agent/internal/debug"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
)

// Asset command verbs.
const (
	VerbAsset       = "@ASSET@"
	VerbUpdateAsset = "@UPDATE_ASSET@"
	VerbRemoveAsset = "@REMOVE_ASSET@"
	VerbRemoveAll   = "@REMOVE_ALL_ASSETS@"

	multilinePrefix = "--multiline--"
)

// ErrMalformed is returned for lines the parser cannot make sense of. The
// caller logs and drops the line; ingest keeps running.
var ErrMalformed = errors.New("malformed shdr line")

// Item is one dataitem update extracted from a line.
type Item struct {
	DataItem *schema.DataItem
	Value    store.Value
}

// Line is a parsed observation line: one timestamp, one or more items.
type Line struct {
	Time  string
	Items []Item
}

// AssetCommand is a parsed @-verb line.
type AssetCommand struct {
	Verb      string
	Time      string
	AssetID   string // @ASSET@, @UPDATE_ASSET@, @REMOVE_ASSET@
	AssetType string // @ASSET@, @REMOVE_ALL_ASSETS@
	Body      string // raw XML body (@ASSET@) or update payload (@UPDATE_ASSET@)

	DeviceUUID string
}

// Result is the outcome of parsing one raw line. Exactly one of Line and
// Asset is set once the result is complete; a multi-line asset body keeps
// the result pending until the closing sentinel arrives.
type Result struct {
	Line  *Line
	Asset *AssetCommand

	sentinel string
	body     []string
}

// Pending reports whether the result is waiting for more raw input lines
// (multi-line asset body).
func (r *Result) Pending() bool { return r.sentinel != "" }

// Continue feeds one raw line into a pending multi-line asset body. It
// returns true when the closing sentinel was consumed and the result is
// complete.
func (r *Result) Continue(raw string) bool {
	if strings.TrimRight(raw, "\r\n") == r.sentinel {
		r.Asset.Body = strings.Join(r.body, "\n")
		r.sentinel = ""
		r.body = nil
		return true
	}
	r.body = append(r.body, strings.TrimRight(raw, "\r\n"))
	return false
}

// Parser turns SHDR lines into results. Name resolution is scoped to the
// device uuid the adapter connection is configured for.
type Parser struct {
	Registry *schema.Registry

	// Now supplies the wall clock for lines without a timestamp. Tests
	// pin it; nil means time.Now.
	Now func() time.Time
}

// New creates a parser over a registry.
func New(reg *schema.Registry) *Parser {
	return &Parser{Registry: reg}
}

func (p *Parser) wallTime() string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// isTimestamp applies the first-field heuristic: ISO-8601 (four digits then
// a dash) or a bare decimal number used as relative time. Timestamps are
// never re-formatted; they pass through verbatim.
func isTimestamp(field string) bool {
	if len(field) >= 5 && field[4] == '-' {
		for i := 0; i < 4; i++ {
			if field[i] < '0' || field[i] > '9' {
				return false
			}
		}
		return true
	}
	return isDecimal(field)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

// Parse tokenizes one raw line for the given device. Unknown dataitem names
// are skipped with a warning; a line yielding no items and no command is a
// malformed-line error.
func (p *Parser) Parse(raw, deviceUUID string) (*Result, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	fields := strings.Split(line, "|")

	timestamp := p.wallTime()
	next := 0
	switch {
	case fields[0] == "":
		next = 1
	case isTimestamp(fields[0]):
		timestamp = fields[0]
		next = 1
	}

	if next < len(fields) && strings.HasPrefix(fields[next], "@") {
		return p.parseAssetCommand(fields, next, timestamp, deviceUUID)
	}

	parsed := &Line{Time: timestamp}
	for next < len(fields) {
		name := fields[next]
		next++
		if name == "" {
			continue
		}
		di := p.Registry.DataItemForName(deviceUUID, name)
		if di == nil {
			debug.Logf("shdr: unknown dataitem %q for device %s, skipping\n", name, deviceUUID)
			// Without the dataitem we cannot know the field arity; assume
			// the plain pair form and resync on the next name.
			next++
			continue
		}

		value, consumed, err := p.parseValue(di, fields[next:])
		if err != nil {
			return nil, err
		}
		next += consumed
		parsed.Items = append(parsed.Items, Item{DataItem: di, Value: value})
	}

	if len(parsed.Items) == 0 {
		return nil, fmt.Errorf("%w: no recognized dataitems in %q", ErrMalformed, line)
	}
	return &Result{Line: parsed}, nil
}

// parseValue consumes the value fields for one dataitem and returns the
// typed payload plus the number of fields consumed.
func (p *Parser) parseValue(di *schema.DataItem, rest []string) (store.Value, int, error) {
	switch {
	case di.IsCondition():
		if len(rest) < 5 {
			return nil, 0, fmt.Errorf("%w: condition %s needs 5 fields, have %d", ErrMalformed, di.Name, len(rest))
		}
		return store.Condition{
			Level:          rest[0],
			NativeCode:     rest[1],
			NativeSeverity: rest[2],
			Qualifier:      rest[3],
			Message:        rest[4],
		}, 5, nil

	case di.IsTimeSeries():
		if len(rest) < 3 {
			return nil, 0, fmt.Errorf("%w: time series %s needs count, rate, samples", ErrMalformed, di.Name)
		}
		// The samples run to the end of the line.
		return store.TimeSeries{
			SampleCount: rest[0],
			SampleRate:  rest[1],
			Samples:     strings.Join(rest[2:], "|"),
		}, len(rest), nil

	case di.Type == "MESSAGE":
		if len(rest) < 2 {
			return nil, 0, fmt.Errorf("%w: message %s needs nativeCode and text", ErrMalformed, di.Name)
		}
		return store.Message{NativeCode: rest[0], Text: rest[1]}, 2, nil

	case di.Type == "ALARM":
		if len(rest) < 5 {
			return nil, 0, fmt.Errorf("%w: alarm %s needs 5 fields, have %d", ErrMalformed, di.Name, len(rest))
		}
		return store.Alarm{
			Code:       rest[0],
			NativeCode: rest[1],
			Severity:   rest[2],
			State:      rest[3],
			Text:       rest[4],
		}, 5, nil

	default:
		if len(rest) < 1 {
			return nil, 0, fmt.Errorf("%w: %s has no value field", ErrMalformed, di.Name)
		}
		return store.Scalar(rest[0]), 1, nil
	}
}

// parseAssetCommand handles the four @-verbs. The @ASSET@ body may open a
// multi-line block with a --multiline--TOKEN sentinel; the result then stays
// pending until Continue sees the closing sentinel.
func (p *Parser) parseAssetCommand(fields []string, next int, timestamp, deviceUUID string) (*Result, error) {
	verb := fields[next]
	args := fields[next+1:]

	cmd := &AssetCommand{Verb: verb, Time: timestamp, DeviceUUID: deviceUUID}
	switch verb {
	case VerbAsset:
		if len(args) < 3 {
			return nil, fmt.Errorf("%w: %s needs id, type, body", ErrMalformed, verb)
		}
		cmd.AssetID = args[0]
		cmd.AssetType = args[1]
		body := strings.Join(args[2:], "|")
		if strings.HasPrefix(body, multilinePrefix) {
			return &Result{Asset: cmd, sentinel: strings.TrimSpace(body)}, nil
		}
		cmd.Body = body
		return &Result{Asset: cmd}, nil

	case VerbUpdateAsset:
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: %s needs id and payload", ErrMalformed, verb)
		}
		cmd.AssetID = args[0]
		cmd.Body = strings.Join(args[1:], "|")
		return &Result{Asset: cmd}, nil

	case VerbRemoveAsset:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: %s needs id", ErrMalformed, verb)
		}
		cmd.AssetID = args[0]
		return &Result{Asset: cmd}, nil

	case VerbRemoveAll:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: %s needs asset type", ErrMalformed, verb)
		}
		cmd.AssetType = args[0]
		return &Result{Asset: cmd}, nil

	default:
		return nil, fmt.Errorf("%w: unknown verb %s", ErrMalformed, verb)
	}
}
