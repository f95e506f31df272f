package sse

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Encode renders an event as an SSE frame:
//
//	id: <uuid>\nevent: <name>\ndata: <json>\n\n
//
// A type line is added for prompt content events so the decoder can
// reconstruct the content type.
func Encode(e *Event) []byte {
	var buf bytes.Buffer
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(e.Event)
	buf.WriteByte('\n')
	if e.Type != "" {
		buf.WriteString("type: ")
		buf.WriteString(e.Type)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	data, err := json.Marshal(e.Data)
	if err != nil {
		// Data is a fixed shape of strings, marshal cannot fail in practice.
		data = []byte("{}")
	}
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Decoder is a tolerant, incremental SSE parser. Feed it arbitrary chunks
// and it yields events as their terminating blank lines arrive. Events whose
// data payload fails to parse as JSON are logged and skipped; decoding never
// halts on a malformed event.
type Decoder struct {
	logger *zap.Logger

	partial []byte // trailing bytes of an incomplete line

	id        string
	eventName string
	eventType string
	retry     int
	dataLines []string
	seenField bool
}

// NewDecoder creates a Decoder. A nil logger falls back to zap.NewNop().
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode parses a complete buffer in one shot, including a trailing event
// that is missing its blank line.
func Decode(b []byte, logger *zap.Logger) []*Event {
	d := NewDecoder(logger)
	events := d.Feed(b)
	return append(events, d.Flush()...)
}

// Feed consumes a chunk and returns the events completed by it.
func (d *Decoder) Feed(chunk []byte) []*Event {
	d.partial = append(d.partial, chunk...)

	var events []*Event
	for {
		idx := bytes.IndexByte(d.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(d.partial[:idx])
		d.partial = d.partial[idx+1:]
		line = strings.TrimSuffix(line, "\r")
		if ev := d.line(line); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// Flush emits a pending event that was not terminated by a blank line.
func (d *Decoder) Flush() []*Event {
	var events []*Event
	if len(d.partial) > 0 {
		line := strings.TrimSuffix(string(d.partial), "\r")
		d.partial = nil
		if ev := d.line(line); ev != nil {
			events = append(events, ev)
		}
	}
	if ev := d.emit(); ev != nil {
		events = append(events, ev)
	}
	return events
}

// line processes a single line and returns a completed event, if any.
func (d *Decoder) line(line string) *Event {
	if line == "" {
		return d.emit()
	}
	if strings.HasPrefix(line, ":") {
		// Comment line.
		return nil
	}

	field, value := line, ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = strings.TrimPrefix(value, " ")
	}

	d.seenField = true
	switch field {
	case "id":
		d.id = value
	case "event":
		d.eventName = value
	case "type":
		d.eventType = value
	case "retry":
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			d.retry = n
		}
	case "data":
		d.dataLines = append(d.dataLines, value)
	default:
		// Unknown fields are ignored.
	}
	return nil
}

// emit builds the accumulated event and resets field state.
func (d *Decoder) emit() *Event {
	if !d.seenField {
		return nil
	}
	ev := &Event{
		ID:    d.id,
		Event: d.eventName,
		Type:  d.eventType,
		Retry: d.retry,
	}
	raw := strings.Join(d.dataLines, "\n")

	d.id = ""
	d.eventName = ""
	d.eventType = ""
	d.retry = 0
	d.dataLines = nil
	d.seenField = false

	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
			d.logger.Warn("Skipping event with malformed data payload",
				zap.String("event", ev.Event),
				zap.Error(err))
			return nil
		}
	}
	if ev.ID == "" {
		ev.ID = EventID()
	}
	return ev
}
