package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeContent(t *testing.T) {
	ev := NewContent("hello")
	ev.ID = "id-1"

	out := string(Encode(ev))
	assert.True(t, strings.HasPrefix(out, "id: id-1\n"))
	assert.Contains(t, out, "event: content\n")
	assert.Contains(t, out, `"response":"hello"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestEncodePromptCarriesType(t *testing.T) {
	ev := NewPrompt("hi there")
	out := string(Encode(ev))
	assert.Contains(t, out, "type: prompt\n")
	assert.Contains(t, out, `"prompt":"hi there"`)
}

func TestRoundTrip(t *testing.T) {
	events := []*Event{
		NewContent("chunk one"),
		NewPrompt("a question"),
		NewEnd("COMPLETE"),
		NewError("PROVIDER_STREAM_ERROR", "upstream hung up"),
	}
	for _, ev := range events {
		t.Run(ev.Event, func(t *testing.T) {
			decoded := Decode(Encode(ev), zap.NewNop())
			require.Len(t, decoded, 1)
			assert.Equal(t, ev.Event, decoded[0].Event)
			assert.Equal(t, ev.ID, decoded[0].ID)
			assert.Equal(t, ev.Data, decoded[0].Data)
		})
	}
}

func TestDecoderIncremental(t *testing.T) {
	frame := Encode(NewContent("split across feeds"))
	d := NewDecoder(zap.NewNop())

	half := len(frame) / 2
	assert.Empty(t, d.Feed(frame[:half]))
	events := d.Feed(frame[half:])
	require.Len(t, events, 1)
	assert.Equal(t, "split across feeds", events[0].Data.Response)
}

func TestDecoderMultipleEventsOneFeed(t *testing.T) {
	var raw []byte
	raw = append(raw, Encode(NewContent("one"))...)
	raw = append(raw, Encode(NewContent("two"))...)
	raw = append(raw, Encode(NewEnd("COMPLETE"))...)

	events := Decode(raw, zap.NewNop())
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Data.Response)
	assert.Equal(t, "two", events[1].Data.Response)
	assert.Equal(t, EventEnd, events[2].Event)
}

func TestDecoderIgnoresComments(t *testing.T) {
	raw := []byte(": heartbeat\n\n" + string(Encode(NewContent("after comment"))))
	events := Decode(raw, zap.NewNop())
	require.Len(t, events, 1)
	assert.Equal(t, "after comment", events[0].Data.Response)
}

func TestDecoderSkipsMalformedData(t *testing.T) {
	raw := []byte("event: content\ndata: {not json\n\n")
	events := Decode(raw, zap.NewNop())
	assert.Empty(t, events)
}

func TestDecoderAssignsMissingID(t *testing.T) {
	raw := []byte("event: content\ndata: {\"response\":\"x\"}\n\n")
	events := Decode(raw, zap.NewNop())
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
}

func TestFlushEmitsTrailingEvent(t *testing.T) {
	d := NewDecoder(zap.NewNop())
	assert.Empty(t, d.Feed([]byte("event: content\ndata: {\"response\":\"tail\"}")))
	events := d.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Data.Response)
}

func TestPromptResponsePredicates(t *testing.T) {
	assert.True(t, NewPrompt("p").IsPrompt())
	assert.False(t, NewPrompt("p").IsResponse())
	assert.True(t, NewContent("r").IsResponse())
	assert.False(t, NewEnd("COMPLETE").IsResponse())
}
