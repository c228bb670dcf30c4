package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *captureSink) Write(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestEmitter_StampsMetadata(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(EmitterConfig{HandleID: "h1", Program: "virt-test"}, sink)

	require.NoError(t, e.Emit(EventAppliance, "booting", nil))

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	assert.Equal(t, "h1", got.HandleID)
	assert.Equal(t, "virt-test", got.Program)
	assert.Equal(t, EventAppliance, got.EventType)
	assert.Equal(t, "booting", got.Summary)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEmitter_ProgressPayload(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(EmitterConfig{HandleID: "h1"}, sink)

	e.Progress(ProgressData{Proc: 7, Serial: 42, Position: 3, Total: 12})

	require.Len(t, sink.events, 1)
	var data ProgressData
	require.NoError(t, json.Unmarshal(sink.events[0].Data, &data))
	assert.Equal(t, uint32(7), data.Proc)
	assert.Equal(t, uint64(3), data.Position)
	assert.Equal(t, uint64(12), data.Total)
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var e *Emitter
	assert.NoError(t, e.Emit(EventTrace, "ignored", nil))
	e.Appliance("also ignored")
	assert.NoError(t, e.Close())
}

func TestTextSink_ApplianceVerbatim(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf)
	e := NewEmitter(EmitterConfig{HandleID: "h1"}, sink)

	e.Appliance("Linux version 6.1.0\n")
	e.Warning("cache directory recreated")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Linux version 6.1.0\n"))
	assert.Contains(t, out, "guestkit: [h1] warning cache directory recreated")
}
