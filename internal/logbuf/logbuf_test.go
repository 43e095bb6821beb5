package logbuf

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerCapturesErrorsOnly(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(10)
	log := slog.New(NewHandler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}), buf, slog.LevelError))

	log.Debug("hidden")
	log.Info("hello")
	log.With("source", "alpha").WithGroup("fetch").Error("fetch failed", "attempt", 2)

	require.Equal(t, 1, buf.Len())
	got := buf.List(0)[0]
	assert.Equal(t, "ERROR", got.Level)
	assert.Equal(t, "fetch failed", got.Message)
	assert.Equal(t, "alpha", got.Attrs["source"])
	assert.EqualValues(t, 2, got.Attrs["fetch.attempt"])
	assert.NotEmpty(t, got.ID)

	assert.Contains(t, out.String(), "hello")
	assert.NotContains(t, out.String(), "hidden")
}

func TestBufferRingOrder(t *testing.T) {
	buf := NewBuffer(3)
	log := slog.New(NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), buf, slog.LevelError))
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		log.Error(msg)
	}
	assert.Equal(t, 3, buf.Len())

	var msgs []string
	for _, e := range buf.List(0) {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"e", "d", "c"}, msgs)
	assert.Len(t, buf.List(2), 2)

	buf.Clear()
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.List(0))
}

func TestErrorRecordedBelowSinkLevel(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(2)
	// The sink only emits above ERROR; the ring still sees the ERROR record.
	log := slog.New(NewHandler(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelError + 4}), buf, slog.LevelError))
	log.Error("boom")
	assert.Equal(t, 1, buf.Len())
	assert.Empty(t, out.String())
}
