package logbuf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_KeepsNewest(t *testing.T) {
	b := New(3)
	log := zerolog.New(b)
	for _, msg := range []string{"one", "two", "three", "four"} {
		log.Info().Msg(msg)
	}

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "four", entries[2].Message)
}

func TestBuffer_ParsesEvents(t *testing.T) {
	b := New(10)
	log := zerolog.New(b).With().Timestamp().Logger()
	log.Warn().Str("component", "watchdog").Msg("no velocity command received")
	log.Error().Err(assert.AnError).Msg("stop failed")
	b.Write([]byte("not json\n"))

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "WARNING", entries[0].Level)
	assert.Equal(t, "watchdog", entries[0].Module)
	assert.NotEmpty(t, entries[0].Timestamp)

	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "spotweb", entries[1].Module)
	assert.Equal(t, assert.AnError.Error(), entries[1].Error)

	assert.Equal(t, Entry{Level: "INFO", Module: "spotweb", Message: "not json"}, entries[2])
}

func TestBuffer_Subscribe(t *testing.T) {
	b := New(10)
	defer b.Close()
	ch := b.Subscribe()
	log := zerolog.New(b)

	log.Info().Msg("hello")
	select {
	case v := <-ch:
		assert.Equal(t, "hello", v.(Entry).Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	b.Unsubscribe(ch)
	log.Info().Msg("after unsubscribe")
	assert.Len(t, b.Entries(), 2)
}

func TestBuffer_SlowSubscriberNeverBlocks(t *testing.T) {
	b := New(10)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		log := zerolog.New(b)
		for i := 0; i < 1000; i++ {
			log.Info().Int("i", i).Msg("spam")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logging blocked on a slow subscriber")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"DEBUG":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"WARNING":  zerolog.WarnLevel,
		"ERROR":    zerolog.ErrorLevel,
		"CRITICAL": zerolog.FatalLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("VERBOSE")
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spot_web.log")
	var console bytes.Buffer
	buf := New(10)

	log, closeFn, err := Setup(Options{Level: "INFO", File: path, Console: &console, Buffer: buf})
	require.NoError(t, err)
	log.Debug().Msg("hidden")
	log.Info().Str("component", "server").Msg("listening")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"listening"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, console.String(), "listening")

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "server", entries[1].Module)

	_, _, err = Setup(Options{Level: "LOUD"})
	assert.Error(t, err)
}
