package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_WritesRotatedFileAndTail(t *testing.T) {
	dir := t.TempDir()
	tail := NewTail(10)
	var stdout bytes.Buffer

	l := newLogger(Config{Level: "info", Format: "json", Path: dir, Tail: tail}, &stdout)
	cl := l.WithComponent("reconcile")
	cl.Info().Str("downloadId", "d1").Msg("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log file = %s", data)
	}
	if !strings.Contains(stdout.String(), `"downloadId":"d1"`) {
		t.Errorf("stdout = %s", stdout.String())
	}

	entries := tail.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("Recent() len = %d, want 1", len(entries))
	}
	if entries[0].Component != "reconcile" || entries[0].Message != "hello" || entries[0].Fields["downloadId"] != "d1" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestTail_Wraps(t *testing.T) {
	tail := NewTail(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		if _, err := tail.Write([]byte(`{"level":"info","message":"` + msg + `"}`)); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = tail.Write([]byte("not json"))

	got := tail.Recent(0)
	if len(got) != 3 || got[0].Message != "c" || got[2].Message != "e" {
		t.Errorf("Recent(0) = %+v", got)
	}
	if last := tail.Recent(1); len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Recent(1) = %+v", last)
	}
}
