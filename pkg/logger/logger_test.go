package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	l, err := New("warn")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info enabled on a warn logger")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error disabled on a warn logger")
	}
}

func TestGlobalIsSet(t *testing.T) {
	if Global() == nil {
		t.Fatal("global logger is nil")
	}
	prev := Global()
	defer SetGlobal(prev)

	nop := NewNop()
	SetGlobal(nop)
	if Global() != nop {
		t.Fatal("SetGlobal did not replace the logger")
	}
	nop.WithRequest("cid", "u1").WithSession("u1", "s1").Info("discarded")
}
