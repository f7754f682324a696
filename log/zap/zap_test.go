package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/refcache/log"
)

func TestFieldsAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := ZapLogger{L: zap.New(core)}

	l.Debug("d", nil)
	l.Info("i", log.Fields{"key": "go:fmt:Println"})
	l.Warn("w", log.Fields{"err": errors.New("boom")})
	l.Error("e", log.Fields{"n": 3})

	entries := logs.AllUntimed()
	if len(entries) != 4 {
		t.Fatalf("entries=%d want 4", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d level=%v want %v", i, e.Level, wantLevels[i])
		}
	}
	if got := entries[1].ContextMap()["key"]; got != "go:fmt:Println" {
		t.Fatalf("key=%v", got)
	}
	if got := entries[2].ContextMap()["err"]; got != "boom" {
		t.Fatalf("err field=%v want boom", got)
	}
}
