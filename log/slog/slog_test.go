package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/refcache/log"
)

func TestFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	h := stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{
		Level: stdslog.LevelDebug,
		ReplaceAttr: func(_ []string, a stdslog.Attr) stdslog.Attr {
			if a.Key == stdslog.TimeKey {
				return stdslog.Attr{}
			}
			return a
		},
	})
	Logger{L: stdslog.New(h)}.Warn("evicted", log.Fields{"z": 1, "a": "x", "m": true})

	got := strings.TrimSpace(buf.String())
	want := "level=WARN msg=evicted a=x m=true z=1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDebugRespectsHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, nil))}
	l.Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %q", buf.String())
	}
}
