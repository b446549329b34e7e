package log

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	type logTest struct {
		with    []interface{}
		level   int
		allowed int
		out     []string
	}
	tests := []logTest{
		{nil, InfoLevel, InfoLevel, []string{"hello"}},
		{nil, DebugLevel, InfoLevel, nil},
		{nil, ErrorLevel, DebugLevel, []string{"hello"}},
		{nil, WarnLevel, ErrorLevel, nil},
		{[]interface{}{"round", 12}, WarnLevel, InfoLevel, []string{"round", "12", "hello"}},
	}

	for i, test := range tests {
		t.Logf(" -- test %d -- ", i)
		var b bytes.Buffer
		w := bufio.NewWriter(&b)
		l := New(zapcore.AddSync(w), test.allowed, true)
		if test.with != nil {
			l = l.With(test.with...)
		}
		switch test.level {
		case InfoLevel:
			l.Infow("hello")
		case DebugLevel:
			l.Debugw("hello")
		case WarnLevel:
			l.Warnw("hello")
		case ErrorLevel:
			l.Errorw("hello")
		}
		require.NoError(t, w.Flush())
		if test.out == nil {
			require.Empty(t, b.String())
			continue
		}
		for _, o := range test.out {
			require.Contains(t, b.String(), o)
		}
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, DebugLevel, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	l := Nop()
	ctx := ToContext(context.Background(), l)
	require.Equal(t, l, FromContextOrDefault(ctx))
	require.NotNil(t, FromContextOrDefault(context.Background()))
}
