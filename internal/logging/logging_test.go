package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tc := range cases {
		logger := NewLogger(Config{Level: tc.level})
		if got := logger.GetLevel(); got != tc.want {
			t.Errorf("level %q: got %v, want %v", tc.level, got, tc.want)
		}
	}
}
