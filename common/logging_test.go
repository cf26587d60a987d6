package common

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name  string
		opts  LoggingOpts
		debug bool
	}{
		{name: "text info", opts: LoggingOpts{Service: "chipserver"}},
		{name: "json debug", opts: LoggingOpts{JSON: true, Debug: true, Version: "v1"}, debug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := SetupLogger(&tt.opts)
			assert.NotNil(t, log)
			assert.Equal(t, tt.debug, log.Enabled(context.Background(), slog.LevelDebug))
			assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}
