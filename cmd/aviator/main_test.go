package main

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantLogs int
	}{
		{"clean shutdown", nil, 0, 0},
		{"failure", errors.New("listen: address in use"), 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)

			if got := exitCode(tt.err, zap.New(core)); got != tt.wantCode {
				t.Errorf("exitCode() = %d, want %d", got, tt.wantCode)
			}
			if logs.Len() != tt.wantLogs {
				t.Fatalf("logged %d entries, want %d", logs.Len(), tt.wantLogs)
			}
			if tt.wantLogs > 0 {
				entry := logs.All()[0]
				if entry.Level != zapcore.ErrorLevel || entry.ContextMap()["error"] != tt.err.Error() {
					t.Errorf("entry = %+v", entry)
				}
			}
		})
	}
}
