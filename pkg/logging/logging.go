// Package logging builds the per-node structured logger used across the
// replica: a console-encoded stdout core plus a buffered, non-blocking JSON
// file core under logs/node-<id>.log, with the level overridable via
// LOG_LEVEL.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
)

// DefaultDir is the directory per-node log files are written under when the
// caller does not override it.
const DefaultDir = "logs"

// LevelFromEnv parses LOG_LEVEL (e.g. "debug", "info", "warn", "error") into
// a zapcore.Level, defaulting to Info for an unset or unrecognized value.
func LevelFromEnv() zapcore.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return zapcore.InfoLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a SugaredLogger for node id: a console core at the given level,
// and a file core, at the same level, writing to dir/node-<id>.log through a
// buffered, periodically-flushed syncer so log writes never block message
// handling on disk I/O.
func New(dir string, id cluster.NodeID, level zapcore.Level) (*zap.SugaredLogger, func() error, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("node-%d.log", id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	buffered := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(f),
		Size:          256 * 1024,
		FlushInterval: time.Second,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(enc, buffered, level),
	)

	logger := zap.New(core).Sugar().With("node_id", id)

	closeFn := func() error {
		if err := buffered.Stop(); err != nil {
			return err
		}
		return f.Close()
	}
	return logger, closeFn, nil
}
