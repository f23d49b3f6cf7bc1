// Package params holds the environment-driven behavioral knobs read at
// process start: broadcast timeouts and HTTP server deadlines. It follows
// the same "defaults, then .env file, then process environment" precedence
// the original reference implementation used for its own runtime knobs.
package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Runtime holds the knobs every replica reads at start. Nothing here
// affects protocol correctness — quorum size, phase sequencing, and
// finalization are fixed by spec.md and never configurable — these are
// purely operational timings.
type Runtime struct {
	// BroadcastTimeout bounds a single peer POST in the Peer Broadcaster.
	BroadcastTimeout time.Duration
	// HTTPReadTimeout/HTTPWriteTimeout bound the Ingress Surface's server.
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
}

func Default() Runtime {
	return Runtime{
		BroadcastTimeout: 2 * time.Second,
		HTTPReadTimeout:  10 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
	}
}

// LoadFromEnv loads a .env file (if present) and then applies process
// environment overrides on top of Default. envPath == "" loads ".env" from
// the current directory; a missing file is not an error, matching the
// original LoadFromEnv's "optional" .env semantics.
func LoadFromEnv(envPath string) Runtime {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if ms := envMillis("BROADCAST_TIMEOUT_MS"); ms > 0 {
		cfg.BroadcastTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := envMillis("HTTP_READ_TIMEOUT_MS"); ms > 0 {
		cfg.HTTPReadTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := envMillis("HTTP_WRITE_TIMEOUT_MS"); ms > 0 {
		cfg.HTTPWriteTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg
}

func envMillis(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return ms
}
