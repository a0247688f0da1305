// Package distributed implements the fixed-size process group used for
// data-parallel training: rendezvous of all ranks at a coordinator address,
// the collective operations every rank must invoke in the same order
// (all-reduce, broadcast, barrier), and the launcher that fans a run out to
// one worker process per rank.
//
// Rank 0 hosts the coordinator in-process and participates as a normal rank.
// The collectives run over plain TCP connections to the coordinator, which
// aggregates one request per rank per sequence number and fans the result
// back out to everyone.
package distributed

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables consumed at process start. The launcher sets
// MasterAddrEnv and MasterPortEnv before spawning, and injects a distinct
// RankEnv into each worker.
const (
	MasterAddrEnv = "MASTER_ADDR"
	MasterPortEnv = "MASTER_PORT"
	RankEnv       = "RANK"
	WorldSizeEnv  = "WORLD_SIZE"
	BackendEnv    = "BACKEND"
)

// BackendTCP is the only communication backend this package provides.
const BackendTCP = "tcp"

// DefaultTimeout bounds every collective call. A rank that dies mid-run
// leaves its peers blocked inside a collective; the timeout turns that hang
// into a hard failure.
const DefaultTimeout = 3 * time.Minute

// Config describes one rank's membership in a process group.
type Config struct {
	Backend    string
	MasterAddr string
	MasterPort int
	Rank       int
	WorldSize  int
	Timeout    time.Duration
}

// Validate checks the configuration for a joinable rank.
func (c Config) Validate() error {
	if c.Backend != "" && c.Backend != BackendTCP {
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.MasterAddr == "" {
		return fmt.Errorf("master address must be set")
	}
	if c.MasterPort <= 0 || c.MasterPort > 65535 {
		return fmt.Errorf("invalid master port %d", c.MasterPort)
	}
	if c.WorldSize <= 0 {
		return fmt.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return nil
}

func (c Config) masterEndpoint() string {
	return fmt.Sprintf("%s:%d", c.MasterAddr, c.MasterPort)
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// FromEnv builds a Config from the bootstrap environment set by the launcher
// (or by an external scheduler following the same convention).
func FromEnv() (Config, error) {
	cfg := Config{
		Backend:    os.Getenv(BackendEnv),
		MasterAddr: os.Getenv(MasterAddrEnv),
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendTCP
	}

	var err error
	if cfg.MasterPort, err = intFromEnv(MasterPortEnv); err != nil {
		return Config{}, err
	}
	if cfg.Rank, err = intFromEnv(RankEnv); err != nil {
		return Config{}, err
	}
	if cfg.WorldSize, err = intFromEnv(WorldSizeEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intFromEnv(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is not set", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %v", name, raw, err)
	}
	return v, nil
}
