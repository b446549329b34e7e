package core

import (
	"crypto/tls"
	"io"
	"path"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/cobrabft/cobra/common/log"
	"github.com/cobrabft/cobra/crypto/vss"
	"github.com/cobrabft/cobra/internal/recovery"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a replica to run.
type Config struct {
	configFolder    string
	dbFolder        string
	boltOpts        *bolt.Options
	logger          log.Logger
	clock           clockwork.Clock
	poolSize        int
	kind            vss.Kind
	setupSeed       []byte
	quorum          int
	oldQuorum       int
	roundDeadline   time.Duration
	recoveryListen  string
	recoveryTimeout time.Duration
	tls             *tls.Config
	maxRetries      int
	random          io.Reader
	bus             Bus
}

// NewConfig returns the config to pass to a replica with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		configFolder:    DefaultConfigFolder(),
		logger:          log.DefaultLogger(),
		clock:           clockwork.NewRealClock(),
		poolSize:        runtime.NumCPU(),
		kind:            vss.Linear,
		setupSeed:       []byte("cobra constant-size commitment setup"),
		roundDeadline:   DefaultRoundDeadline,
		recoveryTimeout: DefaultRecoveryTimeout,
		maxRetries:      recovery.DefaultMaxRetries,
	}
	c.dbFolder = path.Join(c.configFolder, DefaultDBFolder)
	for i := range opts {
		opts[i](c)
	}
	return c
}

// ConfigFolder returns the folder under which the replica stores its
// identity.
func (c *Config) ConfigFolder() string {
	return c.configFolder
}

// DBFolder returns the folder under which finalized points are stored.
func (c *Config) DBFolder() string {
	return c.dbFolder
}

// Logger returns the logger of the replica.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// WithConfigFolder sets the base folder, moving the database folder under it.
func WithConfigFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.configFolder = folder
		c.dbFolder = path.Join(folder, DefaultDBFolder)
	}
}

// WithDBFolder sets the folder bbolt writes to.
func WithDBFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.dbFolder = folder
	}
}

// WithBoltOptions sets the options bbolt is opened with.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(c *Config) {
		c.boltOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithClock sets the clock deadlines and timeouts run on.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithPoolSize sets the number of goroutines validating proposals.
func WithPoolSize(n int) ConfigOption {
	return func(c *Config) {
		c.poolSize = n
	}
}

// WithScheme selects the commitment scheme. seed derives the setup of the
// constant-size scheme and must be the same on every replica.
func WithScheme(kind vss.Kind, seed []byte) ConfigOption {
	return func(c *Config) {
		c.kind = kind
		if seed != nil {
			c.setupSeed = seed
		}
	}
}

// WithQuorum sets the number of valid proposals rounds wait for. Zero means
// 2f+1.
func WithQuorum(q int) ConfigOption {
	return func(c *Config) {
		c.quorum = q
	}
}

// WithOldQuorum sets the number of consistent senders a recovery of this
// replica needs. It must be at least f+1. Zero means 2f+1.
func WithOldQuorum(q int) ConfigOption {
	return func(c *Config) {
		c.oldQuorum = q
	}
}

// WithRoundDeadline sets the time after which unfinished rounds abort. Zero
// disables the deadline.
func WithRoundDeadline(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.roundDeadline = d
	}
}

// WithRecoveryListen sets the address the recovery receiver binds, the
// replica's identity address when empty.
func WithRecoveryListen(addr string) ConfigOption {
	return func(c *Config) {
		c.recoveryListen = addr
	}
}

// WithRecoveryTimeout sets how long a recovery waits before soliciting one
// more sender. Zero disables it.
func WithRecoveryTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.recoveryTimeout = d
	}
}

// WithTLSConfig runs the recovery channel over TLS.
func WithTLSConfig(conf *tls.Config) ConfigOption {
	return func(c *Config) {
		c.tls = conf
	}
}

// WithMaxRetries bounds how many replacement senders a recovery solicits.
func WithMaxRetries(n int) ConfigOption {
	return func(c *Config) {
		c.maxRetries = n
	}
}

// WithRandomness sets the source polynomials are drawn from, crypto/rand when
// nil.
func WithRandomness(r io.Reader) ConfigOption {
	return func(c *Config) {
		c.random = r
	}
}

// WithBus sets how proposals reach the other replicas.
func WithBus(b Bus) ConfigOption {
	return func(c *Config) {
		c.bus = b
	}
}
