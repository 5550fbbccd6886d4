// Package config loads the listener's queue definitions from a TOML
// file. The scheduling DSL itself -- how an operator expresses "queue
// foo gets 4 workers running this command" -- is out of scope per
// spec.md §1 ("the configuration DSL that decides how many workers per
// queue"); this package supplies only the minimal typed surface a
// Listener needs to build its WorkerRecords, decoded the same two-step
// way the teacher decodes revad.toml: raw TOML into a generic map,
// then mapstructure into a typed struct.
package config

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// QueueSpec describes one worker slot the listener should maintain.
type QueueSpec struct {
	// Name is the queue key: the canonical identity used to pair a
	// blocked worker in a new generation with the running worker it
	// is waiting on in the old one (spec.md §3, §4.3).
	Name string `mapstructure:"name"`
	// Command and Args are exec'd to start one worker for this queue.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Count is how many worker slots this queue gets. Defaults to 1.
	Count int `mapstructure:"count"`
	// Keepalive, when true, means the listener should re-fork a
	// replacement worker after this one exits (vs. running once).
	Keepalive bool `mapstructure:"keepalive"`
}

// Config is the root of a listener's TOML config file.
type Config struct {
	Queues []QueueSpec `mapstructure:"queue"`
}

// Load reads and decodes the config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a TOML config from an already-open reader, the same
// split the teacher's cmd/revad/internal/config.Read uses so callers
// can load from a file, a pipe, or a test fixture string uniformly.
func Read(r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: decoding toml")
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "config: building decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "config: mapping to typed config")
	}

	for i := range cfg.Queues {
		if cfg.Queues[i].Count <= 0 {
			cfg.Queues[i].Count = 1
		}
	}
	return &cfg, nil
}

// Validate checks the config is well-formed enough to build workers
// from, used by `resqued start -t` (spec_full.md supplement #2).
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("config: no [[queue]] sections defined")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("config: queue with empty name")
		}
		if seen[q.Name] {
			return errors.Errorf("config: duplicate queue name %q", q.Name)
		}
		seen[q.Name] = true
		if q.Command == "" {
			return errors.Errorf("config: queue %q has no command", q.Name)
		}
	}
	return nil
}
