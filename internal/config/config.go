// Package config loads the YAML description of a pipeline: its metadata
// pools, buffers, scrub workers and stages.
package config

import (
	"os"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultJoinTimeout = 5 * time.Second

	// Stage names double as producer/consumer names on buffers.
	maxStageName = 128
)

type Config struct {
	MetadataPools map[string]PoolConfig   `yaml:"metadata_pools"`
	Buffers       map[string]BufferConfig `yaml:"buffers"`
	Scrub         ScrubConfig             `yaml:"scrub"`
	Stages        map[string]StageConfig  `yaml:"stages"`

	// How long Join waits for stages to exit after Stop.
	JoinTimeout Duration `yaml:"join_timeout"`
}

type PoolConfig struct {
	NumObjects int  `yaml:"num_metadata_objects"`
	ObjectSize Size `yaml:"metadata_object_size"`
}

type BufferConfig struct {
	Type         string `yaml:"type"`
	NumFrames    int    `yaml:"num_frames"`
	FrameSize    Size   `yaml:"frame_size"`
	MetadataPool string `yaml:"metadata_pool"`
	NumaNode     *int   `yaml:"numa_node"`
	ZeroFrames   bool   `yaml:"zero_frames"`
}

// Node returns the configured NUMA node, or -1.
func (b BufferConfig) Node() int {
	if b.NumaNode == nil {
		return -1
	}
	return *b.NumaNode
}

type ScrubConfig struct {
	Workers int  `yaml:"workers"`
	CPU     *int `yaml:"cpu"`
}

// Core returns the CPU to pin scrub workers to, or -1.
func (s ScrubConfig) Core() int {
	if s.CPU == nil {
		return -1
	}
	return *s.CPU
}

// StageConfig keeps a stage's YAML block so the stage can decode its own
// options.
type StageConfig struct {
	Type string
	node yaml.Node
}

func (s *StageConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	s.Type = head.Type
	s.node = *node
	return nil
}

// Decode unmarshals the stage block into v. Unknown keys are ignored.
func (s StageConfig) Decode(v interface{}) error {
	if s.node.Kind == 0 {
		return nil
	}
	return s.node.Decode(v)
}

// Size is a byte count written as a number or a human string like "4MiB".
type Size int

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	n, err := units.RAMInBytes(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document, filling in defaults.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing yaml")
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = Duration(DefaultJoinTimeout)
	}
	if cfg.Scrub.Workers == 0 {
		cfg.Scrub.Workers = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	for _, name := range sortedKeys(c.MetadataPools) {
		p := c.MetadataPools[name]
		if p.NumObjects <= 0 {
			return errors.Wrapf(errNotPositive, "metadata_pools.%s.num_metadata_objects", name)
		}
		if p.ObjectSize <= 0 {
			return errors.Wrapf(errNotPositive, "metadata_pools.%s.metadata_object_size", name)
		}
	}

	if len(c.Buffers) == 0 {
		return errNoBuffers
	}
	for _, name := range sortedKeys(c.Buffers) {
		b := c.Buffers[name]
		if b.NumFrames <= 0 {
			return errors.Wrapf(errNotPositive, "buffers.%s.num_frames", name)
		}
		if b.FrameSize <= 0 {
			return errors.Wrapf(errNotPositive, "buffers.%s.frame_size", name)
		}
		if b.MetadataPool != "" {
			if _, ok := c.MetadataPools[b.MetadataPool]; !ok {
				return errors.Wrapf(errUnknownPool, "buffers.%s.metadata_pool %q", name, b.MetadataPool)
			}
		}
	}

	if c.Scrub.Workers < 0 {
		return errors.Wrap(errNotPositive, "scrub.workers")
	}

	for _, name := range sortedKeys(c.Stages) {
		if len(name) > maxStageName {
			return errors.Errorf("stages.%s: name longer than %d bytes", name, maxStageName)
		}
		if c.Stages[name].Type == "" {
			return errors.Wrapf(errNoStageType, "stages.%s", name)
		}
	}
	return nil
}

// PoolNames, BufferNames and StageNames return section keys in sorted order.
func (c *Config) PoolNames() []string   { return sortedKeys(c.MetadataPools) }
func (c *Config) BufferNames() []string { return sortedKeys(c.Buffers) }
func (c *Config) StageNames() []string  { return sortedKeys(c.Stages) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
