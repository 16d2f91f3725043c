package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultInterpreter = "python3"
	DefaultYears       = 3
	DefaultGracePeriod = 100 * time.Millisecond
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int      `json:"version" yaml:"version"` // fixed 0 for now
	Root        string   `json:"root,omitempty" yaml:"root,omitempty"`
	Interpreter string   `json:"interpreter" yaml:"interpreter"`
	EnvFile     string   `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	GracePeriod string   `json:"grace_period" yaml:"grace_period"`
	Indexing    Indexing `json:"indexing" yaml:"indexing"`
	Sync        Sync     `json:"sync" yaml:"sync"`
	Chats       Script   `json:"chats" yaml:"chats"`
	Search      Script   `json:"search" yaml:"search"`
	Service     Service  `json:"service" yaml:"service"`
}

// Indexing configures the indexing worker.
type Indexing struct {
	Script string `json:"script" yaml:"script"`
	Years  int    `json:"years" yaml:"years"` // lookback used when a run does not pass one
}

// Sync configures the sync worker and its optional schedule.
type Sync struct {
	Script   string    `json:"script" yaml:"script"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule is either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Script struct {
	Script string `json:"script" yaml:"script"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Interpreter: DefaultInterpreter,
		GracePeriod: DefaultGracePeriod.String(),
		Indexing:    Indexing{Script: "indexer.py", Years: DefaultYears},
		Sync:        Sync{Script: "sync.py"},
		Chats:       Script{Script: "chat_list.py"},
		Search:      Script{Script: "searcher.py"},
		Service:     Service{Log: LogStderr},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, newConfigError(err, yamlValue)
	}

	out := DefaultConfig(context.Background())
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Grace returns the parsed grace_period.
func (c Config) Grace() time.Duration {
	d, err := time.ParseDuration(c.GracePeriod)
	if err != nil || d < 0 {
		return DefaultGracePeriod
	}
	return d
}

func (c Config) validate() error {
	if d, err := time.ParseDuration(c.GracePeriod); err != nil {
		return fmt.Errorf("parsing grace_period: %w", err)
	} else if d < 0 {
		return errors.New("grace_period must not be negative")
	}
	if s := c.Sync.Schedule; s != nil {
		switch {
		case s.Cron != "" && s.Duration != "":
			return errors.New("sync.schedule: cron and duration are mutually exclusive")
		case s.Cron != "":
			if _, err := ParseCron(s.Cron); err != nil {
				return fmt.Errorf("parsing sync.schedule.cron: %w", err)
			}
		case s.Duration != "":
			if _, err := ParseISODuration(s.Duration); err != nil {
				return fmt.Errorf("parsing sync.schedule.duration: %w", err)
			}
		default:
			return errors.New("sync.schedule: both cron and duration are empty")
		}
	}
	return nil
}
