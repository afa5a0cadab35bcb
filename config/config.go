// config/config.go
//
// Run settings for a distributed forest, read from YAML. Values missing from
// the file keep their defaults.

package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/notargets/DGForest/element"
	"github.com/notargets/DGForest/refine"
)

const DefaultConfigYAML = `# forest configuration
dimension: 2
# coarse cells per axis; one value applies to every axis
subdivisions: [4]
ranks: 4
ghost_depth: 1
# all | majority | any
coarsen_policy: all
# repartition after every refinement pass
auto_repartition: true
# 0 keeps the deepest level the curve keys allow
max_level: 0
log_level: info
`

// Settings models the YAML file
type Settings struct {
	Dimension       int    `yaml:"dimension"`
	Subdivisions    []int  `yaml:"subdivisions"`
	Ranks           int    `yaml:"ranks"`
	GhostDepth      int    `yaml:"ghost_depth"`
	CoarsenPolicy   string `yaml:"coarsen_policy"`
	AutoRepartition bool   `yaml:"auto_repartition"`
	MaxLevel        int    `yaml:"max_level"`
	LogLevel        string `yaml:"log_level"`
}

func Default() Settings {
	var s Settings
	if err := yaml.Unmarshal([]byte(DefaultConfigYAML), &s); err != nil {
		panic(fmt.Sprintf("default configuration does not parse: %v", err))
	}
	return s
}

// Load reads path over the defaults and validates the result
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	var errs *multierror.Error
	if s.Dimension < 1 || s.Dimension > 3 {
		errs = multierror.Append(errs, fmt.Errorf("dimension %d outside [1, 3]", s.Dimension))
	} else if n := len(s.Subdivisions); n > 1 && n != s.Dimension {
		errs = multierror.Append(errs, fmt.Errorf("%d subdivisions for dimension %d", n, s.Dimension))
	}
	for _, n := range s.Subdivisions {
		if n < 1 {
			errs = multierror.Append(errs, fmt.Errorf("subdivision %d must be positive", n))
		}
	}
	if s.Ranks < 1 {
		errs = multierror.Append(errs, fmt.Errorf("ranks %d must be positive", s.Ranks))
	}
	if s.GhostDepth < 1 {
		errs = multierror.Append(errs, fmt.Errorf("ghost_depth %d must be positive", s.GhostDepth))
	}
	if _, err := refine.ParsePolicy(s.CoarsenPolicy); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.MaxLevel < 0 || s.MaxLevel > element.MaxLevel {
		errs = multierror.Append(errs, fmt.Errorf("max_level %d outside [0, %d]", s.MaxLevel, element.MaxLevel))
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Grid builds the coarse grid of the unit box
func (s Settings) Grid() (*element.Grid, error) {
	shape, err := element.NewShape(s.Dimension)
	if err != nil {
		return nil, err
	}
	return element.NewGrid(shape, s.Subdivisions...)
}

func (s Settings) Policy() refine.CoarsenPolicy {
	p, _ := refine.ParsePolicy(s.CoarsenPolicy)
	return p
}

func (s Settings) Level() logrus.Level {
	l, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
