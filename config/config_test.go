package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/DGForest/refine"
)

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, 2, s.Dimension)
	assert.Equal(t, []int{4}, s.Subdivisions)
	assert.Equal(t, 4, s.Ranks)
	assert.True(t, s.AutoRepartition)
	assert.Equal(t, refine.AllSiblings, s.Policy())
	assert.Equal(t, logrus.InfoLevel, s.Level())

	g, err := s.Grid()
	require.NoError(t, err)
	assert.Equal(t, 16, g.NumTrees())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forest.yaml")
	yml := "dimension: 3\nsubdivisions: [2, 1, 3]\ncoarsen_policy: majority\nauto_repartition: false\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Dimension)
	assert.Equal(t, 4, s.Ranks, "unset keys keep their default")
	assert.False(t, s.AutoRepartition)
	assert.Equal(t, refine.MajoritySiblings, s.Policy())
	assert.Equal(t, logrus.DebugLevel, s.Level())
	g, err := s.Grid()
	require.NoError(t, err)
	assert.Equal(t, 6, g.NumTrees())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	s := Default()
	s.Dimension = 4
	s.Ranks = 0
	s.GhostDepth = 0
	s.CoarsenPolicy = "most"
	s.MaxLevel = 40
	s.LogLevel = "loud"
	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{"dimension", "ranks", "ghost_depth", "coarsen policy", "max_level", "loud"} {
		assert.Contains(t, err.Error(), want)
	}

	s = Default()
	s.Subdivisions = []int{2, 2, 2}
	assert.Error(t, s.Validate())
}
