package sampler

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sys/shell"
)

type stubSampler struct {
	name string
	opts Options
}

func (s *stubSampler) Name() string { return s.name }
func (s *stubSampler) Start() error { return nil }
func (s *stubSampler) Snapshot(*cancel.Token, time.Duration) (profile.ProcessProfileSet, error) {
	return profile.ProcessProfileSet{}, nil
}
func (s *stubSampler) Stop() {}

func javaDefinition() Definition {
	return Definition{
		Name:           "java",
		Modes:          []string{"ap"},
		DefaultMode:    "ap",
		SupportedArchs: []string{"amd64", "arm64"},
		ProfilingModes: []profile.Mode{profile.ModeCPU, profile.ModeAllocation},
		MaxFrequency:   100,
		New: func(o Options) (Sampler, error) {
			return &stubSampler{name: "java", opts: o}, nil
		},
	}
}

func TestSelectMode(t *testing.T) {
	def := javaDefinition()
	tests := []struct {
		requested string
		arch      string
		mode      string
		enabled   bool
		wantErr   bool
	}{
		{"", "amd64", "ap", true, false},
		{"auto", "amd64", "ap", true, false},
		{"enabled", "arm64", "ap", true, false},
		{"AP", "amd64", "ap", true, false},
		{"disabled", "amd64", "", false, false},
		{"none", "amd64", "", false, false},
		{"auto", "ppc64le", "", false, false},
		{"ap", "ppc64le", "", false, true},
		{"jattach", "amd64", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.requested+"/"+tt.arch, func(t *testing.T) {
			mode, enabled, err := SelectMode(def, tt.requested, tt.arch)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.enabled, enabled)
		})
	}
}

func TestPossibleModes(t *testing.T) {
	def := javaDefinition()
	assert.Equal(t, []string{"auto", "enabled", "ap", "disabled", "none"}, def.PossibleModes("amd64"))
	assert.Nil(t, def.PossibleModes("s390x"))
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(javaDefinition())
	require.NoError(t, err)

	assert.Error(t, reg.Register(javaDefinition()), "duplicate")
	assert.Error(t, reg.Register(Definition{Name: "bad", Modes: []string{"x"}, DefaultMode: "y",
		New: javaDefinition().New}))
	assert.Error(t, reg.Register(Definition{Name: "noctor", Modes: []string{"x"}, DefaultMode: "x"}))

	require.NoError(t, reg.Register(Definition{
		Name: "python", Modes: []string{"pyspy"}, DefaultMode: "pyspy",
		New: func(Options) (Sampler, error) { return nil, fmt.Errorf("py-spy not found") },
	}))

	def, ok := reg.Lookup("JAVA")
	require.True(t, ok)
	assert.Equal(t, "java", def.Name)

	names := []string{}
	for _, d := range reg.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"java", "python"}, names)
}

func TestRegistryBuild(t *testing.T) {
	reg, err := NewRegistry(javaDefinition(), Definition{
		Name: "python", Modes: []string{"pyspy"}, DefaultMode: "pyspy",
		New: func(Options) (Sampler, error) { return nil, fmt.Errorf("py-spy not found") },
	})
	require.NoError(t, err)

	t.Run("enabled", func(t *testing.T) {
		s, err := reg.BuildFor("java", "auto", "amd64", Options{Frequency: 500, Logger: zerolog.Nop()})
		require.NoError(t, err)
		stub := s.(*stubSampler)
		assert.Equal(t, "ap", stub.opts.Mode)
		assert.Equal(t, 100, stub.opts.Frequency, "frequency is clamped")
		assert.Equal(t, DefaultGrace, stub.opts.Grace)
		assert.Equal(t, profile.ModeCPU, stub.opts.ProfilingMode)
	})

	t.Run("disabled", func(t *testing.T) {
		s, err := reg.BuildFor("java", "disabled", "amd64", Options{})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("unsupported profiling mode", func(t *testing.T) {
		_, err := reg.BuildFor("python", "auto", "amd64", Options{ProfilingMode: profile.ModeAllocation})
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("constructor failure", func(t *testing.T) {
		_, err := reg.BuildFor("python", "auto", "amd64", Options{})
		var sf *errors.StartFailure
		require.ErrorAs(t, err, &sf)
		assert.Equal(t, "python", sf.Sampler)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := reg.BuildFor("dotnet", "auto", "amd64", Options{})
		assert.Error(t, err)
	})
}

func TestClampFrequency(t *testing.T) {
	def := javaDefinition()
	assert.Equal(t, 11, ClampFrequency(def, 11, zerolog.Nop()))
	assert.Equal(t, 100, ClampFrequency(def, 1000, zerolog.Nop()))
	def.MaxFrequency = 0
	assert.Equal(t, 1000, ClampFrequency(def, 1000, zerolog.Nop()))
}

func TestBound(t *testing.T) {
	assert.Equal(t, 2*time.Second+DefaultSlack, Bound(time.Second, time.Second, 0))
	assert.Equal(t, 3*time.Second, Bound(time.Second, time.Second, time.Second))
	assert.Greater(t, DefaultSlack, shell.DefaultKillDelay, "a killed command must be able to report")
}
