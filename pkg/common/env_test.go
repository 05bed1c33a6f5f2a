package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envTestConfig struct {
	Token   string `env:"EEMETER_TEST_TOKEN"`
	Retries int    `env:"EEMETER_TEST_RETRIES" envDefault:"3"`
}

func TestParseEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg envTestConfig
		require.NoError(t, ParseEnv(&cfg))
		assert.Equal(t, 3, cfg.Retries)
		assert.Empty(t, cfg.Token)
	})

	t.Run("set", func(t *testing.T) {
		t.Setenv("EEMETER_TEST_TOKEN", "secret")
		var cfg envTestConfig
		require.NoError(t, ParseEnv(&cfg))
		assert.Equal(t, "secret", cfg.Token)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("EEMETER_TEST_RETRIES", "many")
		var cfg envTestConfig
		err := ParseEnv(&cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse env:")
	})
}
