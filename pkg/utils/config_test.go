package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testOptions struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
	Enabled  bool          `mapstructure:"enabled"`
}

func TestDecodeOptions(t *testing.T) {
	options := testOptions{}
	err := DecodeOptions(map[string]any{
		"interval": "5s",
		"workers":  "4",
		"enabled":  "yes",
	}, &options)
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Second, options.Interval)
	assert.Equal(t, 4, options.Workers)
	assert.True(t, options.Enabled)
}

func TestDecodeOptionsRejectsUnknownKeys(t *testing.T) {
	options := testOptions{}
	err := DecodeOptions(map[string]any{
		"workers": 2,
		"wrokers": 3,
	}, &options)
	assert.Error(t, err)
}

func TestDecodeOptionsRejectsBadValues(t *testing.T) {
	options := testOptions{}
	err := DecodeOptions(map[string]any{"enabled": "maybe"}, &options)
	assert.Error(t, err)

	err = DecodeOptions(map[string]any{"workers": "many"}, &options)
	assert.Error(t, err)
}
