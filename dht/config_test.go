package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestNewConfigAppliesOptions(t *testing.T) {
	c := NewConfig(WithAlpha(7), WithBucketSize(40), WithRequestTimeout(2*time.Second))
	require.Equal(t, 7, c.Alpha)
	require.Equal(t, 40, c.BucketSize)
	require.Equal(t, 2*time.Second, c.RequestTimeout)
	require.NoError(t, c.Validate())
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []ConfigOption{
		WithBucketSize(0),
		WithAlpha(0),
		WithConfigSplitParam(0),
		WithMaxFailuresOption(0),
		WithRequestTimeout(0),
		WithLookupDeadline(0),
		WithBucketHeadProbeTimeout(0),
		WithBucketRefreshInterval(0),
		WithRepublishInterval(0),
		WithExpireScanInterval(0),
		WithCacheCapacity(0),
	}
	for _, opt := range cases {
		c := NewConfig(opt)
		require.Error(t, c.Validate())
	}
}

func TestConfigValidateDeadlineShorterThanTimeout(t *testing.T) {
	c := NewConfig(WithRequestTimeout(10*time.Second), WithLookupDeadline(time.Second))
	require.Error(t, c.Validate())
}
