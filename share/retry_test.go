package share

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediagateway "github.com/wolfeidau/media-gateway"
)

func TestShouldRetry(t *testing.T) {
	transient := mediagateway.NewError(mediagateway.KindUpstreamTransient, "blip", nil)
	permanent := mediagateway.NewError(mediagateway.KindUpstreamPermanent, "gone", nil)

	require.True(t, ShouldRetry(1, 3, transient))
	require.True(t, ShouldRetry(2, 3, transient))
	require.False(t, ShouldRetry(3, 3, transient), "budget exhausted")

	require.False(t, ShouldRetry(1, 3, permanent), "permanent failures are never retried")
	require.False(t, ShouldRetry(1, 3, errors.New("unclassified")))
	require.False(t, ShouldRetry(1, 3, nil))
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond

	require.Equal(t, 500*time.Millisecond, BackoffDelay(1, base))
	require.Equal(t, 1*time.Second, BackoffDelay(2, base))
	require.Equal(t, 2*time.Second, BackoffDelay(3, base))
	require.Equal(t, base, BackoffDelay(0, base))
}
