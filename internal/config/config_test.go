package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 5, cfg.MaxOfferRounds)
	assert.Equal(t, 8, cfg.CandidateTopN)
	assert.Equal(t, float64(5000), cfg.SearchRadiusM)
	assert.Equal(t, float64(40), cfg.AssumedSpeedKmh)
	assert.Equal(t, 2*time.Minute, cfg.MaxSampleAge)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("OFFER_TIMEOUT", "45s")
	t.Setenv("MAX_OFFER_ROUNDS", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("STRIPE_ENABLED", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 3, cfg.MaxOfferRounds)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.StripeEnabled)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestInvalidValuesReported(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "not-a-duration")
	t.Setenv("CANDIDATE_TOP_N", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "CANDIDATE_TOP_N")
}
