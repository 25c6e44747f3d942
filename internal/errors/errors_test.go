package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	sentinels := []error{
		ErrJobSealed,
		ErrJobNotFound,
		ErrMediaNotFound,
		ErrUnknownActionType,
		ErrQueueUnavailable,
	}
	for _, err := range sentinels {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}
