package radio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError_IsMatchesByState(t *testing.T) {
	err := fmt.Errorf("write failed: %w", &ConnectionError{State: NotConnected, Msg: "link lost"})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrAdapterClosed)
	assert.True(t, IsConnectionState(err, NotConnected))
	assert.False(t, IsConnectionState(errors.New("other"), NotConnected))
	assert.Equal(t, "not_connected: link lost", errors.Unwrap(err).Error())
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `handle "0x0012" not found`, (&NotFoundError{Resource: "handle", ID: "0x0012"}).Error())
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"  AA:BB:CC:DD:EE:FF\n", "AA:BB:CC:DD:EE:FF"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAddress(tt.in))
	}
}

func TestProperty_Has(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.Has(PropNotify))
	assert.True(t, p.Has(PropRead|PropNotify))
	assert.False(t, p.Has(PropWrite))
}
