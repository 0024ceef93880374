package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &StorageError{Op: "insert_or_update", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert_or_update")
}

func TestErrorMessagesNameTheirKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ProtocolError{Reason: "bad json"}, "protocol error: bad json"},
		{&AuthError{Kind: AuthUnknownTenant, Reason: "Invalid tenant"}, "auth error: Invalid tenant"},
		{&TransportError{Reason: "channel full"}, "transport error: channel full"},
		{&ConfigError{Reason: "bad port"}, "config error: bad port"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}
