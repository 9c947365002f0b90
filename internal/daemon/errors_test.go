package daemon

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorSingleRootKindCatchesAll(t *testing.T) {
	t.Parallel()

	cases := []error{
		NewConnectionFailedError(errors.New("dial tcp: refused")),
		NewHandshakeError(SubAuthRejected, "bad token"),
		NewRemoteError("ValueError", "nope", "trace"),
		NewSerializationError(errors.New("bad cbor")),
		NewServerShuttingDownError(),
		NewServerCrashedError(errors.New("EOF")),
	}

	for _, err := range cases {
		wrapped := fmt.Errorf("outer: %w", err)
		var singletonErr *Error
		require.ErrorAs(t, wrapped, &singletonErr, "every taxonomy member must unwrap to *Error")
	}
}

func TestErrorStringIncludesKindAndSub(t *testing.T) {
	t.Parallel()

	err := NewHandshakeError(SubProtocolMismatch, "client speaks v2")
	assert.Contains(t, err.Error(), "HandshakeError")
	assert.Contains(t, err.Error(), SubProtocolMismatch)
	assert.Contains(t, err.Error(), "client speaks v2")
}

func TestErrorFromRemoteMapsDaemonStampedTags(t *testing.T) {
	t.Parallel()

	shutdown := ErrorFromRemote(&RemoteErrMsg{
		KindTag: KindServerShuttingDown.String(),
		Message: "daemon is shutting down",
	})
	assert.Equal(t, KindServerShuttingDown, shutdown.Kind)

	serialization := ErrorFromRemote(&RemoteErrMsg{
		KindTag: KindSerialization.String(),
		Message: "result would not encode",
	})
	assert.Equal(t, KindSerialization, serialization.Kind)

	remote := ErrorFromRemote(&RemoteErrMsg{
		KindTag: "errorString",
		Message: "nope",
		Trace:   "line 1",
	})
	assert.Equal(t, KindRemote, remote.Kind)
	assert.Equal(t, "errorString", remote.Sub)
	assert.Equal(t, "line 1", remote.Trace)
}
