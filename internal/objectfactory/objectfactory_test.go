package objectfactory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	Register("test/counter#New", func() (any, error) { return &struct{ N int }{}, nil })

	assert.True(t, Registered("test/counter#New"))

	obj, err := Resolve("test/counter#New")
	require.NoError(t, err)
	require.NotNil(t, obj)
}

func TestResolveUnregistered(t *testing.T) {
	_, err := Resolve("test/does-not-exist#New")
	require.Error(t, err)
}

func TestResolvePropagatesConstructorError(t *testing.T) {
	Register("test/broken#New", func() (any, error) { return nil, errors.New("boom") })

	_, err := Resolve("test/broken#New")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRegisterReplacesExisting(t *testing.T) {
	Register("test/replace#New", func() (any, error) { return 1, nil })
	Register("test/replace#New", func() (any, error) { return 2, nil })

	obj, err := Resolve("test/replace#New")
	require.NoError(t, err)
	assert.Equal(t, 2, obj)
}
