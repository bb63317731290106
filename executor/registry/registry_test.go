package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate/fake"
)

func TestRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("counter", fake.NewFactory(fake.Config{Steps: 1})))

	factory, err := reg.Resolve("counter")
	require.NoError(t, err)
	require.NotNil(t, factory)
}

func TestResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("missing")
	require.True(t, derror.ErrTrainableNotFound.Equal(err))
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("counter", fake.NewFactory(fake.Config{})))
	err := reg.Register("counter", fake.NewFactory(fake.Config{}))
	require.True(t, derror.ErrTrainableDuplicate.Equal(err))
}
