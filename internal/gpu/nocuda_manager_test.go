//go:build !cuda

package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewManager_CUDARequestedWithoutSupport(t *testing.T) {
	_, err := NewManager(zap.NewNop(), ManagerOptions{Driver: DriverCUDA})
	assert.Error(t, err)
}
