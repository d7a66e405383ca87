//go:build !cuda
// +build !cuda

package gpu

// tryCreateCUDADriver attempts to create a CUDA driver when cuda build tag is NOT present
func (m *Manager) tryCreateCUDADriver() Driver {
	return nil
}
