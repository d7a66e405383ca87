package device

// maxConcurrentKernels is the number of kernels a device of a given compute
// capability can execute at once.
var maxConcurrentKernels = map[[2]int]int{
	{3, 0}: 16,
	{3, 2}: 4,
	{3, 5}: 32,
	{3, 7}: 32,
	{5, 0}: 32,
	{5, 2}: 32,
	{5, 3}: 16,
	{6, 0}: 128,
	{6, 1}: 32,
	{6, 2}: 16,
	{7, 0}: 128,
	{7, 2}: 16,
	{7, 5}: 128,
	{8, 0}: 128,
	{8, 6}: 128,
	{8, 7}: 128,
	{8, 9}: 128,
	{9, 0}: 128,
}

// DefaultConcurrency is used for capability versions missing from the table.
const DefaultConcurrency = 1

// MaxConcurrency looks up the stream pool capacity for a capability version.
// Unmapped versions get fallback, or DefaultConcurrency when fallback < 1.
func MaxConcurrency(major, minor, fallback int) int {
	if n, ok := maxConcurrentKernels[[2]int{major, minor}]; ok {
		return n
	}
	if fallback < 1 {
		return DefaultConcurrency
	}
	return fallback
}
