package gpu

const (
	defaultTotalMemory     int64 = 8 * 1024 * 1024 * 1024 // 8GB
	defaultAvailableMemory int64 = 4 * 1024 * 1024 * 1024 // 4GB
)
