//go:build !linux

package config

func systemMemoryBytes() int64 {
	return defaultMemoryBytes
}
