//go:build linux

package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// systemMemoryBytes reads MemTotal from /proc/meminfo, falling back to
// defaultMemoryBytes when it cannot be read.
func systemMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return defaultMemoryBytes
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || name != "MemTotal" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || kb <= 0 {
			break
		}
		return kb << 10
	}
	return defaultMemoryBytes
}
