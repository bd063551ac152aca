package appconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// meminfoPath is read when a memory size is given as a percentage.
var meminfoPath = "/proc/meminfo"

// ParseMemory converts a human size ("7GiB", "512MB", "1073741824") or a
// percentage of host memory ("70%") to bytes.
func ParseMemory(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("memory size is required")
	}
	if pct, ok := strings.CutSuffix(value, "%"); ok {
		percent, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percentage %q", value)
		}
		total, err := readMemTotalBytes()
		if err != nil {
			return 0, fmt.Errorf("read host memory: %w", err)
		}
		limit, ok := memoryBytesFromPercentWithTotal(total, percent)
		if !ok {
			return 0, fmt.Errorf("percentage %q yields no memory", value)
		}
		return limit, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("memory size %q out of range", value)
	}
	return int64(n), nil
}

func memoryBytesFromPercentWithTotal(total int64, percent float64) (int64, bool) {
	if percent <= 0 || total <= 0 {
		return 0, false
	}
	if percent > 100 {
		percent = 100
	}
	limit := int64(float64(total) * percent / 100)
	if limit <= 0 {
		return 0, false
	}
	return limit, true
}

func readMemTotalBytes() (int64, error) {
	file, err := os.Open(meminfoPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()
	return parseMemTotalBytes(file)
}

func parseMemTotalBytes(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, errors.New("meminfo: invalid MemTotal line")
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		unit := ""
		if len(fields) >= 3 {
			unit = fields[2]
		}
		switch unit {
		case "kB", "KB", "":
			return value * 1024, nil
		default:
			return 0, fmt.Errorf("meminfo: unsupported unit %q", unit)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("meminfo: MemTotal not found")
}
