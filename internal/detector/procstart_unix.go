//go:build !windows

package detector

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTime returns when pid was started, or the zero time if unknown.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
