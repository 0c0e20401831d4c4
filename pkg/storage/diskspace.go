// Copyright 2025 Certen Protocol
//
// Filesystem headroom probe. Writes are refused when free space falls below
// the configured minimum percentage. The probe is advisory: space can change
// between the probe and the batch write, so DiskFull may also surface from
// the backend itself.

package storage

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsage describes free space for the data directory.
type DiskUsage struct {
	TotalBytes  uint64
	FreeBytes   uint64
	FreePercent float64
}

// DiskProbe reports free disk space for a path.
type DiskProbe interface {
	Usage(path string) (*DiskUsage, error)
}

// GopsutilProbe is the default DiskProbe, backed by gopsutil.
type GopsutilProbe struct{}

// Usage implements DiskProbe.
func (GopsutilProbe) Usage(path string) (*DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return nil, &IOFailureError{Op: "disk usage probe", Err: err}
	}
	return &DiskUsage{
		TotalBytes:  stat.Total,
		FreeBytes:   stat.Free,
		FreePercent: 100.0 - stat.UsedPercent,
	}, nil
}
