// Package volumes enumerates the storage volumes attached to the local
// device so the catalog can attribute file objects to physical media.
package volumes

import (
	"context"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"
)

// DiskType classifies the physical medium behind a volume.
type DiskType string

const (
	DiskTypeUnknown   DiskType = "unknown"
	DiskTypeSSD       DiskType = "ssd"
	DiskTypeHDD       DiskType = "hdd"
	DiskTypeRemovable DiskType = "removable"
)

// Volume describes one mounted storage volume.
type Volume struct {
	Name             string   `json:"name"`
	MountPoints      []string `json:"mount_points"`
	FileSystem       string   `json:"file_system"`
	DiskType         DiskType `json:"disk_type"`
	TotalBytes       uint64   `json:"total_bytes"`
	AvailableBytes   uint64   `json:"available_bytes"`
	IsRootFilesystem bool     `json:"is_root_filesystem"`
}

// Enumerator lists local volumes. The probing functions are injectable
// so tests run without touching the host.
type Enumerator struct {
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	logger     *zap.Logger
}

// EnumeratorConfig describes optional overrides for an Enumerator.
type EnumeratorConfig struct {
	Partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	Usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	Logger     *zap.Logger
}

// NewEnumerator constructs an Enumerator backed by the host by default.
func NewEnumerator(cfg EnumeratorConfig) *Enumerator {
	partitions := cfg.Partitions
	if partitions == nil {
		partitions = disk.PartitionsWithContext
	}
	usage := cfg.Usage
	if usage == nil {
		usage = disk.UsageWithContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{partitions: partitions, usage: usage, logger: logger}
}

// List returns the mounted volumes, one entry per device, with mount
// points merged. Pseudo filesystems are skipped; partitions whose usage
// probe fails are logged and skipped rather than failing the whole scan.
func (e *Enumerator) List(ctx context.Context) ([]Volume, error) {
	partitions, err := e.partitions(ctx, false)
	if err != nil {
		return nil, err
	}

	byDevice := make(map[string]*Volume)
	order := make([]string, 0, len(partitions))
	for _, partition := range partitions {
		if skipFilesystem(partition.Fstype) {
			continue
		}
		volume, known := byDevice[partition.Device]
		if !known {
			usage, usageErr := e.usage(ctx, partition.Mountpoint)
			if usageErr != nil {
				e.logger.Warn("volume usage probe failed",
					zap.String("device", partition.Device),
					zap.String("mount_point", partition.Mountpoint),
					zap.Error(usageErr))
				continue
			}
			volume = &Volume{
				Name:           volumeName(partition),
				FileSystem:     partition.Fstype,
				DiskType:       classifyDisk(partition),
				TotalBytes:     usage.Total,
				AvailableBytes: usage.Free,
			}
			byDevice[partition.Device] = volume
			order = append(order, partition.Device)
		}
		volume.MountPoints = append(volume.MountPoints, partition.Mountpoint)
		if partition.Mountpoint == "/" {
			volume.IsRootFilesystem = true
		}
	}

	volumes := make([]Volume, 0, len(order))
	for _, device := range order {
		volume := byDevice[device]
		sort.Strings(volume.MountPoints)
		volumes = append(volumes, *volume)
	}
	return volumes, nil
}

// skipFilesystem filters out pseudo and memory-backed filesystems that
// are not user storage.
func skipFilesystem(fstype string) bool {
	switch strings.ToLower(fstype) {
	case "", "proc", "procfs", "sysfs", "devfs", "devtmpfs", "tmpfs", "ramfs",
		"cgroup", "cgroup2", "overlay", "squashfs", "debugfs", "tracefs",
		"securityfs", "pstore", "bpf", "autofs", "mqueue", "hugetlbfs",
		"fusectl", "configfs", "binfmt_misc", "nsfs", "efivarfs":
		return true
	default:
		return false
	}
}

// classifyDisk infers the medium from mount options and device naming.
// The heuristic is deliberately coarse; callers treat unknown as valid.
func classifyDisk(partition disk.PartitionStat) DiskType {
	for _, opt := range partition.Opts {
		if strings.EqualFold(opt, "removable") {
			return DiskTypeRemovable
		}
	}
	device := strings.ToLower(partition.Device)
	switch {
	case strings.Contains(device, "nvme"):
		return DiskTypeSSD
	case strings.HasPrefix(device, "/dev/mmcblk"):
		return DiskTypeRemovable
	case strings.HasPrefix(device, "/dev/sd") || strings.HasPrefix(device, "/dev/hd"):
		return DiskTypeHDD
	default:
		return DiskTypeUnknown
	}
}

// volumeName derives a display name from the device path, falling back
// to the mount point for virtual devices.
func volumeName(partition disk.PartitionStat) string {
	device := partition.Device
	if index := strings.LastIndex(device, "/"); index >= 0 && index+1 < len(device) {
		return device[index+1:]
	}
	if device != "" && !strings.ContainsAny(device, "/\\") {
		return device
	}
	return partition.Mountpoint
}
