// Package device collects the host facts the Primary reports to the
// backend (hardware-info, network-info) plus free disk space at a path,
// via github.com/shirou/gopsutil/v3,
// one collector per host subsystem.
package device

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// HardwareInfo is the canonical-JSON-able payload sent to the backend when
// it changes.
type HardwareInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	CPUModel        string `json:"cpu_model"`
	CPUCount        int    `json:"cpu_count"`
	TotalMemoryMB   uint64 `json:"total_memory_mb"`
}

// CollectHardwareInfo reads the local host's static hardware facts.
func CollectHardwareInfo(ctx context.Context) (HardwareInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("device: host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("device: virtual memory: %w", err)
	}
	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("device: cpu info: %w", err)
	}
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("device: cpu counts: %w", err)
	}

	hw := HardwareInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Arch:            info.KernelArch,
		CPUCount:        counts,
		TotalMemoryMB:   vm.Total / (1024 * 1024),
	}
	if len(cpus) > 0 {
		hw.CPUModel = cpus[0].ModelName
	}
	return hw, nil
}

// NetworkInfo is the interface/address inventory reported alongside
// HardwareInfo.
type NetworkInfo struct {
	Hostname   string       `json:"hostname"`
	Interfaces []Interface  `json:"interfaces"`
}

// Interface is one local network interface.
type Interface struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	MAC       string   `json:"mac"`
}

// CollectNetworkInfo reads the local network interface inventory.
func CollectNetworkInfo(ctx context.Context) (NetworkInfo, error) {
	hostname, err := host.InfoWithContext(ctx)
	if err != nil {
		return NetworkInfo{}, fmt.Errorf("device: host info: %w", err)
	}
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return NetworkInfo{}, fmt.Errorf("device: interfaces: %w", err)
	}

	out := NetworkInfo{Hostname: hostname.Hostname}
	for _, ifc := range ifaces {
		addrs := make([]string, 0, len(ifc.Addrs))
		for _, a := range ifc.Addrs {
			addrs = append(addrs, a.Addr)
		}
		out.Interfaces = append(out.Interfaces, Interface{Name: ifc.Name, Addresses: addrs, MAC: ifc.HardwareAddr})
	}
	return out, nil
}

// AvailableDiskSpace reports free bytes at path. The package-manager
// backends do not call it.
func AvailableDiskSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("device: disk usage %s: %w", path, err)
	}
	return usage.Free, nil
}
