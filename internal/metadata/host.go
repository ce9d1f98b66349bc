package metadata

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/coral-mesh/hostprof/internal/safe"
)

// Hostname returns the machine's hostname, or "unknown".
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// Host collects static facts about the machine for the profile header. Fields that
// cannot be read are left out.
func Host(ctx context.Context, version string) map[string]any {
	md := map[string]any{
		"hostprof_version": version,
		"go_version":       runtime.Version(),
		"arch":             runtime.GOARCH,
		"hostname":         Hostname(),
		"run_mode":         runMode(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		md["os_name"] = info.Platform
		md["os_release"] = info.PlatformVersion
		md["os_family"] = info.PlatformFamily
		md["kernel_release"] = info.KernelVersion
		md["system_name"] = info.OS
		md["boot_time"] = info.BootTime
		md["virtualization"] = info.VirtualizationSystem
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		md["processors"] = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		md["memory_capacity_mb"] = vm.Total / (1 << 20)
	}
	return md
}

// runMode tells whether hostprof runs inside a container.
func runMode() string {
	if safe.Exists("/.dockerenv") || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "container"
	}
	return "standalone"
}
