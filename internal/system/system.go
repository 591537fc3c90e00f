// Package system reports host health for status broadcasts: uptime,
// SoC temperature, memory pressure, and network interface summaries.
package system

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// thermalZonePath is the Raspberry Pi SoC temperature fallback when no
// named sensor is exposed.
const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// InterfaceInfo summarizes one network interface.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses,omitempty"`
	Up        bool     `json:"up"`
}

// Status is the host health snapshot.
type Status struct {
	UptimeSeconds     uint64          `json:"uptimeSeconds"`
	TemperatureC      float64         `json:"temperatureC,omitempty"`
	MemoryUsedPercent float64         `json:"memoryUsedPercent"`
	Interfaces        []InterfaceInfo `json:"interfaces,omitempty"`
}

// Monitor samples host health.
type Monitor struct {
	logger *slog.Logger
}

// NewMonitor creates a host monitor.
func NewMonitor() *Monitor {
	return &Monitor{logger: slog.Default().With("component", "system-monitor")}
}

// Status samples the host. Individual probes failing degrade the
// snapshot rather than failing it; a status broadcast with a missing
// temperature beats no broadcast.
func (m *Monitor) Status() Status {
	var s Status

	if uptime, err := host.Uptime(); err == nil {
		s.UptimeSeconds = uptime
	} else {
		m.logger.Debug("uptime probe failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsedPercent = vm.UsedPercent
	}

	s.TemperatureC = m.temperature()
	s.Interfaces = m.interfaces()
	return s
}

// temperature prefers named sensors and falls back to the raw thermal
// zone the Pi always exposes.
func (m *Monitor) temperature() float64 {
	if temps, err := host.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			if strings.Contains(t.SensorKey, "cpu") || strings.Contains(t.SensorKey, "soc") {
				return t.Temperature
			}
		}
		if len(temps) > 0 {
			return temps[0].Temperature
		}
	}
	data, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return float64(milli) / 1000
}

func (m *Monitor) interfaces() []InterfaceInfo {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		m.logger.Debug("interface probe failed", "error", err)
		return nil
	}
	var out []InterfaceInfo
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		info := InterfaceInfo{Name: iface.Name}
		for _, flag := range iface.Flags {
			if flag == "up" {
				info.Up = true
			}
		}
		for _, addr := range iface.Addrs {
			info.Addresses = append(info.Addresses, addr.Addr)
		}
		out = append(out, info)
	}
	return out
}
