package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jbweber/sma/internal/backend"
	"github.com/jbweber/sma/internal/config"
	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/libvirt"
)

// buildManagers constructs one device manager per configured entry.
func buildManagers(ctx context.Context, devices []config.DeviceConfig, api *backend.API, log *slog.Logger) ([]device.Manager, error) {
	managers := make([]device.Manager, 0, len(devices))
	for _, d := range devices {
		switch d.Name {
		case device.TCPName:
			managers = append(managers, device.NewTCP(ctx, api, device.TCPConfig{
				TransportParams: d.Params.TransportParams,
			}, log))
		case device.VFIOUserName:
			managers = append(managers, device.NewVFIOUser(ctx, api, device.VFIOUserConfig{
				TransportParams: d.Params.TransportParams,
				RootPath:        d.Params.RootPath,
				Bus:             d.Params.Bus,
				Emulator:        buildEmulator(d.Params.Emulator, log),
			}, log))
		default:
			return nil, fmt.Errorf("unknown device type %q (supported: %s, %s)", d.Name, device.TCPName, device.VFIOUserName)
		}
	}
	return managers, nil
}

// buildEmulator returns the emulation front-end for cfg, or nil when no
// emulator is configured.
func buildEmulator(cfg *config.EmulatorConfig, log *slog.Logger) device.Emulator {
	if cfg == nil {
		return nil
	}
	if cfg.Kind == config.EmulatorLibvirt {
		return libvirt.NewEmulator(libvirt.EmulatorConfig{
			Domain:  cfg.Domain,
			Socket:  cfg.LibvirtSocket,
			Timeout: cfg.Timeout,
		}, log)
	}
	return device.NewSocketEmulator(cfg.Address, cfg.Port, cfg.Timeout, log)
}
