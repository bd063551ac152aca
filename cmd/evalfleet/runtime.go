package main

import (
	"context"
	"fmt"

	"pkt.systems/evalfleet/internal/appconfig"
	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/evalfleet/internal/shipohoy/docker"
	"pkt.systems/evalfleet/internal/shipohoy/podman"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (shipohoy.Runtime, func() error, error) {
	switch cfg.Runtime.Kind {
	case "docker":
		rt, err := docker.New(ctx, docker.Config{
			Host:        cfg.Runtime.Docker.Host,
			PullTimeout: cfg.Runtime.PullTimeout(),
			StopTimeout: cfg.Runtime.StopTimeout(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("docker connection failed (%s): %w", displayAddress(cfg.Runtime.Docker.Host, "DOCKER_HOST"), err)
		}
		return rt, rt.Close, nil
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Runtime.Podman.Address,
			UserNSMode:  cfg.Runtime.Podman.UserNSMode,
			PullTimeout: cfg.Runtime.PullTimeout(),
			StopTimeout: cfg.Runtime.StopTimeout(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Runtime.Podman.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runtime.kind %q", cfg.Runtime.Kind)
	}
}

func displayAddress(addr, fallback string) string {
	if addr == "" {
		return fallback
	}
	return addr
}
