// Package docker implements the Orchestrator port against the local Docker
// engine. Worker replicas are containers sharing one compose service label;
// scaling starts stopped replicas, clones the service container when more
// are needed, and stops the surplus when fewer are.
package docker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/altify/altify/internal/domain"
)

const composeServiceLabel = "com.docker.compose.service"

// Orchestrator drives replica counts through the Docker engine API.
type Orchestrator struct {
	cli *client.Client
}

// New connects to the engine using the standard environment (DOCKER_HOST etc).
func New() (*Orchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Orchestrator{cli: cli}, nil
}

func (o *Orchestrator) list(ctx domain.Context, service string) ([]container.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", composeServiceLabel+"="+service))
	containers, err := o.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", domain.ErrUnavailable, err)
	}
	return containers, nil
}

// Replicas counts running containers of the service.
func (o *Orchestrator) Replicas(ctx domain.Context, service string) (int, error) {
	containers, err := o.list(ctx, service)
	if err != nil {
		return 0, err
	}
	running := 0
	for _, c := range containers {
		if c.State == container.StateRunning {
			running++
		}
	}
	return running, nil
}

// Scale adjusts the service to exactly replicas running containers.
func (o *Orchestrator) Scale(ctx domain.Context, service string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("%w: negative replica count", domain.ErrInvalidArgument)
	}
	containers, err := o.list(ctx, service)
	if err != nil {
		return err
	}

	var running, stopped []container.Summary
	for _, c := range containers {
		if c.State == container.StateRunning {
			running = append(running, c)
		} else {
			stopped = append(stopped, c)
		}
	}

	switch {
	case len(running) < replicas:
		need := replicas - len(running)
		// Prefer restarting existing replicas over creating new ones.
		for _, c := range stopped {
			if need == 0 {
				break
			}
			if err := o.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
				return fmt.Errorf("%w: start %s: %v", domain.ErrUnavailable, c.ID[:12], err)
			}
			slog.Info("worker replica started", slog.String("container", c.ID[:12]))
			need--
		}
		if need > 0 {
			if len(containers) == 0 {
				return fmt.Errorf("%w: no %s container to clone", domain.ErrUnavailable, service)
			}
			template := containers[0].ID
			for i := 0; i < need; i++ {
				if err := o.clone(ctx, service, template); err != nil {
					return err
				}
			}
		}
	case len(running) > replicas:
		for _, c := range running[replicas:] {
			if err := o.cli.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
				return fmt.Errorf("%w: stop %s: %v", domain.ErrUnavailable, c.ID[:12], err)
			}
			slog.Info("worker replica stopped", slog.String("container", c.ID[:12]))
		}
	}
	return nil
}

// clone creates and starts a new container from the template's config,
// keeping the compose service label so later sweeps see it.
func (o *Orchestrator) clone(ctx domain.Context, service, templateID string) error {
	info, err := o.cli.ContainerInspect(ctx, templateID)
	if err != nil {
		return fmt.Errorf("%w: inspect template: %v", domain.ErrUnavailable, err)
	}
	netCfg := &network.NetworkingConfig{}
	if info.NetworkSettings != nil {
		netCfg.EndpointsConfig = info.NetworkSettings.Networks
	}
	name := fmt.Sprintf("%s-scaled-%s", service, strings.Split(uuid.New().String(), "-")[0])
	created, err := o.cli.ContainerCreate(ctx, info.Config, info.HostConfig, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("%w: create replica: %v", domain.ErrUnavailable, err)
	}
	if err := o.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start replica: %v", domain.ErrUnavailable, err)
	}
	slog.Info("worker replica created", slog.String("container", created.ID[:12]), slog.String("name", name))
	return nil
}

// Close releases the engine client.
func (o *Orchestrator) Close() error { return o.cli.Close() }
