// Package dockerengine implements container.Adapter against a real Docker
// engine via github.com/docker/docker/client, the same client package the
// pack's other container-management entrant (jesseduffield-lazydocker,
// pkg/commands/docker.go) uses for container list/inspect/start/stop/remove
// calls. It applies the security posture spec.md §4.6 demands at create
// time and labels every container it creates so Reconcile can find it again
// after a broker restart.
package dockerengine

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	brokercontainer "github.com/ably/terminal-broker/src/container"
)

// managedLabel marks containers this broker created, so Reconcile can find
// them again after a restart without touching anything else on the host.
const managedLabel = "io.broker.managed"

// sessionLabel records which session a container belongs to.
const sessionLabel = "io.broker.session"

// nonRootUser is the uid:gid every broker container runs as. spec.md §4.6
// requires a non-root runtime user unconditionally, so this is not
// configurable per session the way the image/network are.
const nonRootUser = "10000:10000"

// Adapter is a container.Adapter backed by a live Docker daemon connection.
type Adapter struct {
	cli *client.Client
	log *logrus.Entry
}

// New connects to the Docker daemon using the standard DOCKER_HOST/TLS
// environment variables, the same client.FromEnv bootstrap the pack's
// lazydocker teacher uses.
func New() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerengine: connect to docker: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("dockerengine: ping docker daemon: %w", err)
	}
	return &Adapter{
		cli: cli,
		log: logrus.WithField("component", "dockerengine"),
	}, nil
}

// Reconcile removes every non-running, broker-managed container; running
// ones are left untouched so their sessions remain resumable.
func (a *Adapter) Reconcile(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")

	list, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("dockerengine: reconcile list: %w", err)
	}

	for _, c := range list {
		if c.State == "running" {
			continue
		}
		a.log.WithField("container", c.ID).Info("removing stale non-running broker container")
		if err := a.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			a.log.WithError(err).Warn("failed to remove stale container during reconcile")
		}
	}
	return nil
}

// Create pulls the configured image if it is not present locally (it never
// builds an image), then creates a container with the security posture
// spec.md §4.6 requires.
func (a *Adapter) Create(ctx context.Context, spec brokercontainer.Spec) (brokercontainer.Handle, error) {
	if err := a.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color")

	network := spec.Network
	if network == "" {
		network = "bridge"
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		User:         nonRootUser,
		Labels: map[string]string{
			managedLabel: "true",
			sessionLabel: spec.SessionID,
		},
	}

	tmpfs := map[string]string{}
	if spec.Limits.TmpfsBytes > 0 {
		tmpfs["/tmp"] = fmt.Sprintf("size=%d", spec.Limits.TmpfsBytes)
		tmpfs["/run"] = fmt.Sprintf("size=%d", spec.Limits.TmpfsBytes)
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", "seccomp=default"},
		NetworkMode:    container.NetworkMode(network),
		Tmpfs:          tmpfs,
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			PidsLimit:  &spec.Limits.PidsLimit,
			CPUShares:  spec.Limits.CPUShares,
		},
	}

	name := "broker-" + spec.SessionID
	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("dockerengine: create container for session %s: %w", spec.SessionID, err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("dockerengine: start container %s: %w", resp.ID, err)
	}

	if spec.Cols > 0 && spec.Rows > 0 {
		_ = a.cli.ContainerResize(ctx, resp.ID, container.ResizeOptions{
			Height: uint(spec.Rows),
			Width:  uint(spec.Cols),
		})
	}

	return brokercontainer.Handle(resp.ID), nil
}

func (a *Adapter) ensureImage(ctx context.Context, ref string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	a.log.WithField("image", ref).Info("pulling sandbox image")
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("dockerengine: pull image %s: %w", ref, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Attach opens the container's attached stdio streams.
func (a *Adapter) Attach(ctx context.Context, h brokercontainer.Handle) (brokercontainer.Streams, error) {
	id := string(h)
	resp, err := a.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return brokercontainer.Streams{}, fmt.Errorf("dockerengine: attach %s: %w", id, err)
	}

	waitCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	return brokercontainer.Streams{
		Stdin:  resp.Conn,
		Stdout: bufio.NewReader(resp.Reader),
		Resize: func(cols, rows uint16) error {
			return a.cli.ContainerResize(ctx, id, container.ResizeOptions{
				Height: uint(rows),
				Width:  uint(cols),
			})
		},
		Wait: func() error {
			select {
			case err := <-errCh:
				return err
			case <-waitCh:
				return nil
			}
		},
	}, nil
}

// Stop asks the container to exit, waiting up to grace seconds before a
// forced kill — Docker's own ContainerStop semantics.
func (a *Adapter) Stop(ctx context.Context, h brokercontainer.Handle, grace int) error {
	timeout := grace
	return a.cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &timeout})
}

// Remove deletes the container and its writable layer.
func (a *Adapter) Remove(ctx context.Context, h brokercontainer.Handle) error {
	return a.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// HealthCheck classifies every broker-managed container.
func (a *Adapter) HealthCheck(ctx context.Context) (map[brokercontainer.Handle]brokercontainer.Health, error) {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")

	list, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("dockerengine: health check list: %w", err)
	}

	out := make(map[brokercontainer.Handle]brokercontainer.Health, len(list))
	seen := make(map[string]bool, len(list))
	for _, c := range list {
		seen[c.ID] = true
		h := brokercontainer.Handle(c.ID)
		switch c.State {
		case "running":
			out[h] = brokercontainer.HealthOK
		case "paused":
			out[h] = brokercontainer.HealthUnhealthy
		default:
			out[h] = brokercontainer.HealthGone
		}
	}
	return out, nil
}
