// Package containerengine wraps the Docker Engine API to run, network,
// and inspect the user-deployed service containers that the edge control
// plane proxies traffic to. Every container binds only on 127.0.0.1, so
// the Subdomain Router is the sole path external traffic can take to
// reach it.
package containerengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

// builtinNetworks are preserved across reset_all_state; they are the
// daemon's own bridge/host/none networks, not per-service networks we own.
var builtinNetworks = map[string]bool{
	"bridge": true,
	"host":   true,
	"none":   true,
}

const (
	dbContainerName    = "db-container"
	cacheContainerName = "cache-container"
)

// Engine is a thin wrapper over the Docker Engine API client.
type Engine struct {
	cli *client.Client
}

// New creates an Engine connected to the local Docker daemon.
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "connecting to container daemon", err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// LogLine is one line of captured container output.
type LogLine struct {
	Kind    string // stdout | stderr | stdin | console
	Message string
}

// ContainerConfig describes a container to create and start.
type ContainerConfig struct {
	Name                 string
	ImageName            string
	ImageSHA             string // lower-hex sha256 digest, no "sha256:" prefix
	InternalPort         int
	ExternalPort         int
	EnvironmentVariables map[string]string
	Secrets              map[string]string
	InternalSecrets      map[string]string
	VolumeBinds          []VolumeBind // derived volume id -> container path
}

// VolumeBind pairs a named volume with the container path it's mounted at.
type VolumeBind struct {
	VolumeID      string
	ContainerPath string
}

// DeriveVolumeID computes the volume id for a service name and stateful
// path: "<name>-" + sha256("<name>-<path>").
func DeriveVolumeID(serviceName, path string) string {
	sum := sha256.Sum256([]byte(serviceName + "-" + path))
	return serviceName + "-" + hex.EncodeToString(sum[:])
}

// ResetAllState stops and force-removes every container and every
// non-builtin network. Volumes are preserved. Called once at boot to
// clean up anything left over from a prior, uncleanly terminated run.
func (e *Engine) ResetAllState(ctx context.Context) error {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "listing containers", err)
	}
	for _, c := range containers {
		if err := e.cli.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("stopping container %s", c.ID), err)
		}
		if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("removing container %s", c.ID), err)
		}
	}

	networks, err := e.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "listing networks", err)
	}
	for _, n := range networks {
		if builtinNetworks[n.Name] {
			continue
		}
		if err := e.cli.NetworkRemove(ctx, n.ID); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("removing network %s", n.Name), err)
		}
	}

	return nil
}

// StartContainer idempotently creates any missing named volumes, pulls the
// image at its pinned digest, creates the container bound to
// 127.0.0.1:<external>, and starts it.
func (e *Engine) StartContainer(ctx context.Context, cfg ContainerConfig) error {
	for _, vb := range cfg.VolumeBinds {
		if _, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: vb.VolumeID}); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("creating volume %s", vb.VolumeID), err)
		}
	}

	ref := fmt.Sprintf("%s@sha256:%s", cfg.ImageName, cfg.ImageSHA)
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "pulling image", err)
	}
	defer reader.Close()
	if err := drainPullStream(reader); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "streaming image pull", err)
	}

	inspected, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "inspecting pulled image", err)
	}
	if !digestMatches(inspected.RepoDigests, cfg.ImageName, cfg.ImageSHA) && inspected.ID != "sha256:"+cfg.ImageSHA {
		return kiwierr.New(kiwierr.InvalidInput, "pulled image digest does not match requested image_sha")
	}

	portBinding := nat.PortMap{
		nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort)): []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", cfg.ExternalPort)},
		},
	}
	exposedPorts := nat.PortSet{
		nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort)): struct{}{},
	}

	env := make([]string, 0, len(cfg.EnvironmentVariables)+len(cfg.Secrets)+len(cfg.InternalSecrets))
	for k, v := range cfg.EnvironmentVariables {
		env = append(env, k+"="+v)
	}
	for k, v := range cfg.Secrets {
		env = append(env, k+"="+v)
	}
	for k, v := range cfg.InternalSecrets {
		env = append(env, k+"="+v)
	}

	binds := make([]string, 0, len(cfg.VolumeBinds))
	for _, vb := range cfg.VolumeBinds {
		binds = append(binds, fmt.Sprintf("%s:%s", vb.VolumeID, vb.ContainerPath))
	}

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        ref,
			Env:          env,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			PortBindings: portBinding,
			Binds:        binds,
		},
		nil, nil, cfg.Name,
	)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating container", err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "starting container", err)
	}

	return nil
}

// InfraContainerConfig describes one of the two fixed infrastructure
// containers (db-container, cache-container) started from a floating image
// tag. Unlike StartContainer, no digest is pinned or verified: these images
// are operator-chosen at deploy time, not a user Service's image_sha.
type InfraContainerConfig struct {
	Name         string
	Image        string // floating tag, e.g. "postgres:16"
	InternalPort int
	ExternalPort int
	Env          map[string]string
	VolumeBinds  []VolumeBind
}

// StartInfraContainer idempotently starts one of the two builtin
// infrastructure containers: if a container with this name already exists
// it is left untouched, otherwise the image is pulled by tag and the
// container created and started bound to 127.0.0.1.
func (e *Engine) StartInfraContainer(ctx context.Context, cfg InfraContainerConfig) error {
	if _, err := e.cli.ContainerInspect(ctx, cfg.Name); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return kiwierr.Wrap(kiwierr.Internal, "inspecting infra container", err)
	}

	for _, vb := range cfg.VolumeBinds {
		if _, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: vb.VolumeID}); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("creating volume %s", vb.VolumeID), err)
		}
	}

	reader, err := e.cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "pulling infra image", err)
	}
	defer reader.Close()
	if err := drainPullStream(reader); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "streaming infra image pull", err)
	}

	portBinding := nat.PortMap{
		nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort)): []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", cfg.ExternalPort)},
		},
	}
	exposedPorts := nat.PortSet{
		nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort)): struct{}{},
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	binds := make([]string, 0, len(cfg.VolumeBinds))
	for _, vb := range cfg.VolumeBinds {
		binds = append(binds, fmt.Sprintf("%s:%s", vb.VolumeID, vb.ContainerPath))
	}

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Env:          env,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			PortBindings: portBinding,
			Binds:        binds,
		},
		nil, nil, cfg.Name,
	)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating infra container", err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "starting infra container", err)
	}

	return nil
}

// pullMessage is one line of Docker's streaming pull protocol. A failed
// pull can arrive as a 200 response whose stream carries an error line, with
// ImagePull itself returning no error, so the stream must be read to the
// end and each line checked.
type pullMessage struct {
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// drainPullStream consumes an image pull stream to completion, returning
// the first error the daemon reported in-band.
func drainPullStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding pull progress: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}
	}
}

func digestMatches(repoDigests []string, imageName, sha string) bool {
	want := imageName + "@sha256:" + sha
	for _, d := range repoDigests {
		if d == want {
			return true
		}
	}
	return false
}

// NetworkConfig describes a per-service virtual network.
type NetworkConfig struct {
	Name string
}

// CreateAndAttachNetwork drops any stale network of the same name, creates
// a fresh one, and attaches the DB container, the cache container, and the
// service's own container to it. This is the only topology in which a user
// container can reach its data dependencies; it cannot reach the host or
// other user containers.
func (e *Engine) CreateAndAttachNetwork(ctx context.Context, cfg NetworkConfig) error {
	existing, err := e.cli.NetworkInspect(ctx, cfg.Name, network.InspectOptions{})
	if err == nil {
		if err := e.cli.NetworkRemove(ctx, existing.ID); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, "removing stale service network", err)
		}
	}

	created, err := e.cli.NetworkCreate(ctx, cfg.Name, network.CreateOptions{})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating service network", err)
	}

	for _, containerName := range []string{dbContainerName, cacheContainerName, cfg.Name} {
		if err := e.cli.NetworkConnect(ctx, created.ID, containerName, nil); err != nil {
			return kiwierr.Wrap(kiwierr.NetworkNameNotFound, fmt.Sprintf("attaching %s to network %s", containerName, cfg.Name), err)
		}
	}

	return nil
}

// StopAndRemoveContainer detaches and removes the container's own network
// first, then stops it if running, then force-removes it.
func (e *Engine) StopAndRemoveContainer(ctx context.Context, name string) error {
	if net, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		if err := e.cli.NetworkRemove(ctx, net.ID); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, "removing service network", err)
		}
	}

	insp, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return kiwierr.New(kiwierr.ContainerIDNotFound, "container not found")
		}
		return kiwierr.Wrap(kiwierr.Internal, "inspecting container", err)
	}

	switch insp.State.Status {
	case "created", "running", "restarting":
		if err := e.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, "stopping container", err)
		}
	}

	if err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "removing container", err)
	}

	return nil
}

// RemoveVolumes removes every named volume in cfg.
func (e *Engine) RemoveVolumes(ctx context.Context, cfg ContainerConfig) error {
	for _, vb := range cfg.VolumeBinds {
		if err := e.cli.VolumeRemove(ctx, vb.VolumeID, true); err != nil {
			return kiwierr.Wrap(kiwierr.Internal, fmt.Sprintf("removing volume %s", vb.VolumeID), err)
		}
	}
	return nil
}

// PruneUnusedImages removes dangling images left over from prior pulls.
func (e *Engine) PruneUnusedImages(ctx context.Context) error {
	if _, err := e.cli.ImagesPrune(ctx, filters.NewArgs()); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "pruning images", err)
	}
	return nil
}

// GetContainerStatus returns the daemon's status string for a container
// (e.g. "running", "exited").
func (e *Engine) GetContainerStatus(ctx context.Context, name string) (string, error) {
	insp, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", kiwierr.New(kiwierr.ContainerIDNotFound, "container not found")
		}
		return "", kiwierr.Wrap(kiwierr.Internal, "inspecting container", err)
	}
	return insp.State.Status, nil
}

// GetContainerLogs returns log lines between from and to, tagged with
// their stream kind by demultiplexing the daemon's combined stream.
func (e *Engine) GetContainerLogs(ctx context.Context, name string, from, to time.Time) ([]LogLine, error) {
	reader, err := e.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      from.Format(time.RFC3339Nano),
		Until:      to.Format(time.RFC3339Nano),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, kiwierr.New(kiwierr.ContainerIDNotFound, "container not found")
		}
		return nil, kiwierr.Wrap(kiwierr.Internal, "fetching container logs", err)
	}
	defer reader.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return nil, kiwierr.Wrap(kiwierr.Internal, "demultiplexing container logs", err)
	}

	var lines []LogLine
	for _, l := range strings.Split(stdoutBuf.String(), "\n") {
		if l == "" {
			continue
		}
		lines = append(lines, LogLine{Kind: "stdout", Message: l})
	}
	for _, l := range strings.Split(stderrBuf.String(), "\n") {
		if l == "" {
			continue
		}
		lines = append(lines, LogLine{Kind: "stderr", Message: l})
	}
	return lines, nil
}

// IsLocalPortFree reports whether a TCP bind on 127.0.0.1:port succeeds.
func IsLocalPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
