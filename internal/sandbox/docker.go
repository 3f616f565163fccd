package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/openwhisk/invoker-pool/internal/common"
)

const dockerLabelCluster = "openwhisk.invoker.cluster"

// containerPort is the port every action image is expected to listen on
// inside the container; the driver publishes it to an ephemeral host
// port and talks to the container over that, rather than through a
// bind-mounted unix socket.
const containerPort = "8080/tcp"

// DockerDriver is the Sandbox Driver (spec component A) implementation
// that talks to a local Docker daemon.
type DockerDriver struct {
	client  *docker.Client
	labels  map[string]string
	runtime string
	idx     int64
	log     *slog.Logger

	httpClients map[string]*http.Client
}

// NewDockerDriver creates a DockerDriver bound to the Docker daemon
// described by the standard DOCKER_HOST/DOCKER_* environment variables.
func NewDockerDriver(clusterTag, runtime string, log *slog.Logger) (*DockerDriver, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	return &DockerDriver{
		client:      client,
		labels:      map[string]string{dockerLabelCluster: clusterTag},
		runtime:     runtime,
		log:         log,
		httpClients: make(map[string]*http.Client),
	}, nil
}

func (d *DockerDriver) nextID() string {
	return fmt.Sprintf("c%d", atomic.AddInt64(&d.idx, 1))
}

// Create starts a container from image, publishes containerPort to an
// ephemeral host port, and blocks until that port accepts a connection,
// the context's deadline (if any) expires, or 10 seconds pass.
func (d *DockerDriver) Create(ctx context.Context, name, image string, memoryMB int, env, labels map[string]string) (*Handle, error) {
	mergedLabels := map[string]string{}
	for k, v := range d.labels {
		mergedLabels[k] = v
	}
	for k, v := range labels {
		mergedLabels[k] = v
	}
	mergedLabels["openwhisk.invoker.name"] = name

	var envList []string
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	container, err := d.client.CreateContainer(docker.CreateContainerOptions{
		Config: &docker.Config{
			Image:        image,
			Labels:       mergedLabels,
			Env:          envList,
			ExposedPorts: map[docker.Port]struct{}{containerPort: {}},
		},
		HostConfig: &docker.HostConfig{
			Runtime: d.runtime,
			Memory:  int64(memoryMB) * 1024 * 1024,
			PortBindings: map[docker.Port][]docker.PortBinding{
				containerPort: {{HostIP: "127.0.0.1", HostPort: ""}},
			},
			PublishAllPorts: false,
		},
	})
	if err != nil {
		return nil, &CreateError{Reason: "CreateContainer", Err: err}
	}

	if err := d.client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		_ = d.client.RemoveContainer(docker.RemoveContainerOptions{ID: container.ID, Force: true})
		return nil, &CreateError{Reason: "StartContainer", Err: err}
	}

	inspected, err := d.client.InspectContainerWithContext(container.ID, ctx)
	if err != nil {
		_ = d.client.RemoveContainer(docker.RemoveContainerOptions{ID: container.ID, Force: true})
		return nil, &CreateError{Reason: "InspectContainer", Err: err}
	}

	bindings, ok := inspected.NetworkSettings.Ports[containerPort]
	if !ok || len(bindings) == 0 {
		_ = d.client.RemoveContainer(docker.RemoveContainerOptions{ID: container.ID, Force: true})
		return nil, &CreateError{Reason: "no port binding published", Err: fmt.Errorf("container %s", container.ID)}
	}
	addr := fmt.Sprintf("127.0.0.1:%s", bindings[0].HostPort)

	if err := waitReachable(ctx, addr); err != nil {
		_ = d.client.RemoveContainer(docker.RemoveContainerOptions{ID: container.ID, Force: true})
		return nil, &CreateError{Reason: "container never became reachable", Err: err}
	}

	h := &Handle{ID: container.ID, Address: addr}
	d.httpClients[h.ID] = &http.Client{Timeout: 30 * time.Second}
	return h, nil
}

func waitReachable(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *DockerDriver) clientFor(h *Handle) *http.Client {
	if c, ok := d.httpClients[h.ID]; ok {
		return c
	}
	return http.DefaultClient
}

// Init posts {value:{code,binary,main,env}} to /init.
func (d *DockerDriver) Init(ctx context.Context, h *Handle, code CodeDescriptor) error {
	body, err := json.Marshal(map[string]any{"value": code})
	if err != nil {
		return &InitError{Diagnostic: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+h.Address+"/init", bytes.NewReader(body))
	if err != nil {
		return &InitError{Diagnostic: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.clientFor(h).Do(req)
	if err != nil {
		return &InitError{Diagnostic: "transport error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		diag, _ := io.ReadAll(resp.Body)
		return &InitError{Diagnostic: fmt.Sprintf("status %d: %s", resp.StatusCode, diag)}
	}
	return nil
}

// Run posts {value:<args>} to /run and classifies the result per §6.
func (d *DockerDriver) Run(ctx context.Context, h *Handle, argsJSON []byte, deadline time.Time) (*RunResult, error) {
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	reqBody, err := json.Marshal(map[string]json.RawMessage{"value": argsJSON})
	if err != nil {
		return nil, &RunError{Kind: RunConnection, Err: err}
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, "http://"+h.Address+"/run", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &RunError{Kind: RunConnection, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.clientFor(h).Do(req)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, &RunError{Kind: RunTimeout, Err: err}
		}
		return nil, &RunError{Kind: RunConnection, Err: err}
	}
	defer resp.Body.Close()

	maxBody := 1 << 20
	if common.Conf != nil && common.Conf.Pool.Max_response_bytes > 0 {
		maxBody = common.Conf.Pool.Max_response_bytes
	}
	limited := io.LimitReader(resp.Body, int64(maxBody)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, &RunError{Kind: RunConnection, HeadersReceived: true, Err: err}
	}

	truncated := len(data) > maxBody
	data = data[:common.Min(len(data), maxBody)]

	return &RunResult{StatusCode: resp.StatusCode, Body: data, Truncated: truncated}, nil
}

// Pause freezes the container's processes via the daemon's cgroup freezer.
func (d *DockerDriver) Pause(ctx context.Context, h *Handle) error {
	return d.client.PauseContainer(h.ID)
}

// Resume thaws a previously paused container.
func (d *DockerDriver) Resume(ctx context.Context, h *Handle) error {
	return d.client.UnpauseContainer(h.ID)
}

// Destroy force-removes the container; idempotent, matching the driver
// contract that repeated calls on a Gone container are harmless.
func (d *DockerDriver) Destroy(h *Handle) error {
	err := d.client.RemoveContainer(docker.RemoveContainerOptions{ID: h.ID, Force: true})
	delete(d.httpClients, h.ID)
	if err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
	}
	return err
}

// Logs streams the container's stdout/stderr since a given time, one
// normalized LogLine per container log line; it appends LogSentinel
// once Docker's log stream reaches EOF (live tailing is not requested).
func (d *DockerDriver) Logs(ctx context.Context, h *Handle, since time.Time) (<-chan LogLine, error) {
	pr, pw := io.Pipe()
	out := make(chan LogLine, 64)

	go func() {
		err := d.client.Logs(docker.LogsOptions{
			Container:    h.ID,
			OutputStream: pw,
			ErrorStream:  pw,
			Stdout:       true,
			Stderr:       true,
			Since:        since.Unix(),
			Timestamps:   true,
			Context:      ctx,
		})
		pw.CloseWithError(err)
	}()

	go func() {
		defer close(out)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			ts, stream, text := parseDockerLogLine(line)
			out <- LogLine{Time: ts, Stream: stream, Text: text}
		}
		out <- LogLine{Time: time.Now().UTC(), Stream: "stdout", Text: LogSentinel}
	}()

	return out, nil
}

// parseDockerLogLine splits a "2024-01-02T15:04:05.000000000Z message"
// line as produced by the daemon with Timestamps: true into its instant
// and text; stream attribution from the multiplexed frame is lost once
// merged into a plain io.Writer, so stdout is reported as a default and
// callers that need exact stream separation should demux at the docker
// client layer instead of here.
func parseDockerLogLine(line string) (time.Time, string, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return time.Now().UTC(), "stdout", line
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Now().UTC(), "stdout", line
	}
	return ts, "stdout", parts[1]
}

