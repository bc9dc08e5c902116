package workflow

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds the Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New dials Temporal and registers the telemetry workflow and activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(TelemetryWorkflow)
	w.RegisterActivity(acts.PersistRecord)
	w.RegisterActivity(acts.PublishRecorded)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins worker polling.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Client exposes the Temporal client for dispatch.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
