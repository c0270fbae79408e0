// Package images drives providers and the provisioning pipeline to build,
// boot and reclaim CI base images.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloudimages/internal/control"
	"cloudimages/internal/logging"
	"cloudimages/internal/metrics"
	"cloudimages/internal/pipeline"
	"cloudimages/internal/provisioning"
	"cloudimages/internal/ssh"

	"go.uber.org/zap"
)

// ErrNoTemplate is returned by Boot when no template of the type exists.
var ErrNoTemplate = errors.New("no template found")

// RevisionResolver resolves the short revision of a bundle branch. It never
// fails; lookup errors yield a synthetic revision.
type RevisionResolver interface {
	Resolve(ctx context.Context, repo, branch string) string
}

// ShellFactory opens the remote shell of a booted instance
type ShellFactory func(ctx context.Context, config control.Config) (control.Controller, error)

// Settings are the installation wide values of a Manager.
type Settings struct {
	User        string
	DefaultDist string
	SSHDial     time.Duration
	Pipeline    pipeline.Settings
	// StateDir, when set, receives a JSON record of every Create run
	StateDir string
}

// Manager owns one driver and runs the image workflows against it.
type Manager struct {
	driver   provisioning.Driver
	keys     ssh.KeyProvider
	revision RevisionResolver
	settings Settings

	recorder *metrics.Recorder
	out      io.Writer
	connect  ShellFactory
	now      func() time.Time
	workers  int
}

// Option configures a Manager
type Option func(*Manager)

// WithOutput sets where operator facing progress is written
func WithOutput(out io.Writer) Option {
	return func(m *Manager) { m.out = out }
}

// WithShellFactory replaces control.NewController
func WithShellFactory(f ShellFactory) Option {
	return func(m *Manager) { m.connect = f }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder records workflow metrics
func WithRecorder(r *metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithWorkers bounds the parallel destroys of CleanUp
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// NewManager creates a manager for driver
func NewManager(driver provisioning.Driver, keys ssh.KeyProvider, revision RevisionResolver, settings Settings, opts ...Option) *Manager {
	m := &Manager{
		driver:   driver,
		keys:     keys,
		revision: revision,
		settings: settings,
		out:      io.Discard,
		connect:  control.NewController,
		now:      time.Now,
		workers:  4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// findTemplate returns the latest template of imageType for dist, falling
// back to the default dist.
func (m *Manager) findTemplate(ctx context.Context, dist, imageType string) (provisioning.Template, bool, error) {
	dists := []string{dist}
	if m.settings.DefaultDist != "" && m.settings.DefaultDist != dist {
		dists = append(dists, m.settings.DefaultDist)
	}

	for _, d := range dists {
		pattern := TemplatePattern(d, imageType)
		tmpl, found, err := m.driver.LatestTemplate(ctx, pattern)
		if err != nil {
			return provisioning.Template{}, false, fmt.Errorf("failed to look up %s template: %w", imageType, err)
		}
		if found {
			logging.Logger().Info("found template",
				zap.String("pattern", pattern),
				zap.String("template", tmpl.Name),
				zap.String("id", tmpl.ID))
			return tmpl, true, nil
		}
		logging.Logger().Info("no template matches", zap.String("pattern", pattern))
	}
	return provisioning.Template{}, false, nil
}

// destroy destroys vm and records the attempt
func (m *Manager) destroy(ctx context.Context, vm *provisioning.VirtualMachine) error {
	err := m.driver.DestroyInstance(ctx, vm)
	if m.recorder != nil {
		m.recorder.RecordDestroy(m.driver.Name(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to destroy instance %s: %w", vm.Hostname, err)
	}
	logging.Logger().Info("instance destroyed", zap.String("id", vm.ID), zap.String("hostname", vm.Hostname))
	return nil
}

// printConnection writes the instructions to log into vm
func (m *Manager) printConnection(vm *provisioning.VirtualMachine, creds control.Credentials) {
	fmt.Fprintf(m.out, "Connection details are:\n")
	fmt.Fprintf(m.out, "  ssh %s@%s\n", creds.User, vm.Address)
	fmt.Fprintf(m.out, "  password: %s\n\n", creds.Password)
}
