package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudimages/internal/config"
	"cloudimages/internal/control"
	"cloudimages/internal/logging"

	"go.uber.org/zap"
)

// driverBase carries what every driver shares: the template namespace, the
// wait budgets and the post-boot reachability check.
type driverBase struct {
	namespace string
	timeouts  config.Timeouts
	check     ReachabilityCheck
}

func newDriverBase(cfg config.ProvisionerConfig, check ReachabilityCheck) driverBase {
	timeouts := cfg.Timeouts
	if timeouts.Ready == 0 {
		timeouts = config.DefaultTimeouts()
	}
	if check == nil {
		check = SSHReachability(timeouts.SSHDial)
	}
	return driverBase{namespace: cfg.Namespace, timeouts: timeouts, check: check}
}

// terminalError stops pollUntil without waiting for the timeout.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

func terminal(err error) error {
	return &terminalError{err: err}
}

// pollUntil calls check every interval until it reports done, returns a
// terminal error, or timeout elapses. Other errors are logged and retried.
func pollUntil(ctx context.Context, what string, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			var term *terminalError
			if errors.As(err, &term) {
				return term.err
			}
			logging.Logger().Warn("poll failed, retrying",
				zap.String("operation", what),
				zap.Error(err))
		} else if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s after %v: %w", what, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitForState polls an instance until it is running. Error and terminated
// states fail immediately.
func (b driverBase) waitForState(ctx context.Context, id string, get func(ctx context.Context) (State, error)) error {
	err := pollUntil(ctx, "instance "+id, b.timeouts.ReadyPoll, b.timeouts.Ready, func(ctx context.Context) (bool, error) {
		state, err := get(ctx)
		if err != nil {
			return false, err
		}
		switch state {
		case StateRunning:
			return true, nil
		case StateError, StateTerminated:
			return false, terminal(fmt.Errorf("instance %s entered state %s", id, state))
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}
	return nil
}

// waitForTemplate polls a template until it is active. Failed and deleted
// templates, or running out of time, are ErrSnapshotFailed.
func (b driverBase) waitForTemplate(ctx context.Context, name string, get func(ctx context.Context) (TemplateStatus, error)) error {
	err := pollUntil(ctx, "template "+name, b.timeouts.SnapshotPoll, b.timeouts.SnapshotTimeout, func(ctx context.Context) (bool, error) {
		status, err := get(ctx)
		if err != nil {
			return false, err
		}
		switch status {
		case TemplateActive:
			return true, nil
		case TemplateFailed, TemplateDeleted:
			return false, terminal(fmt.Errorf("template %s is %s", name, status))
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return nil
}

// awaitReachable retries the reachability check a fixed number of times at a
// fixed interval. Providers report instances active well before sshd and the
// network are up.
func (b driverBase) awaitReachable(ctx context.Context, vm *VirtualMachine, creds control.Credentials) error {
	attempts := b.timeouts.ReachabilityAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = b.check(ctx, vm.Address, creds)
		if lastErr == nil {
			logging.Logger().Info("Instance reachable",
				zap.String("instance", vm.Hostname),
				zap.String("address", vm.Address),
				zap.Int("attempt", attempt))
			return nil
		}

		logging.Logger().Debug("Instance not reachable yet",
			zap.String("instance", vm.Hostname),
			zap.String("address", vm.Address),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrUnreachableAfterBoot, vm.Address, ctx.Err())
		case <-time.After(b.timeouts.ReachabilityInterval):
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachableAfterBoot, vm.Address, attempts, lastErr)
}

// releaseAfterFailure frees the secondary address of vm on a failure path
// that already carries its own error. A failed release is left for
// DestroyInstance to retry.
func releaseAfterFailure(ctx context.Context, vm *VirtualMachine, release func(context.Context, *VirtualMachine) error) {
	if err := release(ctx, vm); err != nil {
		logging.Logger().Warn("failed to release secondary address, destroy will retry",
			zap.String("instance", vm.ID),
			zap.Error(err))
	}
}
