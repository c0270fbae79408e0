package images

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cloudimages/internal/control"
	"cloudimages/internal/logging"
	"cloudimages/internal/provisioning"
	"cloudimages/internal/ssh"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// ErrNoMatch matches every NoMatchError.
var ErrNoMatch = errors.New("no instance matches")

// NoMatchError is returned by Destroy when no hostname starts with Name.
// Suggestions lists the hostnames containing it.
type NoMatchError struct {
	Name        string
	Suggestions []string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("could not find any VM matching /^%s/", regexp.QuoteMeta(e.Name))
}

func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// BootOptions select the debug instance Boot creates.
type BootOptions struct {
	ImageType string
	Dist      string
	// Name is an optional hostname component identifying the instance
	Name string
}

// Boot creates an instance from the latest template of an image type for
// manual testing and prints how to log in. The instance is left running.
func (m *Manager) Boot(ctx context.Context, opts BootOptions) (*provisioning.VirtualMachine, control.Credentials, error) {
	if opts.ImageType == "" {
		opts.ImageType = "ruby"
	}
	if opts.Dist == "" {
		opts.Dist = m.settings.DefaultDist
	}
	if err := ValidateName("image type", opts.ImageType); err != nil {
		return nil, control.Credentials{}, err
	}
	if err := ValidateName("dist", opts.Dist); err != nil {
		return nil, control.Credentials{}, err
	}

	tmpl, found, err := m.findTemplate(ctx, opts.Dist, opts.ImageType)
	if err != nil {
		return nil, control.Credentials{}, err
	}
	if !found {
		return nil, control.Credentials{}, fmt.Errorf("%w for %s on %s", ErrNoTemplate, opts.ImageType, opts.Dist)
	}

	creds, err := ssh.LoginCredentials(ctx, m.keys, m.settings.User)
	if err != nil {
		return nil, control.Credentials{}, fmt.Errorf("failed to prepare login credentials: %w", err)
	}

	spec := provisioning.InstanceSpec{
		Hostname:    DebugHostname(opts.Name, opts.ImageType, m.now()),
		ImageID:     tmpl.ID,
		Credentials: creds,
	}
	fmt.Fprintf(m.out, "\nCreating a vm with hostname %s from template %s\n\n", spec.Hostname, tmpl.Name)

	vm, err := m.driver.CreateInstance(ctx, spec)
	if err != nil {
		if vm != nil {
			if cleanupErr := m.destroy(context.WithoutCancel(ctx), vm); cleanupErr != nil {
				logging.Logger().Error("failed to destroy partially created instance",
					zap.String("hostname", vm.Hostname),
					zap.Error(cleanupErr))
			}
		}
		return nil, control.Credentials{}, fmt.Errorf("failed to create instance %s: %w", spec.Hostname, err)
	}

	fmt.Fprintf(m.out, "VM created: %s (%s)\n\n", vm.Hostname, vm.ID)
	m.printConnection(vm, creds)
	return vm, creds, nil
}

// Destroy destroys every instance whose hostname starts with name and
// returns their hostnames.
func (m *Manager) Destroy(ctx context.Context, name string) ([]string, error) {
	vms, err := m.driver.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var destroyed []string
	var errs []error
	for _, vm := range vms {
		if !strings.HasPrefix(vm.Hostname, name) {
			continue
		}
		if err := m.destroy(ctx, vm); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(m.out, "VM '%s' destroyed\n", vm.Hostname)
		destroyed = append(destroyed, vm.Hostname)
	}

	if len(destroyed) == 0 && len(errs) == 0 {
		nomatch := &NoMatchError{Name: name}
		for _, vm := range vms {
			if strings.Contains(vm.Hostname, name) {
				nomatch.Suggestions = append(nomatch.Suggestions, vm.Hostname)
			}
		}
		return nil, nomatch
	}
	return destroyed, errors.Join(errs...)
}

// CleanUp destroys every leftover provisioning instance in parallel and
// returns how many were destroyed. Failures do not stop the others.
func (m *Manager) CleanUp(ctx context.Context) (int, error) {
	vms, err := m.driver.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	var (
		leftovers []*provisioning.VirtualMachine
		hostnames []string
	)
	for _, vm := range vms {
		if strings.HasPrefix(vm.Hostname, ProvisioningPrefix) {
			leftovers = append(leftovers, vm)
			hostnames = append(hostnames, vm.Hostname)
		}
	}

	var (
		mu        sync.Mutex
		destroyed int
		errs      []error
	)

	if len(leftovers) > 0 {
		logging.Logger().Info("destroying leftover provisioning instances",
			zap.Int("count", len(leftovers)),
			zap.Strings("hostnames", logging.TruncateSlice(hostnames, 10)),
			zap.Int("workers", min(m.workers, len(leftovers))))

		pool := pond.NewPool(min(m.workers, len(leftovers)))
		for _, vm := range leftovers {
			pool.Submit(func() {
				err := m.destroy(ctx, vm)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				destroyed++
				fmt.Fprintf(m.out, "VM '%s' destroyed\n", vm.Hostname)
			})
		}
		pool.StopAndWait()
	}

	fmt.Fprintf(m.out, "\n %d provisioning VMs destroyed\n\n", destroyed)
	return destroyed, errors.Join(errs...)
}

// List returns every instance sorted by hostname.
func (m *Manager) List(ctx context.Context) ([]*provisioning.VirtualMachine, error) {
	vms, err := m.driver.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	sort.SliceStable(vms, func(i, j int) bool {
		return vms[i].Hostname < vms[j].Hostname
	})
	return vms, nil
}
