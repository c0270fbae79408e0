package provisioning

import (
	"context"
	"errors"
	"time"

	"cloudimages/internal/control"
)

var (
	// ErrInfrastructureUnavailable means the provider never reported the
	// instance ready.
	ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")
	// ErrUnreachableAfterBoot means the instance is active but its remote
	// shell could not be reached within the retry budget.
	ErrUnreachableAfterBoot = errors.New("instance unreachable after boot")
	// ErrSnapshotFailed means the template never became active, or the
	// provider reported it failed or deleted.
	ErrSnapshotFailed = errors.New("snapshot failed")
)

// State is the normalized lifecycle state of an instance.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// TemplateStatus is the normalized readiness of a template.
type TemplateStatus string

const (
	TemplatePending TemplateStatus = "pending"
	TemplateActive  TemplateStatus = "active"
	TemplateFailed  TemplateStatus = "failed"
	TemplateDeleted TemplateStatus = "deleted"
)

// VirtualMachine is a handle to one provider instance.
type VirtualMachine struct {
	ID       string
	Hostname string
	Address  string
	Username string
	State    State
	Zone     string

	// driver bookkeeping
	bootDiskID        string
	floatingID        string
	associationID     string
	secondaryReleased bool
}

// Template is a provider image this tool can boot from.
type Template struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Public    bool
	Status    TemplateStatus
}

// InstanceSpec describes the instance to create.
type InstanceSpec struct {
	Hostname string
	// Empty selects the provider's default image
	ImageID     string
	Credentials control.Credentials
}

// Driver translates the VM lifecycle into one provider's API.
//
// CreateInstance blocks until the instance is ready and reachable. When it
// fails after the provider allocated something it returns the partial VM
// together with the error so the caller can destroy it.
//
// LatestTemplate reports found == false, not an error, when nothing matches.
//
// DestroyInstance is idempotent.
type Driver interface {
	Name() string
	ListInstances(ctx context.Context) ([]*VirtualMachine, error)
	CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error)
	SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error)
	LatestTemplate(ctx context.Context, pattern string) (Template, bool, error)
	DestroyInstance(ctx context.Context, vm *VirtualMachine) error
}

// ReachabilityCheck verifies that the remote shell of a booted instance
// accepts the credentials.
type ReachabilityCheck func(ctx context.Context, address string, creds control.Credentials) error

// SSHReachability probes the host with control.Probe.
func SSHReachability(dialTimeout time.Duration) ReachabilityCheck {
	return func(ctx context.Context, address string, creds control.Credentials) error {
		return control.Probe(ctx, control.Config{
			Host:        address,
			Credentials: creds,
			DialTimeout: dialTimeout,
		})
	}
}
