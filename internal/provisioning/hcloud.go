package provisioning

import (
	"context"
	"fmt"
	"strconv"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"
)

const namespaceLabel = "cloudimages-namespace"

// HCloudDriver implements the Driver interface for Hetzner Cloud. Servers get
// a public IPv4 at creation; templates are snapshot images labeled with the
// namespace.
type HCloudDriver struct {
	driverBase
	cfg    *config.HCloudConfig
	client *hcloud.Client
}

// NewHCloudDriver creates a new instance of HCloudDriver
func NewHCloudDriver(cfg config.ProvisionerConfig, check ReachabilityCheck) (*HCloudDriver, error) {
	hc := cfg.HCloud
	if hc.Token == "" {
		return nil, fmt.Errorf("hcloud requires a token")
	}

	opts := []hcloud.ClientOption{hcloud.WithToken(hc.Token)}
	if hc.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(hc.Endpoint))
	}

	return &HCloudDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        hc,
		client:     hcloud.NewClient(opts...),
	}, nil
}

func (d *HCloudDriver) Name() string { return string(config.ProviderHCloud) }

// ListInstances lists every server of the project
func (d *HCloudDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	servers, err := d.client.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	vms := make([]*VirtualMachine, 0, len(servers))
	for _, s := range servers {
		vms = append(vms, toHCloudVM(s, ""))
	}
	return vms, nil
}

// CreateInstance creates a server, waits for the create actions, then for
// the server to run and its shell to answer.
func (d *HCloudDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	image := spec.ImageID
	if image == "" {
		image = d.cfg.DefaultImage
	}
	serverType := d.cfg.ServerType
	if serverType == "" {
		serverType = "cx22"
	}

	opts := hcloud.ServerCreateOpts{
		Name:       spec.Hostname,
		ServerType: &hcloud.ServerType{Name: serverType},
		Image:      hcloudImage(image),
		UserData:   userData,
		Labels:     map[string]string{namespaceLabel: d.namespace},
	}
	if d.cfg.Location != "" {
		opts.Location = &hcloud.Location{Name: d.cfg.Location}
	}

	result, _, err := d.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	vm := toHCloudVM(result.Server, spec.Credentials.User)

	logging.Logger().Info("Server created, waiting for it to run",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("image", image))

	actions := append([]*hcloud.Action{result.Action}, result.NextActions...)
	waitCtx, cancel := context.WithTimeout(ctx, d.timeouts.Ready)
	defer cancel()
	if err := d.client.Action.WaitFor(waitCtx, actions...); err != nil {
		return vm, fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}

	err = d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		s, _, err := d.client.Server.GetByID(ctx, result.Server.ID)
		if err != nil {
			return "", err
		}
		if s == nil {
			return StateTerminated, nil
		}
		refreshed := toHCloudVM(s, vm.Username)
		vm.State, vm.Address, vm.Zone = refreshed.State, refreshed.Address, refreshed.Zone
		return vm.State, nil
	})
	if err != nil {
		return vm, err
	}

	if err := d.awaitReachable(ctx, vm, spec.Credentials); err != nil {
		return vm, err
	}
	return vm, nil
}

// SaveTemplate snapshots the server and waits until the image is available.
func (d *HCloudDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	id, err := strconv.ParseInt(vm.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server id %q: %w", vm.ID, err)
	}
	name := namespaced(d.namespace, description)

	result, _, err := d.client.Server.CreateImage(ctx, &hcloud.Server{ID: id}, &hcloud.ServerCreateImageOpts{
		Type:        hcloud.ImageTypeSnapshot,
		Description: &name,
		Labels:      map[string]string{namespaceLabel: d.namespace},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create snapshot: %v", ErrSnapshotFailed, err)
	}

	var saved Template
	err = d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		if result.Action != nil {
			action, _, err := d.client.Action.GetByID(ctx, result.Action.ID)
			if err != nil {
				return "", err
			}
			if action != nil && action.Status == hcloud.ActionStatusError {
				return TemplateFailed, nil
			}
		}
		image, _, err := d.client.Image.GetByID(ctx, result.Image.ID)
		if err != nil {
			return "", err
		}
		if image == nil {
			return TemplateDeleted, nil
		}
		saved = toHCloudTemplate(image)
		return saved.Status, nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest namespaced snapshot matching pattern
func (d *HCloudDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	opts := hcloud.ImageListOpts{
		Type: []hcloud.ImageType{hcloud.ImageTypeSnapshot},
	}
	opts.LabelSelector = namespaceLabel + "=" + d.namespace

	images, err := d.client.Image.AllWithOpts(ctx, opts)
	if err != nil {
		return Template{}, false, fmt.Errorf("failed to list images: %w", err)
	}

	templates := make([]Template, 0, len(images))
	for _, image := range images {
		templates = append(templates, toHCloudTemplate(image))
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance deletes the server. Unknown servers are already gone.
func (d *HCloudDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	id, err := strconv.ParseInt(vm.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server id %q: %w", vm.ID, err)
	}

	if _, _, err := d.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id}); err != nil {
		if !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return fmt.Errorf("failed to delete server: %w", err)
		}
	}
	vm.State = StateTerminated
	return nil
}

// hcloudImage references snapshots by numeric ID and system images by name.
func hcloudImage(image string) *hcloud.Image {
	if id, err := strconv.ParseInt(image, 10, 64); err == nil {
		return &hcloud.Image{ID: id}
	}
	return &hcloud.Image{Name: image}
}

func toHCloudVM(s *hcloud.Server, username string) *VirtualMachine {
	vm := &VirtualMachine{
		ID:       strconv.FormatInt(s.ID, 10),
		Hostname: s.Name,
		Username: username,
		State:    normalizeHCloudStatus(s.Status),
	}
	if s.PublicNet.IPv4.IP != nil {
		vm.Address = s.PublicNet.IPv4.IP.String()
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		vm.Zone = s.Datacenter.Location.Name
	}
	return vm
}

func toHCloudTemplate(image *hcloud.Image) Template {
	return Template{
		ID:        strconv.FormatInt(image.ID, 10),
		Name:      image.Description,
		CreatedAt: image.Created,
		Public:    image.Type != hcloud.ImageTypeSnapshot,
		Status:    normalizeHCloudImageStatus(image.Status),
	}
}

func normalizeHCloudStatus(status hcloud.ServerStatus) State {
	switch status {
	case hcloud.ServerStatusRunning:
		return StateRunning
	case hcloud.ServerStatusOff:
		return StateError
	case hcloud.ServerStatusDeleting:
		return StateTerminated
	default:
		return StatePending
	}
}

func normalizeHCloudImageStatus(status hcloud.ImageStatus) TemplateStatus {
	switch status {
	case hcloud.ImageStatusAvailable:
		return TemplateActive
	default:
		return TemplatePending
	}
}
