package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"
)

// DODriver implements the Driver interface for DigitalOcean. Templates are
// droplet snapshots, created by a droplet action.
type DODriver struct {
	driverBase
	cfg    *config.DigitalOceanConfig
	client *godo.Client
}

// NewDODriver creates a new instance of DODriver
func NewDODriver(cfg config.ProvisionerConfig, check ReachabilityCheck) (*DODriver, error) {
	dc := cfg.DigitalOcean
	if dc.Token == "" {
		return nil, fmt.Errorf("digitalocean requires a token")
	}

	client := godo.NewFromToken(dc.Token)
	if dc.APIURL != "" {
		base, err := url.Parse(dc.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid digitalocean api_url: %w", err)
		}
		client.BaseURL = base
	}

	return &DODriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        dc,
		client:     client,
	}, nil
}

func (d *DODriver) Name() string { return string(config.ProviderDigitalOcean) }

// ListInstances lists every droplet of the account
func (d *DODriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var vms []*VirtualMachine
	opt := &godo.ListOptions{PerPage: 200}
	for {
		droplets, resp, err := d.client.Droplets.List(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list droplets: %w", err)
		}
		for i := range droplets {
			vms = append(vms, toDropletVM(&droplets[i], ""))
		}
		if resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("failed to read droplet page: %w", err)
		}
		opt.Page = page + 1
	}
	return vms, nil
}

// CreateInstance creates a droplet and waits until it is active and reachable
func (d *DODriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	image := spec.ImageID
	if image == "" {
		image = d.cfg.DefaultImage
	}
	size := d.cfg.DefaultSize
	if size == "" {
		size = "s-2vcpu-4gb"
	}

	createRequest := &godo.DropletCreateRequest{
		Name:     spec.Hostname,
		Region:   d.cfg.DefaultRegion,
		Size:     size,
		Image:    dropletImage(image),
		UserData: userData,
		Tags:     []string{"cloudimages"},
	}

	droplet, _, err := d.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to create droplet: %w", err)
	}
	vm := toDropletVM(droplet, spec.Credentials.User)

	logging.Logger().Info("Droplet created, waiting for it to become active",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("image", image))

	err = d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		current, _, err := d.client.Droplets.Get(ctx, droplet.ID)
		if err != nil {
			return "", err
		}
		refreshed := toDropletVM(current, vm.Username)
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

// SaveTemplate runs the snapshot action, waits for it and resolves the
// resulting image by name.
func (d *DODriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	id, err := strconv.Atoi(vm.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid droplet ID %q: %w", vm.ID, err)
	}
	name := namespaced(d.namespace, description)

	action, _, err := d.client.DropletActions.Snapshot(ctx, id, name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to request snapshot: %v", ErrSnapshotFailed, err)
	}

	logging.Logger().Info("Snapshot requested, waiting for it to complete",
		zap.Int("action_id", action.ID),
		zap.String("name", name))

	var saved Template
	err = d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		current, _, err := d.client.Actions.Get(ctx, action.ID)
		if err != nil {
			return "", err
		}
		switch current.Status {
		case godo.ActionCompleted:
		case "errored":
			return TemplateFailed, nil
		default:
			return TemplatePending, nil
		}

		templates, err := d.templates(ctx)
		if err != nil {
			return "", err
		}
		for _, t := range templates {
			if t.Name == name {
				saved = t
				return TemplateActive, nil
			}
		}
		return TemplatePending, nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest private namespaced snapshot matching pattern
func (d *DODriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	templates, err := d.templates(ctx)
	if err != nil {
		return Template{}, false, err
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance deletes a droplet. Deleted droplets answer 404.
func (d *DODriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	id, err := strconv.Atoi(vm.ID)
	if err != nil {
		return fmt.Errorf("invalid droplet ID %q: %w", vm.ID, err)
	}

	_, err = d.client.Droplets.Delete(ctx, id)
	if err != nil && !isDONotFound(err) {
		return fmt.Errorf("failed to delete droplet: %w", err)
	}
	vm.State = StateTerminated
	return nil
}

func (d *DODriver) templates(ctx context.Context) ([]Template, error) {
	var templates []Template
	opt := &godo.ListOptions{PerPage: 200}
	for {
		images, resp, err := d.client.Images.ListUser(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, img := range images {
			templates = append(templates, Template{
				ID:        strconv.Itoa(img.ID),
				Name:      img.Name,
				CreatedAt: parseTimestamp(img.Created),
				Public:    img.Public,
				Status:    normalizeDOImageStatus(img.Status),
			})
		}
		if resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("failed to read image page: %w", err)
		}
		opt.Page = page + 1
	}
	return templates, nil
}

// dropletImage references snapshots by numeric ID and public images by slug.
func dropletImage(image string) godo.DropletCreateImage {
	if id, err := strconv.Atoi(image); err == nil {
		return godo.DropletCreateImage{ID: id}
	}
	return godo.DropletCreateImage{Slug: image}
}

func isDONotFound(err error) bool {
	var errResp *godo.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}

func toDropletVM(droplet *godo.Droplet, username string) *VirtualMachine {
	ip, _ := droplet.PublicIPv4()
	vm := &VirtualMachine{
		ID:       strconv.Itoa(droplet.ID),
		Hostname: droplet.Name,
		Address:  ip,
		Username: username,
		State:    normalizeDropletStatus(droplet.Status),
	}
	if droplet.Region != nil {
		vm.Zone = droplet.Region.Slug
	}
	return vm
}

func normalizeDropletStatus(status string) State {
	switch status {
	case "active":
		return StateRunning
	case "off":
		return StateError
	case "archive":
		return StateTerminated
	default:
		return StatePending
	}
}

// Older snapshots carry no status; the catalog only lists finished ones.
func normalizeDOImageStatus(status string) TemplateStatus {
	switch status {
	case "", "available":
		return TemplateActive
	case "deleted":
		return TemplateDeleted
	case "retired":
		return TemplateFailed
	default:
		return TemplatePending
	}
}
