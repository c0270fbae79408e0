package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"go.uber.org/zap"
)

// OpenStackDriver boots servers on a private network, attaches a floating
// address once they are active and snapshots them into Glance images.
type OpenStackDriver struct {
	driverBase
	cfg *config.OpenStackConfig

	// created on first use
	compute *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
}

// NewOpenStackDriver creates a new instance of OpenStackDriver. The identity
// service is contacted on first use.
func NewOpenStackDriver(cfg config.ProvisionerConfig, check ReachabilityCheck) (*OpenStackDriver, error) {
	osc := cfg.OpenStack
	if osc.AuthURL == "" || osc.Username == "" {
		return nil, fmt.Errorf("open_stack requires auth_url and username")
	}
	if osc.ExternalNetworkID == "" {
		return nil, fmt.Errorf("open_stack requires external_network_id for floating addresses")
	}
	return &OpenStackDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        osc,
	}, nil
}

func (d *OpenStackDriver) Name() string { return string(config.ProviderOpenStack) }

func (d *OpenStackDriver) connect(ctx context.Context) error {
	if d.compute != nil {
		return nil
	}

	provider, err := openstack.AuthenticatedClient(ctx, gophercloud.AuthOptions{
		IdentityEndpoint: d.cfg.AuthURL,
		Username:         d.cfg.Username,
		Password:         d.cfg.APIKey,
		TenantName:       d.cfg.Tenant,
		DomainName:       d.cfg.Domain,
	})
	if err != nil {
		return fmt.Errorf("failed to authenticate with OpenStack: %w", err)
	}

	eo := gophercloud.EndpointOpts{Region: d.cfg.Region}
	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}
	image, err := openstack.NewImageV2(provider, eo)
	if err != nil {
		return fmt.Errorf("failed to create image client: %w", err)
	}
	network, err := openstack.NewNetworkV2(provider, eo)
	if err != nil {
		return fmt.Errorf("failed to create network client: %w", err)
	}

	d.compute, d.image, d.network = compute, image, network
	return nil
}

// ListInstances lists every server of the project
func (d *OpenStackDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	pages, err := servers.List(d.compute, servers.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	vms := make([]*VirtualMachine, 0, len(list))
	for _, s := range list {
		vms = append(vms, &VirtualMachine{
			ID:       s.ID,
			Hostname: s.Name,
			Address:  floatingAddress(s.Addresses),
			State:    normalizeOpenStackStatus(s.Status),
		})
	}
	return vms, nil
}

// CreateInstance boots a server, waits for ACTIVE, then allocates and
// associates a floating address and checks the login works.
func (d *OpenStackDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	image := spec.ImageID
	if image == "" {
		image = d.cfg.ImageID
	}

	opts := servers.CreateOpts{
		Name:      spec.Hostname,
		FlavorRef: d.cfg.FlavorID,
		ImageRef:  image,
		UserData:  []byte(userData),
	}
	if d.cfg.InternalNetworkID != "" {
		opts.Networks = []servers.Network{{UUID: d.cfg.InternalNetworkID}}
	}

	server, err := servers.Create(ctx, d.compute, opts, nil).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	vm := &VirtualMachine{
		ID:       server.ID,
		Hostname: spec.Hostname,
		Username: spec.Credentials.User,
		State:    StatePending,
	}

	logging.Logger().Info("Server created, waiting for ACTIVE",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("image", image))

	err = d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		s, err := servers.Get(ctx, d.compute, vm.ID).Extract()
		if err != nil {
			return "", err
		}
		vm.State = normalizeOpenStackStatus(s.Status)
		return vm.State, nil
	})
	if err != nil {
		return vm, err
	}

	if err := d.attachFloatingIP(ctx, vm); err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return vm, err
	}

	if err := d.awaitReachable(ctx, vm, spec.Credentials); err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return vm, err
	}
	return vm, nil
}

func (d *OpenStackDriver) attachFloatingIP(ctx context.Context, vm *VirtualMachine) error {
	port, err := d.serverPort(ctx, vm.ID)
	if err != nil {
		return err
	}

	fip, err := floatingips.Create(ctx, d.network, floatingips.CreateOpts{
		FloatingNetworkID: d.cfg.ExternalNetworkID,
		PortID:            port,
	}).Extract()
	if err != nil {
		return fmt.Errorf("%w: failed to allocate floating address: %v", ErrInfrastructureUnavailable, err)
	}

	vm.floatingID = fip.ID
	vm.Address = fip.FloatingIP

	logging.Logger().Info("Floating address associated",
		zap.String("instance", vm.Hostname),
		zap.String("address", vm.Address))
	return nil
}

func (d *OpenStackDriver) serverPort(ctx context.Context, serverID string) (string, error) {
	pages, err := ports.List(d.network, ports.ListOpts{DeviceID: serverID}).AllPages(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list ports of server %s: %w", serverID, err)
	}
	list, err := ports.ExtractPorts(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract ports: %w", err)
	}
	if len(list) == 0 {
		return "", fmt.Errorf("%w: server %s has no network port", ErrInfrastructureUnavailable, serverID)
	}
	return list[0].ID, nil
}

// releaseSecondary deletes the floating address of vm, at most once.
func (d *OpenStackDriver) releaseSecondary(ctx context.Context, vm *VirtualMachine) error {
	if vm.secondaryReleased {
		return nil
	}

	ids := []string{}
	if vm.floatingID != "" {
		ids = append(ids, vm.floatingID)
	} else {
		found, err := d.lookupFloatingIPs(ctx, vm.ID)
		if err != nil {
			return fmt.Errorf("failed to look up floating addresses of %s: %w", vm.ID, err)
		}
		ids = found
	}

	for _, id := range ids {
		err := floatingips.Delete(ctx, d.network, id).ExtractErr()
		if err != nil && !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			return fmt.Errorf("failed to release floating address %s: %w", id, err)
		}
	}
	vm.secondaryReleased = true
	return nil
}

func (d *OpenStackDriver) lookupFloatingIPs(ctx context.Context, serverID string) ([]string, error) {
	port, err := d.serverPort(ctx, serverID)
	if err != nil {
		if errors.Is(err, ErrInfrastructureUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	pages, err := floatingips.List(d.network, floatingips.ListOpts{PortID: port}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list floating addresses: %w", err)
	}
	list, err := floatingips.ExtractFloatingIPs(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract floating addresses: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, fip := range list {
		ids = append(ids, fip.ID)
	}
	return ids, nil
}

// SaveTemplate snapshots the server into an image and waits for it to
// become active.
func (d *OpenStackDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	name := namespaced(d.namespace, description)

	imageID, err := servers.CreateImage(ctx, d.compute, vm.ID, servers.CreateImageOpts{Name: name}).ExtractImageID()
	if err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return nil, fmt.Errorf("%w: failed to request image: %v", ErrSnapshotFailed, err)
	}

	logging.Logger().Info("Image requested, waiting for it to become active",
		zap.String("image_id", imageID),
		zap.String("name", name))

	var saved Template
	err = d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		img, err := images.Get(ctx, d.image, imageID).Extract()
		if err != nil {
			if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
				return TemplateDeleted, nil
			}
			return "", err
		}
		saved = toOpenStackTemplate(*img)
		return saved.Status, nil
	})
	if err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest private namespaced image matching pattern
func (d *OpenStackDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	if err := d.connect(ctx); err != nil {
		return Template{}, false, err
	}

	pages, err := images.List(d.image, images.ListOpts{Visibility: images.ImageVisibilityPrivate}).AllPages(ctx)
	if err != nil {
		return Template{}, false, fmt.Errorf("failed to list images: %w", err)
	}
	list, err := images.ExtractImages(pages)
	if err != nil {
		return Template{}, false, fmt.Errorf("failed to extract images: %w", err)
	}

	templates := make([]Template, 0, len(list))
	for _, img := range list {
		templates = append(templates, toOpenStackTemplate(img))
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance releases the floating address, then deletes the server.
// The server is kept when the address cannot be released so that a later
// destroy can retry both.
func (d *OpenStackDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	if err := d.connect(ctx); err != nil {
		return err
	}

	if err := d.releaseSecondary(ctx, vm); err != nil {
		return err
	}

	err := servers.Delete(ctx, d.compute, vm.ID).ExtractErr()
	if err != nil && !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return fmt.Errorf("failed to delete server %s: %w", vm.ID, err)
	}
	vm.State = StateTerminated
	return nil
}

func toOpenStackTemplate(img images.Image) Template {
	return Template{
		ID:        img.ID,
		Name:      img.Name,
		CreatedAt: img.CreatedAt,
		Public:    img.Visibility == images.ImageVisibilityPublic,
		Status:    normalizeGlanceStatus(string(img.Status)),
	}
}

// floatingAddress picks the floating address out of a server's addresses
// map, keyed by network name.
func floatingAddress(addresses map[string]interface{}) string {
	for _, raw := range addresses {
		entries, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if entry["OS-EXT-IPS:type"] == "floating" {
				if addr, ok := entry["addr"].(string); ok {
					return addr
				}
			}
		}
	}
	return ""
}

func normalizeOpenStackStatus(status string) State {
	switch strings.ToUpper(status) {
	case "ACTIVE":
		return StateRunning
	case "ERROR", "SHUTOFF":
		return StateError
	case "DELETED", "SOFT_DELETED":
		return StateTerminated
	default:
		return StatePending
	}
}

func normalizeGlanceStatus(status string) TemplateStatus {
	switch strings.ToLower(status) {
	case "active":
		return TemplateActive
	case "killed":
		return TemplateFailed
	case "deleted", "pending_delete":
		return TemplateDeleted
	default:
		return TemplatePending
	}
}
