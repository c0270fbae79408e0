package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCPDriver implements the Driver interface for Google Compute Engine.
// Instances are addressed by name within the configured zone; templates are
// global images created from the boot disk.
type GCPDriver struct {
	driverBase
	cfg     *config.GCPConfig
	service *compute.Service
}

// NewGCPDriver creates a new instance of GCPDriver
func NewGCPDriver(ctx context.Context, cfg config.ProvisionerConfig, check ReachabilityCheck) (*GCPDriver, error) {
	gc := cfg.GCP
	if gc.ProjectID == "" || gc.DefaultZone == "" {
		return nil, fmt.Errorf("gcp requires project_id and default_zone")
	}

	var opts []option.ClientOption
	if gc.CredentialsPath != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, gc.CredentialsPath))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &GCPDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        gc,
		service:    service,
	}, nil
}

func (d *GCPDriver) Name() string { return string(config.ProviderGCP) }

// ListInstances lists the instances of the configured zone
func (d *GCPDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var vms []*VirtualMachine
	err := d.service.Instances.List(d.cfg.ProjectID, d.cfg.DefaultZone).Pages(ctx, func(list *compute.InstanceList) error {
		for _, instance := range list.Items {
			vms = append(vms, toGCEVM(instance, ""))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return vms, nil
}

// CreateInstance inserts an instance, waits for the zone operation and for
// the instance to run, then for its shell to answer.
func (d *GCPDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	image := spec.ImageID
	if image == "" {
		image = d.cfg.DefaultImage
	}
	machineType := d.cfg.MachineType
	if machineType == "" {
		machineType = "e2-standard-2"
	}
	zone := d.cfg.DefaultZone

	rb := &compute.Instance{
		Name:        spec.Hostname,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: gceImageURL(d.cfg.ProjectID, image),
					DiskSizeGb:  d.cfg.DiskSizeGB,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
				Network: "global/networks/default",
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "user-data",
					Value: &userData,
				},
			},
		},
		Labels: map[string]string{"cloudimages": d.namespace},
	}

	op, err := d.service.Instances.Insert(d.cfg.ProjectID, zone, rb).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}

	// The name is the handle from here on, even if the operation fails.
	vm := &VirtualMachine{
		ID:       spec.Hostname,
		Hostname: spec.Hostname,
		Username: spec.Credentials.User,
		State:    StatePending,
		Zone:     zone,
	}

	logging.Logger().Info("Instance insert requested, waiting for it to run",
		zap.String("name", vm.ID),
		zap.String("zone", zone),
		zap.String("image", image))

	if err := d.waitForOperation(ctx, op.Name); err != nil {
		return vm, fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}

	err = d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		instance, err := d.service.Instances.Get(d.cfg.ProjectID, zone, vm.ID).Context(ctx).Do()
		if err != nil {
			return "", err
		}
		refreshed := toGCEVM(instance, vm.Username)
		vm.State, vm.Address, vm.bootDiskID = refreshed.State, refreshed.Address, refreshed.bootDiskID
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

// SaveTemplate creates a global image from the running boot disk and waits
// for it to become READY.
func (d *GCPDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	if vm.bootDiskID == "" {
		instance, err := d.service.Instances.Get(d.cfg.ProjectID, d.cfg.DefaultZone, vm.ID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get instance: %v", ErrSnapshotFailed, err)
		}
		vm.bootDiskID = toGCEVM(instance, vm.Username).bootDiskID
	}
	if vm.bootDiskID == "" {
		return nil, fmt.Errorf("%w: instance %s has no boot disk", ErrSnapshotFailed, vm.ID)
	}

	full := namespaced(d.namespace, description)
	name := sanitizeImageName(full)
	image := &compute.Image{
		Name:        name,
		Description: full,
		SourceDisk:  vm.bootDiskID,
		Labels:      map[string]string{"cloudimages": d.namespace},
	}

	// The disk is attached to a running instance.
	if _, err := d.service.Images.Insert(d.cfg.ProjectID, image).ForceCreate(true).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("%w: failed to insert image: %v", ErrSnapshotFailed, err)
	}

	var saved Template
	err := d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		current, err := d.service.Images.Get(d.cfg.ProjectID, name).Context(ctx).Do()
		if err != nil {
			if isGoogleNotFound(err) {
				return TemplateDeleted, nil
			}
			return "", err
		}
		saved = toGCETemplate(current)
		return saved.Status, nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest project image matching pattern
func (d *GCPDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	var templates []Template
	err := d.service.Images.List(d.cfg.ProjectID).Pages(ctx, func(list *compute.ImageList) error {
		for _, image := range list.Items {
			templates = append(templates, toGCETemplate(image))
		}
		return nil
	})
	if err != nil {
		return Template{}, false, fmt.Errorf("failed to list images: %w", err)
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance deletes the instance by name and waits for the operation.
func (d *GCPDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	zone := vm.Zone
	if zone == "" {
		zone = d.cfg.DefaultZone
	}

	op, err := d.service.Instances.Delete(d.cfg.ProjectID, zone, vm.ID).Context(ctx).Do()
	if err != nil {
		if isGoogleNotFound(err) {
			vm.State = StateTerminated
			return nil
		}
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if err := d.waitForOperation(ctx, op.Name); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	vm.State = StateTerminated
	return nil
}

func (d *GCPDriver) waitForOperation(ctx context.Context, opName string) error {
	return pollUntil(ctx, "operation "+opName, d.timeouts.ReadyPoll, d.timeouts.Ready, func(ctx context.Context) (bool, error) {
		op, err := d.service.ZoneOperations.Get(d.cfg.ProjectID, d.cfg.DefaultZone, opName).Context(ctx).Do()
		if err != nil {
			return false, err
		}
		if op.Status != "DONE" {
			return false, nil
		}
		if op.Error != nil && len(op.Error.Errors) > 0 {
			return false, terminal(fmt.Errorf("operation %s failed: %s", opName, op.Error.Errors[0].Message))
		}
		return true, nil
	})
}

// gceImageURL expands a bare image name to a project-local path. Paths and
// family references are passed through.
func gceImageURL(project, image string) string {
	if strings.Contains(image, "/") {
		return image
	}
	return fmt.Sprintf("projects/%s/global/images/%s", project, image)
}

func isGoogleNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func toGCEVM(instance *compute.Instance, username string) *VirtualMachine {
	vm := &VirtualMachine{
		ID:       instance.Name,
		Hostname: instance.Name,
		Username: username,
		State:    normalizeGCEStatus(instance.Status),
		Zone:     lastSegment(instance.Zone),
	}
	if len(instance.NetworkInterfaces) > 0 && len(instance.NetworkInterfaces[0].AccessConfigs) > 0 {
		vm.Address = instance.NetworkInterfaces[0].AccessConfigs[0].NatIP
	}
	for _, disk := range instance.Disks {
		if disk.Boot {
			vm.bootDiskID = disk.Source
		}
	}
	return vm
}

// Image names are sanitized, so the catalog name is the description.
func toGCETemplate(image *compute.Image) Template {
	name := image.Description
	if name == "" {
		name = image.Name
	}
	return Template{
		ID:        image.Name,
		Name:      name,
		CreatedAt: parseTimestamp(image.CreationTimestamp),
		Status:    normalizeGCEImageStatus(image.Status),
	}
}

func normalizeGCEStatus(status string) State {
	switch status {
	case "RUNNING":
		return StateRunning
	case "TERMINATED", "SUSPENDED":
		return StateError
	default:
		return StatePending
	}
}

func normalizeGCEImageStatus(status string) TemplateStatus {
	switch status {
	case "READY":
		return TemplateActive
	case "FAILED":
		return TemplateFailed
	case "DELETING":
		return TemplateDeleted
	default:
		return TemplatePending
	}
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
