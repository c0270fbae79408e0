package provisioning

import (
	"context"
	"fmt"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultYandexZone     = "ru-central1-b"
	defaultYandexPlatform = "standard-v3"
	gib                   = 1024 * 1024 * 1024
)

// YandexDriver implements the Driver interface for Yandex Cloud. Templates
// are folder images created from the instance boot disk.
type YandexDriver struct {
	driverBase
	cfg *config.YandexCloudConfig
	sdk *ycsdk.SDK
}

// NewYandexDriver creates a new instance of YandexDriver
func NewYandexDriver(ctx context.Context, cfg config.ProvisionerConfig, check ReachabilityCheck) (*YandexDriver, error) {
	yc := cfg.YandexCloud
	if yc.IAMToken == "" || yc.FolderID == "" {
		return nil, fmt.Errorf("yandex_cloud requires iam_token and folder_id")
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(yc.IAMToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &YandexDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        yc,
		sdk:        sdk,
	}, nil
}

func (d *YandexDriver) Name() string { return string(config.ProviderYandexCloud) }

func (d *YandexDriver) zone() string {
	if d.cfg.DefaultZone != "" {
		return d.cfg.DefaultZone
	}
	return defaultYandexZone
}

// ListInstances lists the instances of the folder
func (d *YandexDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var vms []*VirtualMachine
	req := &compute.ListInstancesRequest{FolderId: d.cfg.FolderID, PageSize: 100}
	for {
		resp, err := d.sdk.Compute().Instance().List(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, instance := range resp.Instances {
			vms = append(vms, toYandexVM(instance, ""))
		}
		if resp.NextPageToken == "" {
			return vms, nil
		}
		req.PageToken = resp.NextPageToken
	}
}

// CreateInstance creates an instance, waits for the create operation and
// then for the shell to answer.
func (d *YandexDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	zone := d.zone()
	subnetID, err := d.findSubnet(ctx, zone)
	if err != nil {
		return nil, err
	}

	imageID := spec.ImageID
	if imageID == "" {
		imageID = d.cfg.DefaultImage
	}
	if imageID == "" {
		imageID, err = d.defaultImage(ctx)
		if err != nil {
			return nil, err
		}
	}

	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	platform := d.cfg.PlatformID
	if platform == "" {
		platform = defaultYandexPlatform
	}
	cores, memory, disk := d.cfg.Cores, d.cfg.MemoryGB, d.cfg.DiskSizeGB
	if cores == 0 {
		cores = 2
	}
	if memory == 0 {
		memory = 4
	}
	if disk == 0 {
		disk = 20
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   d.cfg.FolderID,
		Name:       spec.Hostname,
		Hostname:   spec.Hostname,
		ZoneId:     zone,
		PlatformId: platform,
		Labels:     map[string]string{"cloudimages": d.namespace},
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  cores,
			Memory: memory * gib,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: "network-hdd",
					Size:   disk * gib,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: imageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}

	pop, err := d.sdk.Compute().Instance().Create(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	op, err := d.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap operation: %w", err)
	}

	vm := &VirtualMachine{
		Hostname: spec.Hostname,
		Username: spec.Credentials.User,
		State:    StatePending,
		Zone:     zone,
	}
	if meta, err := op.Metadata(); err == nil {
		if m, ok := meta.(*compute.CreateInstanceMetadata); ok {
			vm.ID = m.InstanceId
		}
	}

	logging.Logger().Info("Instance create requested, waiting for it to run",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("image", imageID))

	waitCtx, cancel := context.WithTimeout(ctx, d.timeouts.Ready)
	defer cancel()
	if err := op.Wait(waitCtx); err != nil {
		return partialVM(vm), fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}
	resp, err := op.Response()
	if err != nil {
		return partialVM(vm), fmt.Errorf("%w: %v", ErrInfrastructureUnavailable, err)
	}
	instance, ok := resp.(*compute.Instance)
	if !ok {
		return partialVM(vm), fmt.Errorf("%w: unexpected create response %T", ErrInfrastructureUnavailable, resp)
	}

	refreshed := toYandexVM(instance, vm.Username)
	vm.ID, vm.Address, vm.State, vm.bootDiskID = refreshed.ID, refreshed.Address, refreshed.State, refreshed.bootDiskID

	err = d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		current, err := d.sdk.Compute().Instance().Get(ctx, &compute.GetInstanceRequest{InstanceId: vm.ID})
		if err != nil {
			return "", err
		}
		refreshed := toYandexVM(current, vm.Username)
		vm.State, vm.Address = refreshed.State, refreshed.Address
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

// SaveTemplate creates a folder image from the boot disk and waits until the
// image is READY.
func (d *YandexDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	if vm.bootDiskID == "" {
		instance, err := d.sdk.Compute().Instance().Get(ctx, &compute.GetInstanceRequest{InstanceId: vm.ID})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get instance: %v", ErrSnapshotFailed, err)
		}
		vm.bootDiskID = toYandexVM(instance, vm.Username).bootDiskID
	}
	if vm.bootDiskID == "" {
		return nil, fmt.Errorf("%w: instance %s has no boot disk", ErrSnapshotFailed, vm.ID)
	}

	full := namespaced(d.namespace, description)
	name := sanitizeImageName(full)

	pop, err := d.sdk.Compute().Image().Create(ctx, &compute.CreateImageRequest{
		FolderId:    d.cfg.FolderID,
		Name:        name,
		Description: full,
		Labels:      map[string]string{"cloudimages": d.namespace},
		Source:      &compute.CreateImageRequest_DiskId{DiskId: vm.bootDiskID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create image: %v", ErrSnapshotFailed, err)
	}
	op, err := d.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap operation: %v", ErrSnapshotFailed, err)
	}
	meta, err := op.Metadata()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read operation metadata: %v", ErrSnapshotFailed, err)
	}
	m, ok := meta.(*compute.CreateImageMetadata)
	if !ok || m.ImageId == "" {
		return nil, fmt.Errorf("%w: image id missing from operation metadata", ErrSnapshotFailed)
	}

	var saved Template
	err = d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		image, err := d.sdk.Compute().Image().Get(ctx, &compute.GetImageRequest{ImageId: m.ImageId})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return TemplatePending, nil
			}
			return "", err
		}
		saved = toYandexTemplate(image)
		return saved.Status, nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest folder image matching pattern
func (d *YandexDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	var templates []Template
	req := &compute.ListImagesRequest{FolderId: d.cfg.FolderID, PageSize: 100}
	for {
		resp, err := d.sdk.Compute().Image().List(ctx, req)
		if err != nil {
			return Template{}, false, fmt.Errorf("failed to list images: %w", err)
		}
		for _, image := range resp.Images {
			templates = append(templates, toYandexTemplate(image))
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance deletes the instance and waits for the operation.
func (d *YandexDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated || vm.ID == "" {
		return nil
	}

	pop, err := d.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{
		InstanceId: vm.ID,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			vm.State = StateTerminated
			return nil
		}
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	op, err := d.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for delete: %w", err)
	}
	vm.State = StateTerminated
	return nil
}

// findSubnet returns the first subnet of the folder in zone
func (d *YandexDriver) findSubnet(ctx context.Context, zone string) (string, error) {
	resp, err := d.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: d.cfg.FolderID,
		PageSize: 100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list subnets: %w", err)
	}

	for _, subnet := range resp.Subnets {
		if subnet.ZoneId == zone {
			return subnet.Id, nil
		}
	}
	return "", fmt.Errorf("%w: no subnet found in zone %s", ErrInfrastructureUnavailable, zone)
}

func (d *YandexDriver) defaultImage(ctx context.Context) (string, error) {
	image, err := d.sdk.Compute().Image().GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
		FolderId: "standard-images",
		Family:   "ubuntu-2204-lts",
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve default image: %w", err)
	}
	return image.Id, nil
}

// partialVM returns vm when the provider allocated it, nil otherwise.
func partialVM(vm *VirtualMachine) *VirtualMachine {
	if vm.ID == "" {
		return nil
	}
	return vm
}

func toYandexVM(instance *compute.Instance, username string) *VirtualMachine {
	vm := &VirtualMachine{
		ID:       instance.Id,
		Hostname: instance.Name,
		Username: username,
		State:    normalizeYandexStatus(instance.Status),
		Zone:     instance.ZoneId,
	}
	if len(instance.NetworkInterfaces) > 0 && instance.NetworkInterfaces[0].PrimaryV4Address != nil {
		if nat := instance.NetworkInterfaces[0].PrimaryV4Address.OneToOneNat; nat != nil {
			vm.Address = nat.Address
		}
	}
	if instance.BootDisk != nil {
		vm.bootDiskID = instance.BootDisk.DiskId
	}
	return vm
}

func toYandexTemplate(image *compute.Image) Template {
	name := image.Description
	if name == "" {
		name = image.Name
	}
	t := Template{
		ID:     image.Id,
		Name:   name,
		Status: normalizeYandexImageStatus(image.Status),
	}
	if image.CreatedAt != nil {
		t.CreatedAt = image.CreatedAt.AsTime()
	}
	return t
}

func normalizeYandexStatus(s compute.Instance_Status) State {
	switch s {
	case compute.Instance_RUNNING:
		return StateRunning
	case compute.Instance_ERROR, compute.Instance_CRASHED, compute.Instance_STOPPED:
		return StateError
	case compute.Instance_DELETING:
		return StateTerminated
	default:
		return StatePending
	}
}

func normalizeYandexImageStatus(s compute.Image_Status) TemplateStatus {
	switch s {
	case compute.Image_READY:
		return TemplateActive
	case compute.Image_ERROR:
		return TemplateFailed
	case compute.Image_DELETING:
		return TemplateDeleted
	default:
		return TemplatePending
	}
}
