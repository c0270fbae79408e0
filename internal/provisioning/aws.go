package provisioning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// AWSDriver implements the Driver interface for EC2: AMIs as templates and
// an Elastic IP as the reachable address.
type AWSDriver struct {
	driverBase
	cfg    *config.AWSConfig
	client *ec2.Client
}

// NewAWSDriver creates a new instance of AWSDriver
func NewAWSDriver(ctx context.Context, cfg config.ProvisionerConfig, check ReachabilityCheck) (*AWSDriver, error) {
	ac := cfg.AWS
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ac.Region)}
	if ac.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        ac,
		client:     ec2.NewFromConfig(awsCfg),
	}, nil
}

func (d *AWSDriver) Name() string { return string(config.ProviderAWS) }

// ListInstances lists every instance of the region
func (d *AWSDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var vms []*VirtualMachine
	paginator := ec2.NewDescribeInstancesPaginator(d.client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				vms = append(vms, toEC2VM(inst))
			}
		}
	}
	return vms, nil
}

// CreateInstance runs an instance, waits for running, attaches an Elastic IP
// and checks the login works.
func (d *AWSDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	userData, err := GenerateCloudConfig(spec.Credentials, spec.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	image := spec.ImageID
	if image == "" {
		image = d.cfg.DefaultImage
	}
	instanceType := d.cfg.InstanceType
	if instanceType == "" {
		instanceType = string(types.InstanceTypeT3Medium)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Hostname)},
				},
			},
		},
	}
	if d.cfg.SubnetID != "" {
		input.SubnetId = aws.String(d.cfg.SubnetID)
	}
	if d.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{d.cfg.SecurityGroupID}
	}

	output, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(output.Instances) == 0 {
		return nil, fmt.Errorf("failed to run instance: no instance in response")
	}

	vm := toEC2VM(output.Instances[0])
	vm.Hostname = spec.Hostname
	vm.Username = spec.Credentials.User

	logging.Logger().Info("Instance launched, waiting for running",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("image", image))

	waiter := ec2.NewInstanceRunningWaiter(d.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{vm.ID}}, d.timeouts.Ready); err != nil {
		vm.State = StateError
		return vm, fmt.Errorf("%w: instance %s: %v", ErrInfrastructureUnavailable, vm.ID, err)
	}
	vm.State = StateRunning

	if err := d.attachElasticIP(ctx, vm); err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return vm, err
	}

	if err := d.awaitReachable(ctx, vm, spec.Credentials); err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return vm, err
	}
	return vm, nil
}

func (d *AWSDriver) attachElasticIP(ctx context.Context, vm *VirtualMachine) error {
	alloc, err := d.client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain: types.DomainTypeVpc,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to allocate address: %v", ErrInfrastructureUnavailable, err)
	}
	vm.floatingID = aws.ToString(alloc.AllocationId)

	assoc, err := d.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: alloc.AllocationId,
		InstanceId:   aws.String(vm.ID),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to associate address: %v", ErrInfrastructureUnavailable, err)
	}
	vm.associationID = aws.ToString(assoc.AssociationId)
	vm.Address = aws.ToString(alloc.PublicIp)

	logging.Logger().Info("Elastic IP associated",
		zap.String("instance", vm.Hostname),
		zap.String("address", vm.Address))
	return nil
}

// releaseSecondary disassociates and releases the Elastic IP, at most once.
func (d *AWSDriver) releaseSecondary(ctx context.Context, vm *VirtualMachine) error {
	if vm.secondaryReleased {
		return nil
	}

	allocationID, associationID := vm.floatingID, vm.associationID
	if allocationID == "" {
		found, err := d.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
			Filters: []types.Filter{{Name: aws.String("instance-id"), Values: []string{vm.ID}}},
		})
		if err != nil {
			return fmt.Errorf("failed to look up Elastic IP of %s: %w", vm.ID, err)
		}
		if len(found.Addresses) == 0 {
			vm.secondaryReleased = true
			return nil
		}
		allocationID = aws.ToString(found.Addresses[0].AllocationId)
		associationID = aws.ToString(found.Addresses[0].AssociationId)
	}

	if associationID != "" {
		_, err := d.client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{
			AssociationId: aws.String(associationID),
		})
		if err != nil && !isEC2ErrorCode(err, "InvalidAssociationID.NotFound") {
			return fmt.Errorf("failed to disassociate Elastic IP %s: %w", allocationID, err)
		}
	}

	_, err := d.client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{
		AllocationId: aws.String(allocationID),
	})
	if err != nil && !isEC2ErrorCode(err, "InvalidAllocationID.NotFound") {
		return fmt.Errorf("failed to release Elastic IP %s: %w", allocationID, err)
	}
	vm.secondaryReleased = true
	return nil
}

// SaveTemplate registers an AMI from the instance and waits until it is
// available.
func (d *AWSDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	name := namespaced(d.namespace, description)

	out, err := d.client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:  aws.String(vm.ID),
		Name:        aws.String(name),
		Description: aws.String(name),
	})
	if err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return nil, fmt.Errorf("%w: failed to create image: %v", ErrSnapshotFailed, err)
	}
	imageID := aws.ToString(out.ImageId)

	logging.Logger().Info("AMI requested, waiting for it to become available",
		zap.String("image_id", imageID),
		zap.String("name", name))

	var saved Template
	err = d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		desc, err := d.client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		if err != nil {
			if isEC2ErrorCode(err, "InvalidAMIID.NotFound") {
				return TemplatePending, nil
			}
			return "", err
		}
		if len(desc.Images) == 0 {
			return TemplatePending, nil
		}
		saved = toEC2Template(desc.Images[0])
		return saved.Status, nil
	})
	if err != nil {
		releaseAfterFailure(ctx, vm, d.releaseSecondary)
		return nil, err
	}
	return &saved, nil
}

// LatestTemplate returns the newest own namespaced AMI matching pattern
func (d *AWSDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	out, err := d.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{d.namespace + "-*"}},
		},
	})
	if err != nil {
		return Template{}, false, fmt.Errorf("failed to describe images: %w", err)
	}

	templates := make([]Template, 0, len(out.Images))
	for _, img := range out.Images {
		templates = append(templates, toEC2Template(img))
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance releases the Elastic IP, then terminates the instance.
// Nothing is terminated while the address is still allocated.
func (d *AWSDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}

	if err := d.releaseSecondary(ctx, vm); err != nil {
		return err
	}

	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{vm.ID},
	})
	if err != nil && !isEC2ErrorCode(err, "InvalidInstanceID.NotFound") {
		return fmt.Errorf("failed to terminate instance %s: %w", vm.ID, err)
	}
	vm.State = StateTerminated
	return nil
}

func isEC2ErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

func toEC2VM(inst types.Instance) *VirtualMachine {
	vm := &VirtualMachine{
		ID:      aws.ToString(inst.InstanceId),
		Address: aws.ToString(inst.PublicIpAddress),
		State:   StatePending,
	}
	if inst.State != nil {
		vm.State = normalizeEC2State(inst.State.Name)
	}
	if inst.Placement != nil {
		vm.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			vm.Hostname = aws.ToString(tag.Value)
		}
	}
	return vm
}

func toEC2Template(img types.Image) Template {
	created, _ := time.Parse(time.RFC3339, aws.ToString(img.CreationDate))
	return Template{
		ID:        aws.ToString(img.ImageId),
		Name:      aws.ToString(img.Name),
		CreatedAt: created,
		Public:    aws.ToBool(img.Public),
		Status:    normalizeAMIState(img.State),
	}
}

func normalizeEC2State(name types.InstanceStateName) State {
	switch name {
	case types.InstanceStateNameRunning:
		return StateRunning
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return StateTerminated
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return StateError
	default:
		return StatePending
	}
}

func normalizeAMIState(state types.ImageState) TemplateStatus {
	switch state {
	case types.ImageStateAvailable:
		return TemplateActive
	case types.ImageStateFailed, types.ImageStateError, types.ImageStateInvalid:
		return TemplateFailed
	case types.ImageStateDeregistered:
		return TemplateDeleted
	default:
		return TemplatePending
	}
}
