package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"go.uber.org/zap"
)

// defaultSauceLabsImage is the pre-baked device pool slot every instance is
// started from.
const defaultSauceLabsImage = "ichef-osx8-10.8-working"

// SauceLabsDriver drives the hosted Mac API. There is no template catalog:
// lookups always return the configured pool image.
type SauceLabsDriver struct {
	driverBase
	image  string
	client *restClient
}

type sauceLabsInstance struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"State"`
	PublicIP   string `json:"public_ip"`
	FQDN       string `json:"FQDN"`
	ExtraInfo  struct {
		Hostname string `json:"hostname"`
	} `json:"extra_info"`
}

// NewSauceLabsDriver creates a new instance of SauceLabsDriver
func NewSauceLabsDriver(cfg config.ProvisionerConfig, check ReachabilityCheck) (*SauceLabsDriver, error) {
	sl := cfg.SauceLabs
	client, err := newRESTClient("saucelabs", sl.APIEndpoint, nil)
	if err != nil {
		return nil, err
	}

	image := sl.DefaultImage
	if image == "" {
		image = defaultSauceLabsImage
	}

	return &SauceLabsDriver{
		driverBase: newDriverBase(cfg, check),
		image:      image,
		client:     client,
	}, nil
}

func (d *SauceLabsDriver) Name() string { return string(config.ProviderSauceLabs) }

// ListInstances fetches every running instance id, then each instance
func (d *SauceLabsDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var list struct {
		Instances []string `json:"instances"`
	}
	if err := d.client.do(ctx, http.MethodGet, "/instances", nil, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	vms := make([]*VirtualMachine, 0, len(list.Instances))
	for _, id := range list.Instances {
		info, err := d.info(ctx, id)
		if err != nil {
			if isHTTPNotFound(err) {
				continue
			}
			return nil, err
		}
		vms = append(vms, toSauceLabsVM(info, ""))
	}
	return vms, nil
}

// CreateInstance starts an instance from the pool image, opens outgoing
// network access and waits until it runs and is reachable.
func (d *SauceLabsDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	image := spec.ImageID
	if image == "" {
		image = d.image
	}

	startup := map[string]string{}
	if spec.Hostname != "" {
		startup["hostname"] = spec.Hostname
	}
	if spec.Credentials.Password != "" {
		startup["password"] = spec.Credentials.Password
	}

	var started struct {
		InstanceID string `json:"instance_id"`
	}
	query := url.Values{"image": []string{image}}
	if err := d.client.do(ctx, http.MethodPost, "/instances", query, startup, &started); err != nil {
		return nil, fmt.Errorf("failed to start instance: %w", err)
	}
	if started.InstanceID == "" {
		return nil, fmt.Errorf("failed to start instance: empty instance_id in response")
	}

	vm := &VirtualMachine{
		ID:       started.InstanceID,
		Hostname: spec.Hostname,
		Username: spec.Credentials.User,
		State:    StatePending,
	}

	logging.Logger().Info("Instance started",
		zap.String("id", vm.ID),
		zap.String("image", image))

	path := "/instances/" + url.PathEscape(vm.ID) + "/allow_outgoing"
	if err := d.client.do(ctx, http.MethodPost, path, nil, nil, nil); err != nil {
		return vm, fmt.Errorf("failed to allow outgoing traffic: %w", err)
	}

	err := d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		info, err := d.info(ctx, vm.ID)
		if err != nil {
			return "", err
		}
		refreshed := toSauceLabsVM(info, vm.Username)
		vm.State, vm.Address = refreshed.State, refreshed.Address
		if refreshed.Hostname != "" {
			vm.Hostname = refreshed.Hostname
		}
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

// SaveTemplate asks the API to save the instance disk under the full name.
// Saved images are not listed back, so the result is returned as is.
func (d *SauceLabsDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	name := namespaced(d.namespace, description)
	path := "/instances/" + url.PathEscape(vm.ID) + "/save_image"
	if err := d.client.do(ctx, http.MethodPost, path, url.Values{"name": []string{name}}, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return &Template{ID: name, Name: name, Status: TemplateActive}, nil
}

// LatestTemplate always returns the pool image.
func (d *SauceLabsDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	return Template{ID: d.image, Name: d.image, Status: TemplateActive}, true, nil
}

// DestroyInstance kills the instance. Unknown instances are already gone.
func (d *SauceLabsDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	err := d.client.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(vm.ID), nil, nil, nil)
	if err != nil && !isHTTPNotFound(err) {
		return fmt.Errorf("failed to kill instance %s: %w", vm.ID, err)
	}
	vm.State = StateTerminated
	return nil
}

func (d *SauceLabsDriver) info(ctx context.Context, id string) (sauceLabsInstance, error) {
	var info sauceLabsInstance
	if err := d.client.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id), nil, nil, &info); err != nil {
		return info, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	if info.InstanceID == "" {
		info.InstanceID = id
	}
	return info, nil
}

func toSauceLabsVM(info sauceLabsInstance, username string) *VirtualMachine {
	hostname := info.ExtraInfo.Hostname
	if hostname == "" {
		hostname = info.FQDN
	}
	return &VirtualMachine{
		ID:       info.InstanceID,
		Hostname: hostname,
		Address:  info.PublicIP,
		Username: username,
		State:    normalizeSauceLabsState(info.State),
	}
}

func normalizeSauceLabsState(state string) State {
	switch strings.ToLower(state) {
	case "running", "active":
		return StateRunning
	case "error", "failed":
		return StateError
	case "terminated", "killed", "stopped":
		return StateTerminated
	default:
		return StatePending
	}
}
