package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"cloudimages/internal/config"
	"cloudimages/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const defaultBlueBoxAPI = "https://boxpanel.bluebox.net"

// BlueBoxDriver drives the Blue Box Blocks API. Templates are created from a
// block with a free-form description and are only identifiable by it.
type BlueBoxDriver struct {
	driverBase
	cfg    *config.BlueBoxConfig
	client *restClient
}

type blueBoxBlock struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	IPs      []struct {
		Address string `json:"address"`
	} `json:"ips"`
}

type blueBoxTemplate struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Created     string `json:"created"`
}

// NewBlueBoxDriver creates a new instance of BlueBoxDriver
func NewBlueBoxDriver(cfg config.ProvisionerConfig, check ReachabilityCheck) (*BlueBoxDriver, error) {
	bb := cfg.BlueBox
	if bb.CustomerID == "" || bb.APIKey == "" {
		return nil, fmt.Errorf("blue_box requires customer_id and api_key")
	}

	apiURL := bb.APIURL
	if apiURL == "" {
		apiURL = defaultBlueBoxAPI
	}
	client, err := newRESTClient("bluebox", apiURL, func(req *retryablehttp.Request) {
		req.SetBasicAuth(bb.CustomerID, bb.APIKey)
	})
	if err != nil {
		return nil, err
	}

	return &BlueBoxDriver{
		driverBase: newDriverBase(cfg, check),
		cfg:        bb,
		client:     client,
	}, nil
}

func (d *BlueBoxDriver) Name() string { return string(config.ProviderBlueBox) }

// ListInstances lists all blocks of the account
func (d *BlueBoxDriver) ListInstances(ctx context.Context) ([]*VirtualMachine, error) {
	var blocks []blueBoxBlock
	if err := d.client.do(ctx, http.MethodGet, "/api/blocks.json", nil, nil, &blocks); err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	vms := make([]*VirtualMachine, 0, len(blocks))
	for _, b := range blocks {
		vms = append(vms, d.toVM(b, ""))
	}
	return vms, nil
}

// CreateInstance creates a block and waits until it runs and accepts the
// login credentials.
func (d *BlueBoxDriver) CreateInstance(ctx context.Context, spec InstanceSpec) (*VirtualMachine, error) {
	query := url.Values{}
	query.Set("product", d.cfg.FlavorID)
	query.Set("hostname", spec.Hostname)
	query.Set("username", spec.Credentials.User)
	query.Set("password", spec.Credentials.Password)
	if spec.Credentials.PublicKey != "" {
		query.Set("ssh_public_key", spec.Credentials.PublicKey)
	}
	if d.cfg.LocationID != "" {
		query.Set("location", d.cfg.LocationID)
	}
	image := spec.ImageID
	if image == "" {
		image = d.cfg.ImageID
	}
	query.Set("template", image)

	var block blueBoxBlock
	if err := d.client.do(ctx, http.MethodPost, "/api/blocks.json", query, nil, &block); err != nil {
		return nil, fmt.Errorf("failed to create block: %w", err)
	}
	vm := d.toVM(block, spec.Credentials.User)

	logging.Logger().Info("Block created, waiting for it to run",
		zap.String("id", vm.ID),
		zap.String("hostname", vm.Hostname),
		zap.String("template", image))

	err := d.waitForState(ctx, vm.ID, func(ctx context.Context) (State, error) {
		var current blueBoxBlock
		if err := d.client.do(ctx, http.MethodGet, "/api/blocks/"+url.PathEscape(vm.ID)+".json", nil, nil, &current); err != nil {
			return "", err
		}
		refreshed := d.toVM(current, vm.Username)
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

// SaveTemplate creates a template from the block and waits until it shows up
// in the private catalog.
func (d *BlueBoxDriver) SaveTemplate(ctx context.Context, vm *VirtualMachine, description string) (*Template, error) {
	name := namespaced(d.namespace, description)

	query := url.Values{}
	query.Set("id", vm.ID)
	query.Set("description", name)
	if err := d.client.do(ctx, http.MethodPost, "/api/block_templates.json", query, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	var found Template
	err := d.waitForTemplate(ctx, name, func(ctx context.Context) (TemplateStatus, error) {
		templates, err := d.templates(ctx)
		if err != nil {
			return "", err
		}
		for _, t := range templates {
			if !t.Public && t.Name == name {
				found = t
				return TemplateActive, nil
			}
		}
		return TemplatePending, nil
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

// LatestTemplate returns the newest private namespaced template matching pattern
func (d *BlueBoxDriver) LatestTemplate(ctx context.Context, pattern string) (Template, bool, error) {
	templates, err := d.templates(ctx)
	if err != nil {
		return Template{}, false, err
	}
	return SelectLatest(templates, d.namespace, pattern)
}

// DestroyInstance deletes the block. Missing blocks are already destroyed.
func (d *BlueBoxDriver) DestroyInstance(ctx context.Context, vm *VirtualMachine) error {
	if vm.State == StateTerminated {
		return nil
	}
	err := d.client.do(ctx, http.MethodDelete, "/api/blocks/"+url.PathEscape(vm.ID)+".json", nil, nil, nil)
	if err != nil && !isHTTPNotFound(err) {
		return fmt.Errorf("failed to destroy block %s: %w", vm.ID, err)
	}
	vm.State = StateTerminated
	return nil
}

func (d *BlueBoxDriver) templates(ctx context.Context) ([]Template, error) {
	var raw []blueBoxTemplate
	if err := d.client.do(ctx, http.MethodGet, "/api/block_templates.json", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templates := make([]Template, 0, len(raw))
	for _, t := range raw {
		templates = append(templates, Template{
			ID:        t.ID,
			Name:      t.Description,
			CreatedAt: parseTimestamp(t.Created),
			Public:    t.Public,
			Status:    TemplateActive,
		})
	}
	return templates, nil
}

func (d *BlueBoxDriver) toVM(b blueBoxBlock, username string) *VirtualMachine {
	vm := &VirtualMachine{
		ID:       b.ID,
		Hostname: b.Hostname,
		Username: username,
		State:    normalizeBlueBoxStatus(b.Status),
		Zone:     d.cfg.LocationID,
	}
	if len(b.IPs) > 0 {
		vm.Address = b.IPs[0].Address
	}
	return vm
}

func normalizeBlueBoxStatus(status string) State {
	switch status {
	case "running":
		return StateRunning
	case "error":
		return StateError
	case "terminated", "deleted":
		return StateTerminated
	default:
		return StatePending
	}
}

// parseTimestamp accepts the timestamp layouts REST providers return. An
// unparseable value sorts as the oldest.
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05-07:00", "2006-01-02 15:04:05 MST", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
