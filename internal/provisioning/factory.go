package provisioning

import (
	"context"
	"fmt"

	"cloudimages/internal/config"
)

// NewDriver creates the driver for the provider section cfg.Type selects.
// check may be nil, in which case the SSH probe is used.
func NewDriver(ctx context.Context, cfg config.ProvisionerConfig, check ReachabilityCheck) (Driver, error) {
	switch cfg.Type {
	case config.ProviderBlueBox:
		if cfg.BlueBox == nil {
			return nil, fmt.Errorf("blue_box config is nil")
		}
		return NewBlueBoxDriver(cfg, check)

	case config.ProviderOpenStack:
		if cfg.OpenStack == nil {
			return nil, fmt.Errorf("open_stack config is nil")
		}
		return NewOpenStackDriver(cfg, check)

	case config.ProviderSauceLabs:
		if cfg.SauceLabs == nil {
			return nil, fmt.Errorf("sauce_labs config is nil")
		}
		return NewSauceLabsDriver(cfg, check)

	case config.ProviderAWS:
		if cfg.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		return NewAWSDriver(ctx, cfg, check)

	case config.ProviderDigitalOcean:
		if cfg.DigitalOcean == nil {
			return nil, fmt.Errorf("digitalocean config is nil")
		}
		return NewDODriver(cfg, check)

	case config.ProviderGCP:
		if cfg.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		return NewGCPDriver(ctx, cfg, check)

	case config.ProviderYandexCloud:
		if cfg.YandexCloud == nil {
			return nil, fmt.Errorf("yandex_cloud config is nil")
		}
		return NewYandexDriver(ctx, cfg, check)

	case config.ProviderHCloud:
		if cfg.HCloud == nil {
			return nil, fmt.Errorf("hcloud config is nil")
		}
		return NewHCloudDriver(cfg, check)

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Type)
	}
}
