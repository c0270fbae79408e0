package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ProviderType selects one of the supported cloud backends.
type ProviderType string

const (
	ProviderBlueBox      ProviderType = "blue_box"
	ProviderOpenStack    ProviderType = "open_stack"
	ProviderSauceLabs    ProviderType = "sauce_labs"
	ProviderAWS          ProviderType = "aws"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderGCP          ProviderType = "gcp"
	ProviderYandexCloud  ProviderType = "yandex_cloud"
	ProviderHCloud       ProviderType = "hcloud"
)

// Providers lists every supported backend in a stable order.
var Providers = []ProviderType{
	ProviderBlueBox,
	ProviderOpenStack,
	ProviderSauceLabs,
	ProviderAWS,
	ProviderDigitalOcean,
	ProviderGCP,
	ProviderYandexCloud,
	ProviderHCloud,
}

const (
	defaultConfigPath = "config/cloud_images.yml"
	defaultNamespace  = "travis"
	defaultUsername   = "travis"
	defaultDist       = "trusty"
)

// Config contains application configuration
type Config struct {
	// Prefix of every template this tool creates or considers for reuse
	Namespace string `yaml:"namespace"`
	// Login user created on provisioning VMs
	Username string `yaml:"username"`

	DefaultDist   string `yaml:"default_dist"`
	TemplatesPath string `yaml:"templates_path"`
	// Directory receiving a JSON record of every create run, optional
	StateDir string `yaml:"state_dir"`

	Cookbooks   CookbooksConfig `yaml:"cookbooks"`
	Etcd        EtcdConfig      `yaml:"etcd"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	TimeoutsRaw TimeoutsRaw     `yaml:"timeouts"`

	// Provider sections keyed by account name (org, pro, ...)
	Accounts map[string]AccountConfig `yaml:"accounts"`

	// Parsed from TimeoutsRaw by Load
	Timeouts Timeouts `yaml:"-"`
}

// CookbooksConfig describes where the configuration bundle comes from.
type CookbooksConfig struct {
	Repo        string `yaml:"repo"`
	GitHubAPI   string `yaml:"github_api"`
	ChefVersion string `yaml:"chef_version"`
}

// EtcdConfig holds the optional etcd endpoints used to persist the login key pair.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout int      `yaml:"dial_timeout"` // seconds
}

// MetricsConfig configures the optional Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// TimeoutsRaw mirrors Timeouts with duration strings as they appear in YAML.
type TimeoutsRaw struct {
	Ready                string `yaml:"ready"`
	ReadyPoll            string `yaml:"ready_poll"`
	ReachabilityAttempts int    `yaml:"reachability_attempts"`
	ReachabilityInterval string `yaml:"reachability_interval"`
	SnapshotPoll         string `yaml:"snapshot_poll"`
	SnapshotTimeout      string `yaml:"snapshot_timeout"`
	SSHDial              string `yaml:"ssh_dial"`
}

// Timeouts bounds every blocking wait of the create workflow.
type Timeouts struct {
	Ready                time.Duration
	ReadyPoll            time.Duration
	ReachabilityAttempts int
	ReachabilityInterval time.Duration
	SnapshotPoll         time.Duration
	SnapshotTimeout      time.Duration
	SSHDial              time.Duration
}

// DefaultTimeouts returns the values used when the config file leaves them out.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ready:                10 * time.Minute,
		ReadyPoll:            5 * time.Second,
		ReachabilityAttempts: 15,
		ReachabilityInterval: 5 * time.Second,
		SnapshotPoll:         3 * time.Second,
		SnapshotTimeout:      30 * time.Minute,
		SSHDial:              30 * time.Second,
	}
}

// AccountConfig holds the provider sections of one account.
type AccountConfig struct {
	BlueBox      *BlueBoxConfig      `yaml:"blue_box"`
	OpenStack    *OpenStackConfig    `yaml:"open_stack"`
	SauceLabs    *SauceLabsConfig    `yaml:"sauce_labs"`
	AWS          *AWSConfig          `yaml:"aws"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean"`
	GCP          *GCPConfig          `yaml:"gcp"`
	YandexCloud  *YandexCloudConfig  `yaml:"yandex_cloud"`
	HCloud       *HCloudConfig       `yaml:"hcloud"`
}

type BlueBoxConfig struct {
	CustomerID string `yaml:"customer_id"`
	APIKey     string `yaml:"api_key"`
	APIURL     string `yaml:"api_url"`
	ImageID    string `yaml:"image_id"`
	FlavorID   string `yaml:"flavor_id"`
	LocationID string `yaml:"location_id"`
}

type OpenStackConfig struct {
	AuthURL           string `yaml:"auth_url"`
	Username          string `yaml:"username"`
	APIKey            string `yaml:"api_key"`
	Tenant            string `yaml:"tenant"`
	Domain            string `yaml:"domain"`
	Region            string `yaml:"region"`
	FlavorID          string `yaml:"flavor_id"`
	ImageID           string `yaml:"image_id"`
	InternalNetworkID string `yaml:"internal_network_id"`
	ExternalNetworkID string `yaml:"external_network_id"`
}

type SauceLabsConfig struct {
	APIEndpoint  string `yaml:"api_endpoint"`
	DefaultImage string `yaml:"default_image"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	DefaultImage    string `yaml:"default_image"`
	InstanceType    string `yaml:"instance_type"`
	SubnetID        string `yaml:"subnet_id"`
	SecurityGroupID string `yaml:"security_group_id"`
}

type DigitalOceanConfig struct {
	Token         string `yaml:"token"`
	APIURL        string `yaml:"api_url"`
	DefaultRegion string `yaml:"default_region"`
	DefaultImage  string `yaml:"default_image"`
	DefaultSize   string `yaml:"default_size"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsPath string `yaml:"credentials_path"`
	DefaultZone     string `yaml:"default_zone"`
	DefaultImage    string `yaml:"default_image"`
	MachineType     string `yaml:"machine_type"`
	DiskSizeGB      int64  `yaml:"disk_size_gb"`
}

type YandexCloudConfig struct {
	IAMToken     string `yaml:"iam_token"`
	FolderID     string `yaml:"folder_id"`
	DefaultZone  string `yaml:"default_zone"`
	DefaultImage string `yaml:"default_image"`
	PlatformID   string `yaml:"platform_id"`
	Cores        int64  `yaml:"cores"`
	MemoryGB     int64  `yaml:"memory_gb"`
	DiskSizeGB   int64  `yaml:"disk_size_gb"`
}

type HCloudConfig struct {
	Token        string `yaml:"token"`
	Endpoint     string `yaml:"endpoint"`
	Location     string `yaml:"location"`
	ServerType   string `yaml:"server_type"`
	DefaultImage string `yaml:"default_image"`
}

// ProvisionerConfig is the selected backend of one account: Type names which of
// the provider sections is set.
type ProvisionerConfig struct {
	Type      ProviderType
	Account   string
	Namespace string
	Timeouts  Timeouts

	BlueBox      *BlueBoxConfig
	OpenStack    *OpenStackConfig
	SauceLabs    *SauceLabsConfig
	AWS          *AWSConfig
	DigitalOcean *DigitalOceanConfig
	GCP          *GCPConfig
	YandexCloud  *YandexCloudConfig
	HCloud       *HCloudConfig
}

// Load loads configuration from a YAML file. An empty path falls back to
// CONFIG_PATH and then to config/cloud_images.yml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and expands environment
// variables in string fields.
func Parse(data []byte) (*Config, error) {
	config := &Config{
		Namespace:   defaultNamespace,
		Username:    defaultUsername,
		DefaultDist: defaultDist,
		Cookbooks: CookbooksConfig{
			Repo:        "travis-ci/travis-cookbooks",
			GitHubAPI:   "https://api.github.com",
			ChefVersion: "11.16.2-1",
		},
		Etcd:    EtcdConfig{DialTimeout: 5},
		Metrics: MetricsConfig{Job: "cloud_images"},
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	timeouts, err := config.TimeoutsRaw.parse()
	if err != nil {
		return nil, err
	}
	config.Timeouts = timeouts

	if config.Namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	if strings.Contains(config.Namespace, "-") {
		return nil, fmt.Errorf("namespace %q must not contain '-'", config.Namespace)
	}

	return config, nil
}

func (r TimeoutsRaw) parse() (Timeouts, error) {
	t := DefaultTimeouts()

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ready", r.Ready, &t.Ready},
		{"ready_poll", r.ReadyPoll, &t.ReadyPoll},
		{"reachability_interval", r.ReachabilityInterval, &t.ReachabilityInterval},
		{"snapshot_poll", r.SnapshotPoll, &t.SnapshotPoll},
		{"snapshot_timeout", r.SnapshotTimeout, &t.SnapshotTimeout},
		{"ssh_dial", r.SSHDial, &t.SSHDial},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Timeouts{}, fmt.Errorf("invalid timeouts.%s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return Timeouts{}, fmt.Errorf("timeouts.%s must be positive", f.name)
		}
		*f.dst = d
	}

	if r.ReachabilityAttempts < 0 {
		return Timeouts{}, fmt.Errorf("timeouts.reachability_attempts must not be negative")
	}
	if r.ReachabilityAttempts > 0 {
		t.ReachabilityAttempts = r.ReachabilityAttempts
	}
	return t, nil
}

// AccountNames returns the configured account names, sorted.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provisioner selects the provider section of an account.
func (c *Config) Provisioner(provider ProviderType, account string) (ProvisionerConfig, error) {
	acc, ok := c.Accounts[account]
	if !ok {
		return ProvisionerConfig{}, fmt.Errorf("unknown account %q (configured: %s)", account, strings.Join(c.AccountNames(), ", "))
	}

	pc := ProvisionerConfig{
		Type:      provider,
		Account:   account,
		Namespace: c.Namespace,
		Timeouts:  c.Timeouts,
	}

	var present bool
	switch provider {
	case ProviderBlueBox:
		pc.BlueBox, present = acc.BlueBox, acc.BlueBox != nil
	case ProviderOpenStack:
		pc.OpenStack, present = acc.OpenStack, acc.OpenStack != nil
	case ProviderSauceLabs:
		pc.SauceLabs, present = acc.SauceLabs, acc.SauceLabs != nil
	case ProviderAWS:
		pc.AWS, present = acc.AWS, acc.AWS != nil
	case ProviderDigitalOcean:
		pc.DigitalOcean, present = acc.DigitalOcean, acc.DigitalOcean != nil
	case ProviderGCP:
		pc.GCP, present = acc.GCP, acc.GCP != nil
	case ProviderYandexCloud:
		pc.YandexCloud, present = acc.YandexCloud, acc.YandexCloud != nil
	case ProviderHCloud:
		pc.HCloud, present = acc.HCloud, acc.HCloud != nil
	default:
		return ProvisionerConfig{}, fmt.Errorf("unsupported provider type: %s", provider)
	}
	if !present {
		return ProvisionerConfig{}, fmt.Errorf("account %q has no %s section", account, provider)
	}

	applyEnvOverrides(&pc)
	return pc, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the file.
func applyEnvOverrides(pc *ProvisionerConfig) {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	switch pc.Type {
	case ProviderBlueBox:
		override(&pc.BlueBox.APIKey, "BLUEBOX_API_KEY")
	case ProviderOpenStack:
		override(&pc.OpenStack.APIKey, "OS_PASSWORD")
	case ProviderAWS:
		override(&pc.AWS.AccessKeyID, "AWS_ACCESS_KEY_ID")
		override(&pc.AWS.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	case ProviderDigitalOcean:
		override(&pc.DigitalOcean.Token, "DIGITALOCEAN_TOKEN")
	case ProviderYandexCloud:
		override(&pc.YandexCloud.IAMToken, "YC_TOKEN")
		override(&pc.YandexCloud.FolderID, "YC_FOLDER_ID")
	case ProviderHCloud:
		override(&pc.HCloud.Token, "HCLOUD_TOKEN")
	}
}
