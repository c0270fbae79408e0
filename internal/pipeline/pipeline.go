package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"cloudimages/internal/logging"

	"go.uber.org/zap"
)

// Stage names, in execution order.
const (
	StageSetupEnvironment         = "SetupEnvironment"
	StageInstallConfigTool        = "InstallConfigTool"
	StageFetchConfigurationBundle = "FetchConfigurationBundle"
	StageRunConfigurationTool     = "RunConfigurationTool"
	StageCleanUp                  = "CleanUp"
)

// StandardImageType is the base image type every other type builds on.
const StandardImageType = "standard"

const (
	workDir      = "/tmp/vm-provisioning"
	assetsDir    = workDir + "/assets"
	soloRBPath   = assetsDir + "/solo.rb"
	soloJSONPath = assetsDir + "/solo.json"
	cookbooksDir = workDir + "/cookbooks"
)

var setupEnvironmentCommands = []string{
	"sudo usermod -s /bin/bash {{quote .User}}",
	"sudo apt-get -y update",
	"sudo apt-get -y -qq upgrade",
	"sudo apt-get -y -qq install bash curl build-essential bison openssl vim wget",
	"sudo rm /dev/null",
	"sudo mknod -m 0666 /dev/null c 1 3",
	"sudo apt-get -y install --reinstall language-pack-en",
	`export LANG="en_US.UTF-8"`,
}

var installConfigToolCommands = []string{
	"mkdir -p " + workDir,
	"cd " + workDir,
	"curl -L https://www.opscode.com/chef/install.sh | sudo bash -s -- -v {{quote .ChefVersion}}",
}

var fetchBundleCommands = []string{
	"mkdir -p " + assetsDir + "/cache",
	"cd " + workDir,
	"rm -rf cookbooks",
	"curl -fL {{quote .TarballURL}} > cookbooks.tar.gz",
	"tar xzf cookbooks.tar.gz",
	"mv {{quote .ArchivePrefix}}-* cookbooks",
	"rm cookbooks.tar.gz",
}

var cleanUpCommands = []string{
	"cd ~",
	"sudo rm -rf " + workDir,
	"sudo rm -rf /opt/chef",
	"sudo apt-get clean",
}

const soloRB = `root = File.expand_path(File.dirname(__FILE__))
file_cache_path File.join(root, "cache")
cookbook_path [ "` + cookbooksDir + `/ci_environment" ]
log_location STDOUT
verbose_logging false
`

// Settings are the per-installation values the stages are rendered with.
type Settings struct {
	User          string
	ChefVersion   string
	CookbooksRepo string // GitHub slug, owner/name
	GitHubAPI     string
	TemplatesPath string
}

// Options select what one run provisions.
type Options struct {
	ImageType string
	Dist      string
	Branch    string
	// CustomBase false forces the environment setup even for derived types
	CustomBase *bool
	SkipSetup  bool
	// Revision is recorded in the solo document
	Revision string
}

// SkipSetupEnvironment reports whether the environment setup stage is left
// empty: when the caller asks for it, or when the image type builds on an
// already prepared base unless the caller explicitly disabled the custom base.
func (o Options) SkipSetupEnvironment() bool {
	if o.SkipSetup {
		return true
	}
	if o.CustomBase != nil && !*o.CustomBase {
		return false
	}
	return o.ImageType != StandardImageType
}

// Provisioner turns an image type into the five provisioning stages and runs
// them over one shell.
type Provisioner struct {
	shell    Shell
	settings Settings
	out      io.Writer
	log      bytes.Buffer
}

// NewProvisioner creates a provisioner writing remote output to out
func NewProvisioner(shell Shell, settings Settings, out io.Writer) *Provisioner {
	if out == nil {
		out = io.Discard
	}
	return &Provisioner{shell: shell, settings: settings, out: out}
}

// Log returns the output of every run so far
func (p *Provisioner) Log() string {
	return p.log.String()
}

// BundleDocument merges the common document with the one for imageType.
func (p *Provisioner) BundleDocument(imageType string) (Document, error) {
	common, err := LoadDocument(filepath.Join(p.settings.TemplatesPath, "common.yml"))
	if err != nil {
		return Document{}, err
	}
	specific, err := LoadDocument(filepath.Join(p.settings.TemplatesPath, imageType+".yml"))
	if err != nil {
		return Document{}, err
	}
	return Merge(common, specific), nil
}

// Stages renders the five stages for opts.
func (p *Provisioner) Stages(opts Options) ([]Stage, error) {
	doc, err := p.BundleDocument(opts.ImageType)
	if err != nil {
		return nil, err
	}
	solo, err := SoloDocument(doc, opts.Revision)
	if err != nil {
		return nil, err
	}

	branch := opts.Branch
	if branch == "" {
		branch = "master"
	}
	api := strings.TrimRight(p.settings.GitHubAPI, "/")
	if api == "" {
		api = "https://api.github.com"
	}
	ctx := map[string]string{
		"User":          p.settings.User,
		"ChefVersion":   p.settings.ChefVersion,
		"TarballURL":    api + "/repos/" + p.settings.CookbooksRepo + "/tarball/" + url.PathEscape(branch),
		"ArchivePrefix": strings.ReplaceAll(p.settings.CookbooksRepo, "/", "-"),
	}

	var setup []Step
	if !opts.SkipSetupEnvironment() {
		if setup, err = renderCommands(setupEnvironmentCommands, ctx); err != nil {
			return nil, err
		}
	}
	install, err := renderCommands(installConfigToolCommands, ctx)
	if err != nil {
		return nil, err
	}
	fetch, err := renderCommands(fetchBundleCommands, ctx)
	if err != nil {
		return nil, err
	}
	fetch = append(fetch, Step{Upload: &Upload{Path: soloRBPath, Content: []byte(soloRB), Mode: 0o644}})

	run := []Step{
		{Command: "sudo apt-get update -qq"},
		{Upload: &Upload{Path: soloJSONPath, Content: solo, Mode: 0o644}},
		{Command: "sudo chef-solo -c " + soloRBPath + " -j " + soloJSONPath},
	}

	return []Stage{
		{Name: StageSetupEnvironment, Steps: setup},
		{Name: StageInstallConfigTool, Steps: install},
		{Name: StageFetchConfigurationBundle, Steps: fetch},
		{Name: StageRunConfigurationTool, Steps: run},
		{Name: StageCleanUp, Steps: Commands(cleanUpCommands...)},
	}, nil
}

// FullRun renders and runs all stages. A failed command yields an
// unsuccessful Result; errors are reserved for shell and bundle failures.
func (p *Provisioner) FullRun(opts Options) (Result, error) {
	logging.Logger().Info("starting provisioning",
		zap.String("image_type", opts.ImageType),
		zap.String("dist", opts.Dist),
		zap.String("branch", opts.Branch),
		zap.Bool("skip_setup", opts.SkipSetupEnvironment()))

	stages, err := p.Stages(opts)
	if err != nil {
		return Result{}, fmt.Errorf("failed to prepare pipeline: %w", err)
	}

	result, err := Run(p.shell, stages, p.out)
	p.log.WriteString(result.Log)
	return result, err
}
