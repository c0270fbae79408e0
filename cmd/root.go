/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloudimages/internal/config"
	"cloudimages/internal/images"
	"cloudimages/internal/logging"
	"cloudimages/internal/metrics"
	"cloudimages/internal/pipeline"
	"cloudimages/internal/provisioning"
	"cloudimages/internal/revision"
	"cloudimages/internal/ssh"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	provider   string
	account    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cloud-images",
	Short: "Build and manage CI base images on cloud providers",
	Long: `cloud-images boots a VM on a cloud provider, provisions it with the
configuration bundle and saves it as a template that later VMs boot from.
It also boots debug VMs from those templates and reclaims leftovers.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		_ = logging.Sync()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or config/cloud_images.yml)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", string(config.ProviderBlueBox), "which cloud VM provider to use")
	rootCmd.PersistentFlags().StringVarP(&account, "account", "a", "org", "which cloud VM account to use, e.g. org, pro")
}

// session is everything a command needs to talk to one provider account
type session struct {
	manager  *images.Manager
	recorder *metrics.Recorder
	keys     ssh.KeyProvider
}

// newSession loads the configuration and builds the driver of the selected
// provider account.
func newSession(cmd *cobra.Command, opts ...images.Option) (*session, error) {
	ctx := cmd.Context()

	logging.Logger().Info("Loading configuration")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	pc, err := cfg.Provisioner(config.ProviderType(provider), account)
	if err != nil {
		return nil, err
	}

	logging.Logger().Info("Creating driver",
		zap.String("provider", string(pc.Type)),
		zap.String("account", pc.Account))
	driver, err := provisioning.NewDriver(ctx, pc, provisioning.SSHReachability(cfg.Timeouts.SSHDial))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", pc.Type, err)
	}

	keys := ssh.NewKeyProvider(cfg.Etcd.Endpoints, time.Duration(cfg.Etcd.DialTimeout)*time.Second, cfg.Namespace)
	recorder := metrics.NewRecorder(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)

	opts = append([]images.Option{
		images.WithOutput(cmd.OutOrStdout()),
		images.WithRecorder(recorder),
	}, opts...)

	manager := images.NewManager(driver, keys, revision.NewResolver(cfg.Cookbooks.GitHubAPI), images.Settings{
		User:        cfg.Username,
		DefaultDist: cfg.DefaultDist,
		SSHDial:     cfg.Timeouts.SSHDial,
		Pipeline: pipeline.Settings{
			User:          cfg.Username,
			ChefVersion:   cfg.Cookbooks.ChefVersion,
			CookbooksRepo: cfg.Cookbooks.Repo,
			GitHubAPI:     cfg.Cookbooks.GitHubAPI,
			TemplatesPath: cfg.TemplatesPath,
		},
		StateDir: cfg.StateDir,
	}, opts...)

	return &session{manager: manager, recorder: recorder, keys: keys}, nil
}

// Close pushes the collected metrics and releases the key store
func (s *session) Close(ctx context.Context) {
	if err := s.recorder.Push(context.WithoutCancel(ctx)); err != nil {
		logging.Logger().Warn("failed to push metrics", zap.Error(err))
	}
	if err := s.keys.Close(); err != nil {
		logging.Logger().Warn("failed to close key provider", zap.Error(err))
	}
}
