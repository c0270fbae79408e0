package images_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"cloudimages/internal/images"
	"cloudimages/internal/metrics"
	"cloudimages/internal/pipeline"
	"cloudimages/internal/provisioning"
	"cloudimages/internal/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Image creation", func() {
	var (
		ctx      context.Context
		driver   *FakeDriver
		shell    *FakeShell
		connErr  error
		out      *bytes.Buffer
		stateDir string
		now      time.Time
	)

	newManager := func() *images.Manager {
		return images.NewManager(driver, NewMockKeyProvider(), StaticRevision("abc1234"), images.Settings{
			User:        "travis",
			DefaultDist: "trusty",
			SSHDial:     time.Second,
			Pipeline: pipeline.Settings{
				User:          "travis",
				ChefVersion:   "11.16.2-1",
				CookbooksRepo: "travis-ci/travis-cookbooks",
				GitHubAPI:     "https://api.github.com",
				TemplatesPath: GinkgoT().TempDir(),
			},
			StateDir: stateDir,
		},
			images.WithOutput(out),
			images.WithShellFactory(ShellFactoryFor(shell, connErr)),
			images.WithClock(func() time.Time { return now }),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = &FakeDriver{}
		shell = &FakeShell{}
		connErr = nil
		out = &bytes.Buffer{}
		stateDir = GinkgoT().TempDir()
		now = time.Date(2015, 6, 1, 12, 7, 0, 0, time.UTC)
	})

	Context("End-to-end standard image", func() {
		It("skips the base lookup, runs every stage, saves and destroys", func() {
			outcome, err := newManager().Create(ctx, images.CreateOptions{ImageType: "standard"})
			Expect(err).NotTo(HaveOccurred())

			By("not looking up a base template")
			Expect(driver.Lookups).To(BeEmpty())
			Expect(driver.Created).To(HaveLen(1))
			Expect(driver.Created[0].ImageID).To(BeEmpty())
			Expect(driver.Created[0].Hostname).To(Equal("provisioning-trusty-standard-1433160420"))
			Expect(driver.Created[0].Credentials.User).To(Equal("travis"))
			Expect(driver.Created[0].Credentials.Password).NotTo(BeEmpty())

			By("running all five stages")
			Expect(outcome.Pipeline.Success).To(BeTrue())
			joined := strings.Join(shell.Commands, "\n")
			Expect(joined).To(ContainSubstring("sudo usermod -s /bin/bash 'travis'"))
			Expect(joined).To(ContainSubstring("install.sh"))
			Expect(joined).To(ContainSubstring("cookbooks.tar.gz"))
			Expect(joined).To(ContainSubstring("sudo chef-solo"))
			Expect(shell.Commands[len(shell.Commands)-1]).To(Equal("sudo apt-get clean"))
			Expect(shell.Closed).To(BeTrue())

			By("saving a template named after the type and a UTC timestamp")
			Expect(driver.Saved).To(HaveLen(1))
			desc := driver.Saved[0]
			Expect(desc).To(Equal("trusty-standard-2015-06-01-12-07-abc1234"))
			parts := strings.Split(desc, "-")
			Expect(parts).To(ContainElement("standard"))
			_, perr := time.Parse("2006-01-02-15-04", strings.Join(parts[2:7], "-"))
			Expect(perr).NotTo(HaveOccurred())
			Expect(outcome.Template.Name).To(Equal("travis-" + desc))

			By("destroying the instance once")
			Expect(driver.Destroyed).To(Equal([]string{"provisioning-trusty-standard-1433160420"}))
			Expect(outcome.Kept).To(BeFalse())

			Expect(outcome.Run.Phases()).To(Equal([]state.Phase{
				state.PhaseProvisioning,
				state.PhasePipelineRunning,
				state.PhaseSnapshotting,
				state.PhaseCleaningUp,
				state.PhaseDone,
			}))
			Expect(outcome.Run.Outcome).To(Equal(state.OutcomeSucceeded))
			Expect(out.String()).To(ContainSubstring("template travis-" + desc + " created!"))
			Expect(out.String()).To(ContainSubstring("VM 'provisioning-trusty-standard-1433160420' destroyed"))
		})

		It("writes the run record", func() {
			outcome, err := newManager().Create(ctx, images.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			saved, err := state.Load(filepath.Join(stateDir, outcome.Run.ID+".json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.ImageType).To(Equal("standard"))
			Expect(saved.Destroyed).To(BeTrue())
			Expect(saved.Template).To(Equal(outcome.Template.Name))
		})

		It("records metrics", func() {
			recorder := metrics.NewRecorder("", "")
			m := images.NewManager(driver, NewMockKeyProvider(), StaticRevision("abc1234"),
				images.Settings{User: "travis", DefaultDist: "trusty", Pipeline: pipeline.Settings{TemplatesPath: GinkgoT().TempDir()}},
				images.WithShellFactory(ShellFactoryFor(shell, nil)),
				images.WithRecorder(recorder))

			_, err := m.Create(ctx, images.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			families, err := recorder.Registry().Gather()
			Expect(err).NotTo(HaveOccurred())
			var names []string
			for _, f := range families {
				names = append(names, f.GetName())
			}
			Expect(names).To(ContainElements(
				"cloud_images_workflow_runs_total",
				"cloud_images_workflow_phase_duration_seconds",
				"cloud_images_instances_destroyed_total",
			))
		})
	})

	Context("Base image resolution", func() {
		BeforeEach(func() {
			driver.Catalog = []provisioning.Template{
				{ID: "std-old", Name: "travis-trusty-standard-2015-01-01-00-00-aaaaaaa", CreatedAt: now.Add(-48 * time.Hour), Status: provisioning.TemplateActive},
				{ID: "std-new", Name: "travis-trusty-standard-2015-05-01-00-00-bbbbbbb", CreatedAt: now.Add(-24 * time.Hour), Status: provisioning.TemplateActive},
				{ID: "public", Name: "travis-trusty-standard-2015-05-30-00-00-ccccccc", CreatedAt: now, Public: true, Status: provisioning.TemplateActive},
			}
		})

		It("boots derived types from the latest standard template", func() {
			_, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby"})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Lookups).To(Equal([]string{images.TemplatePattern("trusty", "standard")}))
			Expect(driver.Created[0].ImageID).To(Equal("std-new"))

			By("skipping the environment setup")
			Expect(strings.Join(shell.Commands, "\n")).NotTo(ContainSubstring("usermod"))
		})

		It("falls back to the default dist", func() {
			_, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby", Dist: "precise"})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Lookups).To(Equal([]string{
				images.TemplatePattern("precise", "standard"),
				images.TemplatePattern("trusty", "standard"),
			}))
			Expect(driver.Created[0].ImageID).To(Equal("std-new"))
			Expect(driver.Created[0].Hostname).To(HavePrefix("provisioning-precise-ruby-"))
		})

		It("falls back to the provider default image", func() {
			driver.Catalog = nil
			_, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby"})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Lookups).To(HaveLen(1))
			Expect(driver.Created[0].ImageID).To(BeEmpty())
		})

		It("honours an explicitly disabled custom base", func() {
			disabled := false
			_, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby", CustomBase: &disabled})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Lookups).To(BeEmpty())
			Expect(strings.Join(shell.Commands, "\n")).To(ContainSubstring("usermod"))
		})

		It("adds the tag to hostname and description", func() {
			_, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby", Tag: "gce"})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Created[0].Hostname).To(Equal("provisioning-trusty-gce-ruby-1433160420"))
			Expect(driver.Saved).To(Equal([]string{"trusty-gce-ruby-2015-06-01-12-07-abc1234"}))
		})
	})

	Context("Failure cleanup", func() {
		type failure struct {
			inject  func()
			wantErr error
		}

		inject := map[string]failure{
			"create timeout": {
				inject:  func() { driver.CreateErr, driver.Partial = provisioning.ErrInfrastructureUnavailable, true },
				wantErr: provisioning.ErrInfrastructureUnavailable,
			},
			"unreachable after boot": {
				inject:  func() { driver.CreateErr, driver.Partial = provisioning.ErrUnreachableAfterBoot, true },
				wantErr: provisioning.ErrUnreachableAfterBoot,
			},
			"pipeline failure": {
				inject:  func() { shell.FailOn = "chef-solo" },
				wantErr: images.ErrPipelineFailed,
			},
			"snapshot timeout": {
				inject:  func() { driver.SaveErr = provisioning.ErrSnapshotFailed },
				wantErr: provisioning.ErrSnapshotFailed,
			},
			"unexpected error": {
				inject:  func() { connErr = errors.New("connection reset") },
				wantErr: nil,
			},
		}

		DescribeTable("destroys the instance exactly once",
			func(point string) {
				f := inject[point]
				f.inject()

				outcome, err := newManager().Create(ctx, images.CreateOptions{ImageType: "standard"})
				Expect(err).To(HaveOccurred())
				if f.wantErr != nil {
					Expect(errors.Is(err, f.wantErr)).To(BeTrue(), "got %v", err)
				}
				Expect(driver.Destroyed).To(HaveLen(1))
				Expect(outcome.Run.CurrentPhase()).To(Equal(state.PhaseDone))
				Expect(outcome.Run.Outcome).To(Equal(state.OutcomeFailed))
				Expect(out.String()).To(ContainSubstring("destroyed"))
			},
			Entry("create timeout", "create timeout"),
			Entry("unreachable after boot", "unreachable after boot"),
			Entry("pipeline failure", "pipeline failure"),
			Entry("snapshot timeout", "snapshot timeout"),
			Entry("unexpected error", "unexpected error"),
		)

		DescribeTable("never destroys a kept instance",
			func(point string) {
				inject[point].inject()

				outcome, err := newManager().Create(ctx, images.CreateOptions{ImageType: "standard", Keep: true})
				Expect(err).To(HaveOccurred())
				Expect(driver.Destroyed).To(BeEmpty())
				Expect(outcome.Kept).To(BeTrue())
				Expect(out.String()).To(ContainSubstring("ssh travis@192.0.2.10"))
				Expect(out.String()).To(ContainSubstring("password: " + outcome.Credentials.Password))
			},
			Entry("create timeout", "create timeout"),
			Entry("unreachable after boot", "unreachable after boot"),
			Entry("pipeline failure", "pipeline failure"),
			Entry("snapshot timeout", "snapshot timeout"),
			Entry("unexpected error", "unexpected error"),
		)

		It("reports the failed stage and command without saving", func() {
			shell.FailOn = "chef-solo"

			outcome, err := newManager().Create(ctx, images.CreateOptions{ImageType: "ruby"})

			var failure *images.StageFailure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Stage).To(Equal(pipeline.StageRunConfigurationTool))
			Expect(failure.ExitStatus).To(Equal(1))
			Expect(driver.Saved).To(BeEmpty())
			Expect(outcome.Run.FailedStage).To(Equal(pipeline.StageRunConfigurationTool))
			Expect(out.String()).To(ContainSubstring("stage: RunConfigurationTool"))
			Expect(out.String()).To(ContainSubstring("command: sudo chef-solo"))
			Expect(outcome.Run.Phases()).NotTo(ContainElement(state.PhaseSnapshotting))
		})

		It("does not destroy anything when nothing was allocated", func() {
			driver.CreateErr = provisioning.ErrInfrastructureUnavailable

			outcome, err := newManager().Create(ctx, images.CreateOptions{})
			Expect(errors.Is(err, provisioning.ErrInfrastructureUnavailable)).To(BeTrue())
			Expect(driver.Destroyed).To(BeEmpty())
			Expect(outcome.Run.Phases()).To(Equal([]state.Phase{state.PhaseProvisioning, state.PhaseDone}))
		})

		It("keeps the original error when cleanup fails", func() {
			shell.FailOn = "chef-solo"
			driver.DestroyErr = errors.New("api down")

			_, err := newManager().Create(ctx, images.CreateOptions{})
			Expect(errors.Is(err, images.ErrPipelineFailed)).To(BeTrue())
			Expect(driver.Destroyed).To(HaveLen(1))
			Expect(out.String()).To(ContainSubstring("clean it up manually"))
		})

		It("does not report success when cleanup fails", func() {
			driver.DestroyErr = errors.New("api down")

			outcome, err := newManager().Create(ctx, images.CreateOptions{})
			Expect(err).To(MatchError(ContainSubstring("api down")))
			Expect(outcome.Template).NotTo(BeNil())
		})

		DescribeTable("rejects names that cannot be used as hostnames or bundle files",
			func(opts images.CreateOptions) {
				_, err := newManager().Create(ctx, opts)
				Expect(errors.Is(err, images.ErrInvalidName)).To(BeTrue())
				Expect(driver.Created).To(BeEmpty())
				Expect(driver.Lookups).To(BeEmpty())
			},
			Entry("image type outside the bundle", images.CreateOptions{ImageType: "../x"}),
			Entry("dist with a slash", images.CreateOptions{ImageType: "ruby", Dist: "trusty/x"}),
			Entry("tag with a space", images.CreateOptions{ImageType: "ruby", Tag: "a b"}),
		)

		It("still cleans up after the context is cancelled", func() {
			driver.SaveErr = context.Canceled
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := newManager().Create(cctx, images.CreateOptions{})
			Expect(err).To(HaveOccurred())
			Expect(driver.Destroyed).To(HaveLen(1))
		})
	})
})
