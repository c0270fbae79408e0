package images

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cloudimages/internal/control"
	"cloudimages/internal/logging"
	"cloudimages/internal/pipeline"
	"cloudimages/internal/provisioning"
	"cloudimages/internal/ssh"
	"cloudimages/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPipelineFailed matches every StageFailure.
var ErrPipelineFailed = errors.New("provisioning pipeline failed")

// StageFailure reports the pipeline step that exited non-zero.
type StageFailure struct {
	Stage      string
	Command    string
	ExitStatus int
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s: '%s' exited with status %d", e.Stage, e.Command, e.ExitStatus)
}

func (e *StageFailure) Is(target error) bool {
	return target == ErrPipelineFailed
}

// CreateOptions select the image a Create run builds.
type CreateOptions struct {
	ImageType string
	// Dist defaults to Settings.DefaultDist
	Dist string
	// Tag is an optional naming component, e.g. a region or variant
	Tag             string
	CookbooksBranch string
	// CustomBase forces (true) or disables (false) booting from the latest
	// standard template. Unset, every type but standard uses it.
	CustomBase *bool
	SkipSetup  bool
	// Keep preserves the instance instead of destroying it
	Keep bool
}

func (o CreateOptions) withDefaults(defaultDist string) (CreateOptions, error) {
	if o.ImageType == "" {
		o.ImageType = pipeline.StandardImageType
	}
	if o.Dist == "" {
		o.Dist = defaultDist
	}
	if o.CookbooksBranch == "" {
		o.CookbooksBranch = "master"
	}

	if err := ValidateName("image type", o.ImageType); err != nil {
		return o, err
	}
	if err := ValidateName("dist", o.Dist); err != nil {
		return o, err
	}
	if o.Tag != "" {
		if err := ValidateName("tag", o.Tag); err != nil {
			return o, err
		}
	}
	return o, nil
}

func (o CreateOptions) usesCustomBase() bool {
	if o.CustomBase != nil {
		return *o.CustomBase
	}
	return o.ImageType != pipeline.StandardImageType
}

// Outcome is what a Create run produced.
type Outcome struct {
	Run         *state.Run
	Instance    *provisioning.VirtualMachine
	Credentials control.Credentials
	Pipeline    pipeline.Result
	Template    *provisioning.Template
	// Kept is set when the instance was preserved instead of destroyed
	Kept bool
}

// workflow is the state of one Create run
type workflow struct {
	m       *Manager
	opts    CreateOptions
	outcome *Outcome

	phaseStarted time.Time
	failedPhase  state.Phase
}

// Create boots an instance, provisions it, saves it as a template and
// reclaims it. The instance is destroyed exactly once on every path, or
// never when opts.Keep is set. Cleanup errors are logged and never replace
// the error that stopped the run.
//
// A failing pipeline step is reported as a *StageFailure.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Outcome, error) {
	opts, err := opts.withDefaults(m.settings.DefaultDist)
	if err != nil {
		return nil, err
	}
	started := m.now()

	w := &workflow{
		m:    m,
		opts: opts,
		outcome: &Outcome{
			Run: state.New(uuid.NewString(), m.driver.Name(), opts.ImageType, opts.Dist),
		},
		phaseStarted: started,
	}

	logging.Logger().Info("creating image",
		zap.String("run_id", w.outcome.Run.ID),
		zap.String("provider", m.driver.Name()),
		zap.String("image_type", opts.ImageType),
		zap.String("dist", opts.Dist),
		zap.String("branch", opts.CookbooksBranch))
	fmt.Fprintf(m.out, "%s\nAbout to create and provision %s template\n\n", started.UTC().Format(time.RFC3339), opts.ImageType)

	err = w.build(ctx)
	if err != nil {
		w.failedPhase = w.outcome.Run.CurrentPhase()
	}

	cleanupErr := w.reclaim(ctx)
	w.report(err, cleanupErr)
	w.record(err)

	if err != nil {
		if cleanupErr != nil {
			logging.Logger().Error("cleanup failed after error",
				zap.String("run_id", w.outcome.Run.ID),
				zap.Error(cleanupErr))
		}
		return w.outcome, err
	}
	return w.outcome, cleanupErr
}

// build runs everything up to and including the template save. It never
// destroys the instance.
func (w *workflow) build(ctx context.Context) error {
	m, opts := w.m, w.opts

	base, err := w.resolveBase(ctx)
	if err != nil {
		return err
	}

	creds, err := ssh.LoginCredentials(ctx, m.keys, m.settings.User)
	if err != nil {
		return fmt.Errorf("failed to prepare login credentials: %w", err)
	}
	w.outcome.Credentials = creds

	spec := provisioning.InstanceSpec{
		Hostname:    Hostname(opts.Dist, opts.Tag, opts.ImageType, m.now()),
		ImageID:     base,
		Credentials: creds,
	}
	fmt.Fprintf(m.out, "Creating a vm with hostname %s from %s\n\n", spec.Hostname, imageLabel(base))

	vm, err := m.driver.CreateInstance(ctx, spec)
	if vm != nil {
		w.outcome.Instance = vm
		w.outcome.Run.Update(func(r *state.Run) {
			r.Instance = state.InstanceRecord{ID: vm.ID, Hostname: vm.Hostname, Address: vm.Address}
		})
	}
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", spec.Hostname, err)
	}
	fmt.Fprintf(m.out, "VM created: %s (%s) at %s\n\n", vm.Hostname, vm.ID, vm.Address)

	w.advance(state.PhasePipelineRunning)
	revision := m.revision.Resolve(ctx, m.settings.Pipeline.CookbooksRepo, opts.CookbooksBranch)

	result, err := w.provision(ctx, vm, creds, revision)
	w.outcome.Pipeline = result
	if err != nil {
		return fmt.Errorf("provisioning aborted: %w", err)
	}
	if !result.Success {
		w.outcome.Run.Update(func(r *state.Run) { r.FailedStage = result.Stage })
		return &StageFailure{Stage: result.Stage, Command: result.Command, ExitStatus: result.ExitStatus}
	}

	w.advance(state.PhaseSnapshotting)
	description := Description(opts.Dist, opts.Tag, opts.ImageType, m.now(), revision)
	logging.Logger().Info("saving template", zap.String("description", description))

	tmpl, err := m.driver.SaveTemplate(ctx, vm, description)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", description, err)
	}
	w.outcome.Template = tmpl
	w.outcome.Run.Update(func(r *state.Run) { r.Template = tmpl.Name })
	return nil
}

// resolveBase returns the image to boot from, empty for the provider default
func (w *workflow) resolveBase(ctx context.Context) (string, error) {
	if !w.opts.usesCustomBase() {
		return "", nil
	}

	tmpl, found, err := w.m.findTemplate(ctx, w.opts.Dist, pipeline.StandardImageType)
	if err != nil {
		return "", err
	}
	if !found {
		logging.Logger().Warn("no base template found, using the provider default image",
			zap.String("dist", w.opts.Dist))
		return "", nil
	}
	return tmpl.ID, nil
}

// provision runs the pipeline over a fresh remote shell
func (w *workflow) provision(ctx context.Context, vm *provisioning.VirtualMachine, creds control.Credentials, revision string) (pipeline.Result, error) {
	m := w.m

	shell, err := m.connect(ctx, control.Config{
		Host:         vm.Address,
		Credentials:  creds,
		DialTimeout:  m.settings.SSHDial,
		InstanceName: vm.Hostname,
	})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("failed to connect to %s: %w", vm.Address, err)
	}
	defer func() {
		if err := shell.Close(); err != nil {
			logging.Logger().Warn("failed to close remote shell",
				zap.String("instance", vm.Hostname),
				zap.Error(err))
		}
	}()

	fmt.Fprintln(m.out, "---------------------- STARTING THE TEMPLATE PROVISIONING ----------------------")
	p := pipeline.NewProvisioner(shell, m.settings.Pipeline, m.out)
	result, err := p.FullRun(pipeline.Options{
		ImageType:  w.opts.ImageType,
		Dist:       w.opts.Dist,
		Branch:     w.opts.CookbooksBranch,
		CustomBase: w.opts.CustomBase,
		SkipSetup:  w.opts.SkipSetup,
		Revision:   revision,
	})
	fmt.Fprintln(m.out, "---------------------- TEMPLATE PROVISIONING FINISHED ----------------------")
	return result, err
}

// reclaim destroys the instance unless it is kept. It runs once per workflow
// and ignores cancellation of ctx so an interrupted run still cleans up.
func (w *workflow) reclaim(ctx context.Context) error {
	vm := w.outcome.Instance
	if vm == nil {
		w.advance(state.PhaseDone)
		return nil
	}

	w.advance(state.PhaseCleaningUp)
	defer w.advance(state.PhaseDone)

	if w.opts.Keep {
		w.outcome.Kept = true
		w.outcome.Run.Update(func(r *state.Run) { r.Kept = true })
		logging.Logger().Info("keeping instance", zap.String("hostname", vm.Hostname))
		return nil
	}

	err := w.m.destroy(context.WithoutCancel(ctx), vm)
	w.outcome.Run.Update(func(r *state.Run) { r.Destroyed = err == nil })
	return err
}

// advance moves the run record to next and times the phase it leaves
func (w *workflow) advance(next state.Phase) {
	run := w.outcome.Run
	prev := run.CurrentPhase()
	if prev == next {
		return
	}
	if err := run.Advance(next); err != nil {
		logging.Logger().Warn("unexpected workflow transition", zap.Error(err))
		return
	}

	now := w.m.now()
	if w.m.recorder != nil {
		w.m.recorder.ObservePhase(w.m.driver.Name(), string(prev), now.Sub(w.phaseStarted))
	}
	w.phaseStarted = now
}

// report tells the operator how the run ended
func (w *workflow) report(err, cleanupErr error) {
	out, vm, opts := w.m.out, w.outcome.Instance, w.opts

	if err == nil {
		fmt.Fprintf(out, "%s template %s created!\n\n", opts.ImageType, w.outcome.Template.Name)
	} else {
		var failure *StageFailure
		if errors.As(err, &failure) {
			fmt.Fprintf(out, "Could not create the %s template due to a provisioning error\n", opts.ImageType)
			fmt.Fprintf(out, "  stage: %s\n  command: %s\n  exit status: %d\n\n", failure.Stage, failure.Command, failure.ExitStatus)
		} else {
			fmt.Fprintf(out, "Error while creating the %s template\n", opts.ImageType)
			fmt.Fprintf(out, "  stage: %s\n  error: %v\n\n", w.failedPhase, err)
		}
	}

	switch {
	case vm == nil:
	case w.outcome.Kept:
		fmt.Fprintf(out, "Preserving the provisioning VM %s\n", vm.Hostname)
		w.m.printConnection(vm, w.outcome.Credentials)
	case cleanupErr != nil:
		fmt.Fprintf(out, "Could not destroy VM '%s', clean it up manually: %v\n\n", vm.Hostname, cleanupErr)
	default:
		fmt.Fprintf(out, "VM '%s' destroyed\n\n", vm.Hostname)
	}
}

// record finalizes the run record and metrics
func (w *workflow) record(err error) {
	run := w.outcome.Run
	run.Update(func(r *state.Run) {
		r.Outcome = state.OutcomeSucceeded
		if err != nil {
			r.Outcome = state.OutcomeFailed
			r.Error = err.Error()
		}
	})

	if w.m.recorder != nil {
		w.m.recorder.RecordWorkflow(w.m.driver.Name(), w.opts.ImageType, err == nil, w.m.now())
	}

	if dir := w.m.settings.StateDir; dir != "" {
		path := filepath.Join(dir, run.ID+".json")
		if err := run.Save(path); err != nil {
			logging.Logger().Warn("failed to save run record", zap.String("path", path), zap.Error(err))
		}
	}
}

func imageLabel(id string) string {
	if id == "" {
		return "the provider default image"
	}
	return "image " + id
}
