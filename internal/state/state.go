package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Phase is a step of the image creation workflow.
type Phase string

const (
	PhaseProvisioning    Phase = "provisioning"
	PhasePipelineRunning Phase = "pipeline_running"
	PhaseSnapshotting    Phase = "snapshotting"
	PhaseCleaningUp      Phase = "cleaning_up"
	PhaseDone            Phase = "done"
)

// transitions lists the phases reachable from each phase
var transitions = map[Phase][]Phase{
	PhaseProvisioning:    {PhasePipelineRunning, PhaseCleaningUp, PhaseDone},
	PhasePipelineRunning: {PhaseSnapshotting, PhaseCleaningUp},
	PhaseSnapshotting:    {PhaseCleaningUp, PhaseDone},
	PhaseCleaningUp:      {PhaseDone},
}

// Outcome of a finished run
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Transition records when a phase was entered
type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// InstanceRecord identifies the provisioning instance of a run
type InstanceRecord struct {
	ID       string `json:"id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Run is the record of one image creation workflow
type Run struct {
	mu sync.RWMutex

	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	ImageType   string         `json:"image_type"`
	Dist        string         `json:"dist"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Phase       Phase          `json:"phase"`
	Transitions []Transition   `json:"transitions"`
	Instance    InstanceRecord `json:"instance"`
	Template    string         `json:"template,omitempty"`
	FailedStage string         `json:"failed_stage,omitempty"`
	Kept        bool           `json:"kept,omitempty"`
	Destroyed   bool           `json:"destroyed,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// New creates a run in the provisioning phase
func New(id, provider, imageType, dist string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:          id,
		Provider:    provider,
		ImageType:   imageType,
		Dist:        dist,
		CreatedAt:   now,
		UpdatedAt:   now,
		Phase:       PhaseProvisioning,
		Transitions: []Transition{{Phase: PhaseProvisioning, At: now}},
	}
}

// Advance moves the run to the next phase. Moving to the current phase is a
// no-op; any other transition not in the workflow is an error.
func (r *Run) Advance(next Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Phase == next {
		return nil
	}
	for _, allowed := range transitions[r.Phase] {
		if allowed == next {
			now := time.Now().UTC()
			r.Phase = next
			r.UpdatedAt = now
			r.Transitions = append(r.Transitions, Transition{Phase: next, At: now})
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", r.Phase, next)
}

// Update changes the run safely
func (r *Run) Update(updateFn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updateFn(r)
	r.UpdatedAt = time.Now().UTC()
}

// CurrentPhase returns the phase the run is in
func (r *Run) CurrentPhase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Phase
}

// Phases returns the phases entered so far, in order
func (r *Run) Phases() []Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()

	phases := make([]Phase, len(r.Transitions))
	for i, t := range r.Transitions {
		phases[i] = t.Phase
	}
	return phases
}

// Load loads a run record from a file
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

// Save writes the run record to a file
func (r *Run) Save(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
