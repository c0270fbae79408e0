package images_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"cloudimages/internal/images"
	"cloudimages/internal/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Run history", func() {
	var stateDir string

	newManager := func(dir string) *images.Manager {
		return images.NewManager(&FakeDriver{}, NewMockKeyProvider(), StaticRevision("abc1234"),
			images.Settings{User: "travis", DefaultDist: "trusty", StateDir: dir})
	}

	writeRun := func(id string, at time.Time, mutate func(r *state.Run)) {
		run := state.New(id, "fake", "ruby", "trusty")
		run.Update(func(r *state.Run) {
			r.CreatedAt = at
			mutate(r)
		})
		Expect(run.Save(filepath.Join(stateDir, id+".json"))).To(Succeed())
	}

	BeforeEach(func() {
		stateDir = GinkgoT().TempDir()
	})

	It("loads the records newest first and skips unreadable files", func() {
		base := time.Date(2015, 6, 1, 12, 0, 0, 0, time.UTC)
		writeRun("older", base, func(r *state.Run) {
			r.Outcome = state.OutcomeSucceeded
			r.Instance = state.InstanceRecord{ID: "vm-1", Hostname: "provisioning-trusty-ruby-1"}
			r.Destroyed = true
		})
		writeRun("newer", base.Add(time.Hour), func(r *state.Run) {
			r.Outcome = state.OutcomeFailed
			r.Instance = state.InstanceRecord{ID: "vm-2", Hostname: "provisioning-trusty-ruby-2"}
			r.Kept = true
		})
		Expect(os.WriteFile(filepath.Join(stateDir, "broken.json"), []byte("{"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(stateDir, "notes.txt"), []byte("x"), 0o644)).To(Succeed())

		runs, err := newManager(stateDir).Runs()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(2))
		Expect(runs[0].ID).To(Equal("newer"))
		Expect(runs[1].ID).To(Equal("older"))

		Expect(images.LeftBehind(runs[0])).To(Equal("provisioning-trusty-ruby-2"))
		Expect(images.LeftBehind(runs[1])).To(BeEmpty())
	})

	It("includes the record of a finished create", func() {
		driver := &FakeDriver{}
		m := images.NewManager(driver, NewMockKeyProvider(), StaticRevision("abc1234"),
			images.Settings{User: "travis", DefaultDist: "trusty", StateDir: stateDir},
			images.WithShellFactory(ShellFactoryFor(nil, errors.New("connection refused"))),
		)
		_, err := m.Create(context.Background(), images.CreateOptions{ImageType: "ruby"})
		Expect(err).To(HaveOccurred())

		runs, err := m.Runs()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].Outcome).To(Equal(state.OutcomeFailed))
		Expect(images.LeftBehind(runs[0])).To(BeEmpty())
	})

	It("is empty when nothing was recorded yet", func() {
		runs, err := newManager(filepath.Join(stateDir, "missing")).Runs()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(BeEmpty())
	})

	It("requires a state directory", func() {
		_, err := newManager("").Runs()
		Expect(errors.Is(err, images.ErrNoStateDir)).To(BeTrue())
	})
})
