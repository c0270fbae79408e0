package images_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"cloudimages/internal/images"
	"cloudimages/internal/provisioning"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Instance management", func() {
	var (
		ctx    context.Context
		driver *FakeDriver
		out    *bytes.Buffer
		now    time.Time
	)

	newManager := func() *images.Manager {
		return images.NewManager(driver, NewMockKeyProvider(), StaticRevision("abc1234"),
			images.Settings{User: "travis", DefaultDist: "trusty"},
			images.WithOutput(out),
			images.WithClock(func() time.Time { return now }),
			images.WithWorkers(2),
		)
	}

	vm := func(hostname string) *provisioning.VirtualMachine {
		return &provisioning.VirtualMachine{ID: "id-" + hostname, Hostname: hostname, State: provisioning.StateRunning}
	}

	BeforeEach(func() {
		ctx = context.Background()
		out = &bytes.Buffer{}
		now = time.Unix(1433160000, 0)
		driver = &FakeDriver{Instances: []*provisioning.VirtualMachine{
			vm("testing-worker-1"),
			vm("provisioning-trusty-ruby-1"),
			vm("debug-ruby-2"),
			vm("provisioning-trusty-standard-3"),
		}}
	})

	Context("Boot", func() {
		It("boots the latest template of the type", func() {
			driver.Catalog = []provisioning.Template{
				{ID: "ruby-1", Name: "travis-trusty-ruby-2015-05-01-00-00-aaaaaaa", CreatedAt: now.Add(-time.Hour), Status: provisioning.TemplateActive},
			}

			booted, creds, err := newManager().Boot(ctx, images.BootOptions{ImageType: "ruby", Name: "joe"})
			Expect(err).NotTo(HaveOccurred())
			Expect(booted.Hostname).To(Equal("debug-joe-ruby-1433160000"))
			Expect(driver.Created[0].ImageID).To(Equal("ruby-1"))
			Expect(creds.Password).NotTo(BeEmpty())
			Expect(out.String()).To(ContainSubstring("ssh travis@192.0.2.10"))
			Expect(driver.Destroyed).To(BeEmpty())
		})

		It("fails without a template", func() {
			_, _, err := newManager().Boot(ctx, images.BootOptions{ImageType: "ruby"})
			Expect(errors.Is(err, images.ErrNoTemplate)).To(BeTrue())
			Expect(driver.Created).To(BeEmpty())
		})

		It("rejects an image type that is not a plain name", func() {
			_, _, err := newManager().Boot(ctx, images.BootOptions{ImageType: "../ruby"})
			Expect(errors.Is(err, images.ErrInvalidName)).To(BeTrue())
			Expect(driver.Lookups).To(BeEmpty())
		})

		It("destroys a partially created instance", func() {
			driver.Catalog = []provisioning.Template{
				{ID: "ruby-1", Name: "travis-trusty-ruby-2015-05-01-00-00-aaaaaaa", CreatedAt: now, Status: provisioning.TemplateActive},
			}
			driver.CreateErr, driver.Partial = provisioning.ErrUnreachableAfterBoot, true

			_, _, err := newManager().Boot(ctx, images.BootOptions{})
			Expect(errors.Is(err, provisioning.ErrUnreachableAfterBoot)).To(BeTrue())
			Expect(driver.Destroyed).To(Equal([]string{"debug-ruby-1433160000"}))
		})
	})

	Context("Destroy", func() {
		It("destroys every instance with the prefix", func() {
			destroyed, err := newManager().Destroy(ctx, "provisioning-trusty")
			Expect(err).NotTo(HaveOccurred())
			Expect(destroyed).To(Equal([]string{"provisioning-trusty-ruby-1", "provisioning-trusty-standard-3"}))
			Expect(driver.Destroyed).To(Equal(destroyed))
		})

		It("suggests similar hostnames when nothing matches", func() {
			_, err := newManager().Destroy(ctx, "ruby")
			Expect(errors.Is(err, images.ErrNoMatch)).To(BeTrue())

			var nomatch *images.NoMatchError
			Expect(errors.As(err, &nomatch)).To(BeTrue())
			Expect(nomatch.Suggestions).To(ConsistOf("provisioning-trusty-ruby-1", "debug-ruby-2"))
			Expect(driver.Destroyed).To(BeEmpty())
		})
	})

	Context("CleanUp", func() {
		It("destroys leftover provisioning instances only", func() {
			count, err := newManager().CleanUp(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
			Expect(driver.Destroyed).To(ConsistOf("provisioning-trusty-ruby-1", "provisioning-trusty-standard-3"))
			Expect(out.String()).To(ContainSubstring("2 provisioning VMs destroyed"))
		})

		It("keeps going when a destroy fails", func() {
			driver.DestroyErr = errors.New("api down")

			count, err := newManager().CleanUp(ctx)
			Expect(err).To(MatchError(ContainSubstring("api down")))
			Expect(count).To(Equal(0))
			Expect(driver.Destroyed).To(HaveLen(2))
		})

		It("handles many instances with a bounded pool", func() {
			driver.Instances = nil
			for i := 0; i < 25; i++ {
				driver.Instances = append(driver.Instances, vm(fmt.Sprintf("provisioning-trusty-ruby-%d", i)))
			}

			count, err := newManager().CleanUp(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(25))
			Expect(driver.Destroyed).To(HaveLen(25))
		})

		It("reports zero when nothing is left", func() {
			driver.Instances = nil
			count, err := newManager().CleanUp(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
		})
	})

	Context("List", func() {
		It("sorts by hostname", func() {
			vms, err := newManager().List(ctx)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			for _, v := range vms {
				names = append(names, v.Hostname)
			}
			Expect(names).To(Equal([]string{
				"debug-ruby-2",
				"provisioning-trusty-ruby-1",
				"provisioning-trusty-standard-3",
				"testing-worker-1",
			}))
		})
	})
})
