package kernelspec_test

import (
	"errors"

	"github.com/moble/remote-exec/kernelspec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Resolve", func() {
	knownSpecs := []string{"py_cpu", "py_gpu", "r_base"}

	It("Will prefer an exact match", func() {
		fullName, err := kernelspec.Resolve("py_cpu", knownSpecs)
		Expect(err).ToNot(HaveOccurred())
		Expect(fullName).To(Equal("py_cpu"))
	})

	It("Will accept a unique substring match", func() {
		fullName, err := kernelspec.Resolve("py_c", knownSpecs)
		Expect(err).ToNot(HaveOccurred())
		Expect(fullName).To(Equal("py_cpu"))
	})

	It("Will treat underscores as wildcards", func() {
		fullName, err := kernelspec.Resolve("p_g", knownSpecs)
		Expect(err).ToNot(HaveOccurred())
		Expect(fullName).To(Equal("py_gpu"))
	})

	It("Will match wildcards case-insensitively", func() {
		fullName, err := kernelspec.Resolve("R_BASE", knownSpecs)
		Expect(err).ToNot(HaveOccurred())
		Expect(fullName).To(Equal("r_base"))
	})

	It("Will fail when a label is ambiguous", func() {
		_, err := kernelspec.Resolve("py", knownSpecs)
		Expect(err).To(HaveOccurred())

		var resolutionError *kernelspec.ResolutionError
		Expect(errors.As(err, &resolutionError)).To(BeTrue())
		Expect(resolutionError.Label).To(Equal("py"))
		Expect(resolutionError.KnownSpecs).To(Equal(knownSpecs))
	})

	It("Will fail when nothing matches", func() {
		_, err := kernelspec.Resolve("julia", knownSpecs)

		var resolutionError *kernelspec.ResolutionError
		Expect(errors.As(err, &resolutionError)).To(BeTrue())
	})

	It("Will fail on an empty spec list", func() {
		_, err := kernelspec.Resolve("py", nil)
		Expect(err).To(HaveOccurred())
	})
})
