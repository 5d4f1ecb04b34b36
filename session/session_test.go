package session_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moble/remote-exec/common/jupyter/messaging"

	"github.com/moble/remote-exec/common/test_utils"
	"github.com/moble/remote-exec/kernelspec"
	"github.com/moble/remote-exec/session"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var knownSpecs = []string{"py_cpu", "py_gpu", "r_base"}

var _ = Describe("Session", func() {
	var (
		ctx      context.Context
		provider *test_utils.FakeKernelProvider
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = test_utils.NewFakeKernelProvider()
	})

	handleFor := func(s *session.Session) *test_utils.FakeKernelHandle {
		handle, ok := provider.Handles[s.KernelId()]
		Expect(ok).To(BeTrue())
		return handle
	}

	Describe("Create", func() {
		It("Will resolve the label, start the kernel, and prime it", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			Expect(s.Label()).To(Equal("py_c"))
			Expect(s.FullName()).To(Equal("py_cpu"))
			Expect(s.State()).To(Equal(session.StateRunning))

			codes := handleFor(s).Conn.Codes()
			Expect(codes).To(HaveLen(1))
			Expect(codes[0]).To(Equal(session.PrimingCode))
		})

		It("Will fail with a ResolutionError for an ambiguous label", func() {
			_, err := session.Create(ctx, "py", knownSpecs, provider)

			var resolutionErr *kernelspec.ResolutionError
			Expect(errors.As(err, &resolutionErr)).To(BeTrue())
			Expect(provider.StartCount).To(Equal(0))
		})

		It("Will fail with a StartError when the kernel cannot be started", func() {
			provider.StartErr = fmt.Errorf("no free ports")

			_, err := session.Create(ctx, "py_c", knownSpecs, provider)

			var startErr *session.StartError
			Expect(errors.As(err, &startErr)).To(BeTrue())
			Expect(startErr.Label).To(Equal("py_c"))
			Expect(startErr.FullName).To(Equal("py_cpu"))
		})

		It("Will fail with a StartError when the priming exchange fails", func() {
			provider.NewHandle = func() *test_utils.FakeKernelHandle {
				handle := test_utils.NewFakeKernelHandle()
				handle.Conn.Handler = func(code string, userExpressions map[string]string) *messaging.ExecuteReply {
					return test_utils.ErrorReply("ModuleNotFoundError", "No module named 'json'")
				}
				return handle
			}

			_, err := session.Create(ctx, "py_c", knownSpecs, provider)

			var startErr *session.StartError
			Expect(errors.As(err, &startErr)).To(BeTrue())
		})
	})

	Describe("ExecuteAndCollect", func() {
		It("Will capture the requested output variables", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			client.Handler = func(code string, userExpressions map[string]string) *messaging.ExecuteReply {
				if _, ok := userExpressions[session.CaptureExpressionKey]; ok {
					return test_utils.PayloadReply(`{"x": 1, "y": 2}`)
				}
				return test_utils.OkReply()
			}

			Expect(s.ExecuteAndCollect(ctx, "x = 1\ny = 2", "", []string{"x", "y"})).To(Succeed())

			x, ok := s.Result("x")
			Expect(ok).To(BeTrue())
			i, _ := x.AsInt()
			Expect(i).To(Equal(int64(1)))

			y, ok := s.Result("y")
			Expect(ok).To(BeTrue())
			i, _ = y.AsInt()
			Expect(i).To(Equal(int64(2)))
		})

		It("Will request exactly the named outputs in the capture expression", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			Expect(s.ExecuteAndCollect(ctx, "x = 1\ny = 2", "", []string{"x", "y"})).To(Succeed())

			last := client.Calls[len(client.Calls)-1]
			Expect(last.UserExpressions).To(HaveKey(session.CaptureExpressionKey))
			Expect(last.UserExpressions[session.CaptureExpressionKey]).To(ContainSubstring(`{"x":x,"y":y}`))
		})

		It("Will capture nothing when no outputs are requested", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			Expect(s.ExecuteAndCollect(ctx, "x = 1", "", nil)).To(Succeed())

			Expect(s.Results()).To(BeEmpty())

			last := client.Calls[len(client.Calls)-1]
			Expect(last.UserExpressions[session.CaptureExpressionKey]).To(ContainSubstring("json.dumps({})"))
		})

		It("Will transparently restart a dead kernel and still complete the call", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			handle := handleFor(s)
			handle.Alive = false

			Expect(s.ExecuteAndCollect(ctx, "x = 1", "", nil)).To(Succeed())

			Expect(handle.Restarts).To(Equal(1))
			Expect(s.State()).To(Equal(session.StateRunning))

			// The restart re-primed the kernel before executing the code.
			codes := handle.Conn.Codes()
			Expect(codes).To(ContainElement(session.PrimingCode))
			Expect(codes[len(codes)-1]).To(Equal("x = 1"))
		})

		It("Will surface a RestartError when the restart fails", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			handle := handleFor(s)
			handle.Alive = false
			handle.RestartErr = fmt.Errorf("kernel refused to restart")

			err = s.ExecuteAndCollect(ctx, "x = 1", "", nil)

			var restartErr *session.RestartError
			Expect(errors.As(err, &restartErr)).To(BeTrue())
		})

		It("Will still execute the code when the directory change fails", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			client.Handler = test_utils.ChdirAwareHandler(test_utils.DefaultReplyHandler)

			Expect(s.ExecuteAndCollect(ctx, "x = 1", "/nonexistent", nil)).To(Succeed())

			dirErr := s.LastDirectoryChangeError()
			Expect(dirErr).ToNot(BeNil())
			Expect(dirErr.Directory).To(Equal("/nonexistent"))
			Expect(dirErr.ErrName).To(Equal("FileNotFoundError"))

			codes := client.Codes()
			Expect(codes[len(codes)-1]).To(Equal("x = 1"))
		})

		It("Will change directory before executing when one is given", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			Expect(s.ExecuteAndCollect(ctx, "x = 1", "/tmp/work", nil)).To(Succeed())

			codes := client.Codes()
			Expect(codes).To(ContainElement(`os.chdir("/tmp/work")`))
			Expect(s.LastDirectoryChangeError()).To(BeNil())
		})

		It("Will leave captured results untouched when the remote code raises", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			client := handleFor(s).Conn
			client.Handler = func(code string, userExpressions map[string]string) *messaging.ExecuteReply {
				if _, ok := userExpressions[session.CaptureExpressionKey]; ok {
					return test_utils.PayloadReply(`{"x": 1}`)
				}
				return test_utils.OkReply()
			}
			Expect(s.ExecuteAndCollect(ctx, "x = 1", "", []string{"x"})).To(Succeed())

			client.Handler = func(code string, userExpressions map[string]string) *messaging.ExecuteReply {
				if _, ok := userExpressions[session.CaptureExpressionKey]; ok {
					return test_utils.ErrorReply("ZeroDivisionError", "division by zero")
				}
				return test_utils.OkReply()
			}

			err = s.ExecuteAndCollect(ctx, "x = 1/0", "", []string{"x"})

			var execErr *session.ExecutionError
			Expect(errors.As(err, &execErr)).To(BeTrue())
			Expect(execErr.ErrName).To(Equal("ZeroDivisionError"))

			x, ok := s.Result("x")
			Expect(ok).To(BeTrue())
			i, _ := x.AsInt()
			Expect(i).To(Equal(int64(1)))
		})

		It("Will time out when the kernel never answers", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			s.SetRequestTimeout(20 * time.Millisecond)
			handleFor(s).Conn.Silent = true

			err = s.ExecuteAndCollect(ctx, "while True: pass", "", nil)

			var timeoutErr *session.TimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue())
		})

		It("Will refuse to run on a shut-down session", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			Expect(s.Shutdown(ctx)).To(Succeed())

			err = s.ExecuteAndCollect(ctx, "x = 1", "", nil)
			Expect(errors.Is(err, session.ErrSessionShutdown)).To(BeTrue())
		})
	})

	Describe("Shutdown", func() {
		It("Will terminate the kernel exactly once", func() {
			s, err := session.Create(ctx, "py_c", knownSpecs, provider)
			Expect(err).ToNot(HaveOccurred())

			handle := handleFor(s)

			Expect(s.Shutdown(ctx)).To(Succeed())
			Expect(s.Shutdown(ctx)).To(Succeed())

			Expect(handle.Shutdowns).To(Equal(1))
			Expect(s.State()).To(Equal(session.StateShutdown))
		})
	})
})
