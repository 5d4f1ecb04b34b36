package messaging_test

import (
	"github.com/moble/remote-exec/common/jupyter/messaging"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("JupyterFrames", func() {
	It("Will create frames with the expected layout", func() {
		frames := messaging.NewJupyterFrames()

		Expect(frames.Validate()).To(Succeed())
		Expect(frames[messaging.JupyterFrameStart]).To(Equal(messaging.JupyterFrameIDSMSG))
		Expect(frames[messaging.JupyterFrameSignature]).To(Equal(messaging.JupyterFrameEmpty))
		Expect(frames[messaging.JupyterFrameContent]).To(Equal(messaging.JupyterFrameEmpty))
	})

	It("Will encode a header with a fresh message ID", func() {
		frames := messaging.NewJupyterFramesWithHeader(messaging.ShellExecuteRequest, "session-1")

		var header messaging.MessageHeader
		Expect(frames.DecodeHeader(&header)).To(Succeed())
		Expect(header.MsgID).ToNot(BeEmpty())
		Expect(header.Session).To(Equal("session-1"))
		Expect(header.MsgType).To(Equal(messaging.ShellExecuteRequest))
		Expect(header.Version).To(Equal(messaging.ProtocolVersion))

		msgType, err := frames.GetMessageType()
		Expect(err).ToNot(HaveOccurred())
		Expect(msgType).To(Equal(messaging.ShellExecuteRequest))
	})

	It("Will sign and verify frames with hmac-sha256", func() {
		key := []byte("28cbbbd1-8a65-4445-8e9a-f9bcbf2ee27f")

		frames := messaging.NewJupyterFramesWithHeader(messaging.ShellExecuteRequest, "session-1")
		Expect(frames.EncodeContent(&messaging.ExecuteRequestContent{
			Code:         "x = 1",
			StoreHistory: true,
		})).To(Succeed())

		_, err := frames.Sign(messaging.JupyterSignatureScheme, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(frames.Verify(messaging.JupyterSignatureScheme, key)).To(Succeed())
	})

	It("Will reject a signature produced with a different key", func() {
		frames := messaging.NewJupyterFramesWithHeader(messaging.ShellExecuteRequest, "session-1")

		_, err := frames.Sign(messaging.JupyterSignatureScheme, []byte("key-a"))
		Expect(err).ToNot(HaveOccurred())

		err = frames.Verify(messaging.JupyterSignatureScheme, []byte("key-b"))
		Expect(err).To(Equal(messaging.ErrInvalidJupyterSignature))
	})

	It("Will reject unsupported signature schemes", func() {
		frames := messaging.NewJupyterFrames()

		_, err := frames.Sign("hmac-md5", []byte("key"))
		Expect(err).To(Equal(messaging.ErrNotSupportedSignatureScheme))

		err = frames.Verify("hmac-md5", []byte("key"))
		Expect(err).To(Equal(messaging.ErrNotSupportedSignatureScheme))
	})

	It("Will reject messages with too few frames", func() {
		frames := messaging.JupyterFrames{[]byte("<IDS|MSG>"), []byte("{}")}
		Expect(frames.Validate()).To(Equal(messaging.ErrInvalidJupyterMessage))
	})
})

var _ = Describe("ExecuteReply", func() {
	It("Will expose the text/plain representation of a user expression", func() {
		result := &messaging.UserExpressionResult{
			Status: messaging.MessageStatusOK,
			Data:   map[string]string{"text/plain": "'eyJ4IjogMX0='"},
		}

		text, ok := result.TextPlain()
		Expect(ok).To(BeTrue())
		Expect(text).To(Equal("'eyJ4IjogMX0='"))
	})

	It("Will report missing text/plain data", func() {
		result := &messaging.UserExpressionResult{
			Status:   messaging.MessageStatusError,
			ErrName:  "NameError",
			ErrValue: "name 'x' is not defined",
		}

		_, ok := result.TextPlain()
		Expect(ok).To(BeFalse())
	})

	It("Will report ok status", func() {
		reply := &messaging.ExecuteReply{Content: messaging.ExecuteReplyContent{Status: messaging.MessageStatusOK}}
		Expect(reply.Ok()).To(BeTrue())

		reply.Content.Status = messaging.MessageStatusError
		Expect(reply.Ok()).To(BeFalse())
	})
})
