package kernel_test

import (
	"context"
	"net"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/moble/remote-exec/common/jupyter"
	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/kernel"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// echoKernel is a ROUTER socket that plays the kernel side of the shell
// channel: it answers every signed execute_request with an execute_reply
// produced by its handler.
type echoKernel struct {
	socket  zmq4.Socket
	cancel  context.CancelFunc
	key     string
	handler func(request *messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent
}

func startEchoKernel(handler func(*messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent) (*echoKernel, *jupyter.ConnectionInfo) {
	ctx, cancel := context.WithCancel(context.Background())

	k := &echoKernel{
		socket:  zmq4.NewRouter(ctx),
		cancel:  cancel,
		key:     "test-signing-key",
		handler: handler,
	}

	Expect(k.socket.Listen("tcp://127.0.0.1:0")).To(Succeed())

	port := k.socket.Addr().(*net.TCPAddr).Port
	connInfo := &jupyter.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		ShellPort:       port,
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             k.key,
	}

	go k.serve()

	return k, connInfo
}

func (k *echoKernel) serve() {
	for {
		msg, err := k.socket.Recv()
		if err != nil {
			return
		}

		// The ROUTER prepends the peer identity; everything from
		// <IDS|MSG> on is the Jupyter message.
		offset := 0
		for i, frame := range msg.Frames {
			if string(frame) == string(messaging.JupyterFrameIDSMSG) {
				offset = i
				break
			}
		}
		identities := msg.Frames[:offset]
		request := messaging.JupyterFrames(msg.Frames[offset:])

		if err := request.Verify(messaging.JupyterSignatureScheme, []byte(k.key)); err != nil {
			continue
		}

		var requestHeader messaging.MessageHeader
		Expect(request.DecodeHeader(&requestHeader)).To(Succeed())

		var content messaging.ExecuteRequestContent
		Expect(request.DecodeContent(&content)).To(Succeed())

		replyContent := k.handler(&content)
		if replyContent == nil {
			continue
		}

		reply := messaging.NewJupyterFramesWithHeader(messaging.ShellExecuteReply, requestHeader.Session)
		Expect(reply.EncodeParentHeader(&requestHeader)).To(Succeed())
		Expect(reply.EncodeContent(replyContent)).To(Succeed())

		signed, err := reply.Sign(messaging.JupyterSignatureScheme, []byte(k.key))
		Expect(err).ToNot(HaveOccurred())

		frames := append(append([][]byte{}, identities...), signed...)
		Expect(k.socket.Send(zmq4.Msg{Frames: frames, Type: zmq4.UsrMsg})).To(Succeed())
	}
}

func (k *echoKernel) stop() {
	k.cancel()
	_ = k.socket.Close()
}

var _ = Describe("ShellClient", func() {
	okHandler := func(request *messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent {
		return &messaging.ExecuteReplyContent{
			Status:         messaging.MessageStatusOK,
			ExecutionCount: 1,
		}
	}

	It("Will receive the reply to an execute request", func() {
		remote, connInfo := startEchoKernel(okHandler)
		defer remote.stop()

		client, err := kernel.NewShellClient(connInfo)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		msgId, err := client.Execute("x = 1", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reply, err := client.GetReply(ctx, msgId)
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Ok()).To(BeTrue())
		Expect(reply.ParentHeader.MsgID).To(Equal(msgId))
	})

	It("Will round-trip user expressions through the kernel", func() {
		remote, connInfo := startEchoKernel(func(request *messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent {
			results := make(map[string]*messaging.UserExpressionResult, len(request.UserExpressions))
			for key, expr := range request.UserExpressions {
				results[key] = &messaging.UserExpressionResult{
					Status: messaging.MessageStatusOK,
					Data:   map[string]string{"text/plain": "'" + expr + "'"},
				}
			}
			return &messaging.ExecuteReplyContent{
				Status:          messaging.MessageStatusOK,
				UserExpressions: results,
			}
		})
		defer remote.stop()

		client, err := kernel.NewShellClient(connInfo)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		msgId, err := client.Execute("pass", map[string]string{"probe": "1 + 1"})
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reply, err := client.GetReply(ctx, msgId)
		Expect(err).ToNot(HaveOccurred())

		text, ok := reply.Content.UserExpressions["probe"].TextPlain()
		Expect(ok).To(BeTrue())
		Expect(text).To(Equal("'1 + 1'"))
	})

	It("Will hold a reply that arrives before the caller asks for it", func() {
		remote, connInfo := startEchoKernel(okHandler)
		defer remote.stop()

		client, err := kernel.NewShellClient(connInfo)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		msgId, err := client.Execute("x = 1", nil)
		Expect(err).ToNot(HaveOccurred())

		// Give the kernel time to answer before anyone is waiting.
		time.Sleep(500 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reply, err := client.GetReply(ctx, msgId)
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Ok()).To(BeTrue())
		Expect(reply.ParentHeader.MsgID).To(Equal(msgId))
	})

	It("Will match replies to their own requests", func() {
		remote, connInfo := startEchoKernel(func(request *messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent {
			return &messaging.ExecuteReplyContent{
				Status:          messaging.MessageStatusOK,
				UserExpressions: map[string]*messaging.UserExpressionResult{
					"code": {Status: messaging.MessageStatusOK, Data: map[string]string{"text/plain": request.Code}},
				},
			}
		})
		defer remote.stop()

		client, err := kernel.NewShellClient(connInfo)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		firstId, err := client.Execute("first", nil)
		Expect(err).ToNot(HaveOccurred())
		secondId, err := client.Execute("second", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		secondReply, err := client.GetReply(ctx, secondId)
		Expect(err).ToNot(HaveOccurred())
		firstReply, err := client.GetReply(ctx, firstId)
		Expect(err).ToNot(HaveOccurred())

		text, _ := firstReply.Content.UserExpressions["code"].TextPlain()
		Expect(text).To(Equal("first"))
		text, _ = secondReply.Content.UserExpressions["code"].TextPlain()
		Expect(text).To(Equal("second"))
	})

	It("Will give up when the context expires before a reply arrives", func() {
		remote, connInfo := startEchoKernel(func(*messaging.ExecuteRequestContent) *messaging.ExecuteReplyContent {
			return nil // swallow the request
		})
		defer remote.stop()

		client, err := kernel.NewShellClient(connInfo)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		msgId, err := client.Execute("x = 1", nil)
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err = client.GetReply(ctx, msgId)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})
