package kernel

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/moble/remote-exec/common/jupyter"
	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/common/utils/hashmap"
)

// ShellClient is a DEALER connection to one kernel's shell channel. It
// serves replies on a background goroutine and matches them to pending
// requests by parent message ID.
type ShellClient struct {
	log logger.Logger

	connInfo *jupyter.ConnectionInfo

	// session identifies this client in message headers.
	session string

	socket zmq4.Socket
	cancel context.CancelFunc

	// pending maps an outstanding request's message ID to the channel
	// its reply is delivered on.
	pending *hashmap.CornelkMap[string, chan *messaging.ExecuteReply]

	// closed is closed when the serve loop exits.
	closed chan struct{}

	sendMu sync.Mutex
}

// NewShellClient dials the kernel's shell socket and starts serving
// replies.
func NewShellClient(connInfo *jupyter.ConnectionInfo) (*ShellClient, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &ShellClient{
		connInfo: connInfo,
		session:  uuid.NewString(),
		socket: zmq4.NewDealer(ctx, zmq4.WithDialerMaxRetries(3),
			zmq4.WithDialerRetry(time.Millisecond*500),
			zmq4.WithDialerTimeout(time.Millisecond*5000)),
		cancel:  cancel,
		pending: hashmap.NewCornelkMap[string, chan *messaging.ExecuteReply](8),
		closed:  make(chan struct{}),
	}

	config.InitLogger(&client.log, client)

	if err := client.socket.Dial(connInfo.ShellAddress()); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "could not connect to kernel shell socket at %s", connInfo.ShellAddress())
	}

	go client.serve()

	return client, nil
}

// Execute submits an "execute_request" carrying the given code and user
// expressions and returns the request's message ID.
func (c *ShellClient) Execute(code string, userExpressions map[string]string) (string, error) {
	if userExpressions == nil {
		userExpressions = map[string]string{}
	}

	header := &messaging.MessageHeader{
		MsgID:    uuid.NewString(),
		Username: messaging.MessageHeaderDefaultUsername,
		Session:  c.session,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  messaging.ShellExecuteRequest,
		Version:  messaging.ProtocolVersion,
	}

	frames := messaging.NewJupyterFrames()
	if err := frames.EncodeHeader(header); err != nil {
		return "", err
	}
	if err := frames.EncodeContent(&messaging.ExecuteRequestContent{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: userExpressions,
		AllowStdin:      false,
		StopOnError:     false,
	}); err != nil {
		return "", err
	}

	replyChan := make(chan *messaging.ExecuteReply, 1)
	c.pending.Store(header.MsgID, replyChan)

	if err := c.send(frames); err != nil {
		c.pending.Delete(header.MsgID)
		return "", err
	}

	return header.MsgID, nil
}

// GetReply blocks until the reply to the given request arrives, the
// context expires, or the connection dies.
func (c *ShellClient) GetReply(ctx context.Context, msgId string) (*messaging.ExecuteReply, error) {
	replyChan, ok := c.pending.Load(msgId)
	if !ok {
		return nil, errors.Errorf("no pending request with message ID \"%s\"", msgId)
	}

	select {
	case reply := <-replyChan:
		c.pending.Delete(msgId)
		return reply, nil
	case <-c.closed:
		return nil, jupyter.ErrKernelClosed
	case <-ctx.Done():
		c.pending.Delete(msgId)
		return nil, ctx.Err()
	}
}

// Close tears the connection down. Outstanding GetReply calls return
// ErrKernelClosed.
func (c *ShellClient) Close() error {
	c.cancel()
	return c.socket.Close()
}

func (c *ShellClient) send(frames messaging.JupyterFrames) error {
	signed, err := frames.Sign(c.connInfo.SignatureScheme, []byte(c.connInfo.Key))
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return c.socket.Send(zmq4.Msg{
		Frames: signed,
		Type:   zmq4.UsrMsg,
	})
}

func (c *ShellClient) serve() {
	defer close(c.closed)

	for {
		msg, err := c.socket.Recv()
		if err != nil {
			c.log.Debug("Shell socket closed: %v", err)
			return
		}

		if err := c.dispatch(msg); err != nil {
			c.log.Warn("Dropping shell message: %v", err)
		}
	}
}

func (c *ShellClient) dispatch(msg zmq4.Msg) error {
	frames := messaging.JupyterFrames(msg.Frames[jupyterFrameOffset(msg.Frames):])
	if err := frames.Verify(c.connInfo.SignatureScheme, []byte(c.connInfo.Key)); err != nil {
		return err
	}

	msgType, err := frames.GetMessageType()
	if err != nil {
		return err
	}
	if msgType != messaging.ShellExecuteReply {
		c.log.Debug("Ignoring shell message of type \"%s\"", msgType)
		return nil
	}

	reply := &messaging.ExecuteReply{}
	if err := frames.DecodeHeader(&reply.Header); err != nil {
		return err
	}
	if err := frames.DecodeParentHeader(&reply.ParentHeader); err != nil {
		return err
	}
	if err := frames.DecodeContent(&reply.Content); err != nil {
		return err
	}

	// The entry stays registered until GetReply consumes the reply, so a
	// reply that lands before the caller starts waiting is not lost. The
	// channel is buffered; delivery never blocks the serve loop.
	replyChan, ok := c.pending.Load(reply.ParentHeader.MsgID)
	if !ok {
		c.log.Debug("No pending request for reply to message \"%s\"", reply.ParentHeader.MsgID)
		return nil
	}

	replyChan <- reply
	return nil
}

// jupyterFrameOffset locates the <IDS|MSG> delimiter so identity frames
// prepended by intermediate sockets are skipped.
func jupyterFrameOffset(frames [][]byte) int {
	for i, frame := range frames {
		if bytes.Equal(frame, messaging.JupyterFrameIDSMSG) {
			return i
		}
	}
	return 0
}
