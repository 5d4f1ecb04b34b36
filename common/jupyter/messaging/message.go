package messaging

import (
	"encoding/json"
	"fmt"
)

const (
	MessageHeaderDefaultUsername = "username"

	// ProtocolVersion is the Jupyter message protocol version we speak.
	ProtocolVersion = "5.3"

	ShellExecuteRequest  = "execute_request"
	ShellExecuteReply    = "execute_reply"
	ShellShutdownRequest = "shutdown_request"
	ShellShutdownReply   = "shutdown_reply"
	KernelInfoRequest    = "kernel_info_request"
	KernelInfoReply      = "kernel_info_reply"
)

const (
	MessageStatusOK    = "ok"
	MessageStatusError = "error"
	MessageStatusAbort = "aborted"
)

var (
	ErrInvalidJupyterMessage       = fmt.Errorf("invalid jupyter message")
	ErrNotSupportedSignatureScheme = fmt.Errorf("not supported signature scheme")
	ErrInvalidJupyterSignature     = fmt.Errorf("invalid jupyter signature")
)

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// MessageError carries the remote error fields of a non-ok reply.
type MessageError struct {
	Status   string `json:"status"`
	ErrName  string `json:"ename"`
	ErrValue string `json:"evalue"`
}

func (m *MessageError) String() string {
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(out)
}

// ExecuteRequestContent is the content frame of an "execute_request".
// User expressions are evaluated by the kernel after the primary code
// runs and returned out-of-band in the reply, which is how we pull
// serialized result payloads back in a single round trip.
type ExecuteRequestContent struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// UserExpressionResult is one entry of the "user_expressions" mapping in
// an "execute_reply". On success Data holds display representations keyed
// by MIME type; on failure the error fields are populated instead.
type UserExpressionResult struct {
	Status   string            `json:"status"`
	Data     map[string]string `json:"data,omitempty"`
	ErrName  string            `json:"ename,omitempty"`
	ErrValue string            `json:"evalue,omitempty"`
}

// TextPlain returns the "text/plain" representation, if any.
func (r *UserExpressionResult) TextPlain() (string, bool) {
	if r == nil || r.Data == nil {
		return "", false
	}

	text, ok := r.Data["text/plain"]
	return text, ok
}

// ExecuteReplyContent is the content frame of an "execute_reply".
type ExecuteReplyContent struct {
	Status          string                           `json:"status"`
	ExecutionCount  int                              `json:"execution_count"`
	ErrName         string                           `json:"ename,omitempty"`
	ErrValue        string                           `json:"evalue,omitempty"`
	Traceback       []string                         `json:"traceback,omitempty"`
	UserExpressions map[string]*UserExpressionResult `json:"user_expressions,omitempty"`
}

func (c *ExecuteReplyContent) String() string {
	out, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}

	return string(out)
}

// ExecuteReply pairs a decoded reply content with the header of the
// request it answers.
type ExecuteReply struct {
	Header       MessageHeader
	ParentHeader MessageHeader
	Content      ExecuteReplyContent
}

// Ok reports whether the reply carries an "ok" status.
func (r *ExecuteReply) Ok() bool {
	return r.Content.Status == MessageStatusOK
}

type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}
