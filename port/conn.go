package port

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/message"
	"worker-rpc/protocol"
	"worker-rpc/rpcerr"
)

// ConnOptions configures a socket endpoint.
type ConnOptions struct {
	CodecType   codec.CodecType         // recorded in frame headers
	Compression protocol.CompressionTag // body compression for large frames
	Threshold   int                     // minimum body size worth compressing
	Heartbeat   time.Duration           // 0 disables heartbeats
}

// MalformedError is returned by Receive for a frame that arrived intact but
// does not hold a usable envelope. The endpoint stays open; Role and Seq
// identify the call so the receiver can fail just that call.
type MalformedError struct {
	Role message.Role
	Seq  uint32
	Err  error
}

func (e *MalformedError) Error() string { return e.Err.Error() }

func (e *MalformedError) Unwrap() error { return e.Err }

// ConnEndpoint is an Endpoint over a net.Conn. Only payloads and array buffers
// can cross it; port and stream handles are rejected because their resources
// cannot leave the process.
type ConnEndpoint struct {
	conn    net.Conn
	opts    ConnOptions
	writer  protocol.Writer
	sending sync.Mutex // frames from concurrent posts must not interleave
	done    chan struct{}
	once    sync.Once
}

// NewConnEndpoint wraps conn and starts the heartbeat loop if enabled.
func NewConnEndpoint(conn net.Conn, opts ConnOptions) *ConnEndpoint {
	e := &ConnEndpoint{
		conn:   conn,
		opts:   opts,
		writer: protocol.Writer{Compression: opts.Compression, Threshold: opts.Threshold},
		done:   make(chan struct{}),
	}
	if opts.Heartbeat > 0 {
		go e.heartbeatLoop(opts.Heartbeat)
	}
	return e
}

// Conn returns the underlying connection.
func (e *ConnEndpoint) Conn() net.Conn { return e.conn }

// Post implements Endpoint.
func (e *ConnEndpoint) Post(env *message.Envelope) error {
	if err := checkTransfer(env.Transfer, nil); err != nil {
		return err
	}
	for i, slot := range env.Transfer {
		switch slot.SlotKind() {
		case message.SlotPayload, message.SlotArrayBuffer:
		default:
			return rpcerr.New(rpcerr.KindTransfer).
				Op("post").
				Detail("slot %d: %s handle cannot cross a socket boundary", i, slot.SlotKind()).
				Build()
		}
	}

	transfer, err := moveTransfer(env.Transfer)
	if err != nil {
		return rpcerr.New(rpcerr.KindTransfer).Op("post").Cause(err).Build()
	}
	wire := &message.WireEnvelope{
		Role:     env.Role,
		Seq:      env.Seq,
		Method:   env.Method,
		Idx:      env.Idx,
		Slots:    make([]message.WireSlot, len(transfer)),
		Skeleton: env.Skeleton,
		Error:    env.Error,
	}
	for i, slot := range transfer {
		switch s := slot.(type) {
		case message.Payload:
			wire.Slots[i] = message.WireSlot{Kind: message.SlotPayload, Data: s}
		case *ArrayBuffer:
			wire.Slots[i] = message.WireSlot{Kind: message.SlotArrayBuffer, Data: s.Bytes()}
		}
	}

	body, err := codec.MarshalEnvelope(wire)
	if err != nil {
		restoreTransfer(env.Transfer, transfer)
		return rpcerr.New(rpcerr.KindMarshal).Op("post").Cause(err).Build()
	}

	header := &protocol.Header{
		CodecType: byte(e.opts.CodecType),
		MsgType:   msgType(env.Role),
		Seq:       env.Seq,
	}

	e.sending.Lock()
	defer e.sending.Unlock()
	if err := e.writer.Encode(e.conn, header, body); err != nil {
		restoreTransfer(env.Transfer, transfer)
		if isClosedConn(err) {
			return rpcerr.ChannelClosed("post", err)
		}
		return err
	}
	return nil
}

// Receive implements Endpoint. Heartbeat frames are skipped.
func (e *ConnEndpoint) Receive() (*message.Envelope, error) {
	for {
		header, body, err := protocol.Decode(e.conn)
		if err != nil {
			if isClosedConn(err) {
				return nil, io.EOF
			}
			return nil, err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		wire, err := codec.UnmarshalEnvelope(body)
		if err != nil {
			return nil, &MalformedError{
				Role: role(header.MsgType),
				Seq:  header.Seq,
				Err:  rpcerr.New(rpcerr.KindEnvelope).Op("receive").Cause(err).Build(),
			}
		}
		env := &message.Envelope{
			Role:     wire.Role,
			Seq:      wire.Seq,
			Method:   wire.Method,
			Idx:      wire.Idx,
			Transfer: make([]message.Transferable, len(wire.Slots)),
			Skeleton: wire.Skeleton,
			Error:    wire.Error,
		}
		for i, slot := range wire.Slots {
			switch slot.Kind {
			case message.SlotPayload:
				env.Transfer[i] = message.Payload(slot.Data)
			case message.SlotArrayBuffer:
				env.Transfer[i] = NewArrayBuffer(slot.Data)
			default:
				return nil, &MalformedError{
					Role: wire.Role,
					Seq:  wire.Seq,
					Err:  rpcerr.Envelope("slot %d: unexpected %s on a socket", i, slot.Kind),
				}
			}
		}
		return env, nil
	}
}

// Close implements Endpoint.
func (e *ConnEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.conn.Close()
	})
	return err
}

// heartbeatLoop sends periodic heartbeat frames so that idle peers and
// middleboxes keep the connection open. Heartbeat frames have no body.
func (e *ConnEndpoint) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(e.opts.CodecType),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		e.sending.Lock()
		err := protocol.Encode(e.conn, header, nil)
		e.sending.Unlock()
		if err != nil {
			Logger().Debug("heartbeat stopped", zap.Error(err))
			return // Connection broken, exit heartbeat loop
		}
	}
}

func msgType(role message.Role) protocol.MsgType {
	switch role {
	case message.RoleResponse:
		return protocol.MsgTypeResponse
	case message.RoleNotify:
		return protocol.MsgTypeNotify
	default:
		return protocol.MsgTypeRequest
	}
}

func role(t protocol.MsgType) message.Role {
	switch t {
	case protocol.MsgTypeResponse:
		return message.RoleResponse
	case protocol.MsgTypeNotify:
		return message.RoleNotify
	default:
		return message.RoleRequest
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF)
}
