package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	Name           string
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	// MaxReconnects applies after the first successful connect. The initial dial is never
	// retried.
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATS is a Bus backed by a NATS connection.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
	opts   NATSOptions

	ctx    context.Context
	cancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Bus = (*NATS)(nil)

// NewNATS dials url and returns a connected bus. A dial failure is returned as-is; callers
// treat it as fatal.
func NewNATS(url string, opts NATSOptions, logger *zap.Logger) (*NATS, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &NATS{
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	logger.Debug("Connecting to NATS", zap.String("address", url))
	nc, err := nats.Connect(
		url,
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed")
			b.closeOnce.Do(func() { close(b.closed) })
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject), zap.String("queue_group", sub.Queue))
			}
			logger.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b.nc = nc

	logger.Debug("Connected to NATS", zap.String("url", nc.ConnectedUrl()), zap.String("server_id", nc.ConnectedServerId()))
	return b, nil
}

// ConnectedURL reports the server the bus is attached to.
func (b *NATS) ConnectedURL() string {
	return b.nc.ConnectedUrl()
}

// MaxPayload is the largest message the server accepts.
func (b *NATS) MaxPayload() int64 {
	return b.nc.MaxPayload()
}

// Request implements Bus.
func (b *NATS) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}
	msg := nats.NewMsg(subject)
	msg.Data = data

	resp, err := b.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s: %w", subject, ErrNoResponders)
		}
		return nil, fmt.Errorf("request on %s failed: %w", subject, err)
	}
	if remote := resp.Header.Get(ErrorHeader); remote != "" {
		return nil, &RemoteError{Subject: subject, Message: remote}
	}
	return resp.Data, nil
}

// Gather implements Bus.
func (b *NATS) Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}
	inbox := nats.NewInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to gather inbox: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("Failed to unsubscribe gather inbox", zap.Error(err))
		}
	}()

	if err := b.nc.PublishMsg(&nats.Msg{Subject: subject, Reply: inbox, Data: data}); err != nil {
		return nil, fmt.Errorf("failed to publish gather request on %s: %w", subject, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var replies [][]byte
	for {
		msg, err := sub.NextMsgWithContext(waitCtx)
		if err != nil {
			// The server answers a request nobody subscribes to with a no-responders status,
			// which the client surfaces as an error.
			if errors.Is(err, nats.ErrNoResponders) {
				return replies, nil
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return replies, nil
			}
			return replies, fmt.Errorf("gather on %s interrupted: %w", subject, err)
		}
		if remote := msg.Header.Get(ErrorHeader); remote != "" {
			b.logger.Warn("Gather reply carried an error", zap.String("subject", subject), zap.String("error", remote))
			continue
		}
		replies = append(replies, msg.Data)
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe implements Bus. Each message is served on its own goroutine, so handlers must
// bound their own concurrency.
func (b *NATS) Subscribe(subject, queue string, h Handler) (Subscription, error) {
	cb := func(m *nats.Msg) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(m, h)
		}()
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.Subscribe(subject, cb)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.logger.Debug("Subscribed", zap.String("subject", subject), zap.String("queue_group", queue))
	return natsSubscription{sub: sub}, nil
}

func (b *NATS) serve(m *nats.Msg, h Handler) {
	out, err := h(b.ctx, &Message{Subject: m.Subject, Data: m.Data})
	if m.Reply == "" {
		if err != nil {
			b.logger.Warn("Handler failed for message without reply subject", zap.String("subject", m.Subject), zap.Error(err))
		}
		return
	}

	resp := nats.NewMsg(m.Reply)
	if err != nil {
		resp.Header.Set(ErrorHeader, headerValue(err.Error()))
	} else {
		resp.Data = out
	}
	if err := m.RespondMsg(resp); err != nil {
		b.logger.Error("Failed to send reply", zap.String("subject", m.Subject), zap.Error(err))
	}
}

var lineBreaks = strings.NewReplacer("\r\n", "; ", "\r", "; ", "\n", "; ")

// headerValue folds line breaks so a multi-line error fits in one header field.
func headerValue(s string) string {
	return lineBreaks.Replace(s)
}

// Ping implements Bus. Without a deadline on ctx the round trip is bounded by the connect
// timeout.
func (b *NATS) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ConnectTimeout)
		defer cancel()
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("control plane did not answer ping: %w", err)
	}
	return nil
}

// Close drains subscriptions, waits for in-flight handlers and closes the connection.
func (b *NATS) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.nc.Close()
	}

	select {
	case <-b.closed:
	case <-time.After(b.opts.DrainTimeout):
		b.logger.Warn("Timed out draining NATS connection", zap.Duration("timeout", b.opts.DrainTimeout))
		b.nc.Close()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}
