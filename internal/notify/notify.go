// ============================================================================
// FEMD 告警通知 - PA 自動關閉 / 自動恢復事件
// ============================================================================
//
// Package: internal/notify
// 文件: notify.go
// 功能: 把 safety engine 的事件盡力送出（log、e-mail）
//
// 設計:
//   Notifier 介面 ─┬─ Log   寫入結構化日誌
//                  ├─ Mail  gomail 寄送告警信
//                  └─ Multi 依序呼叫多個 Notifier
//   Async 包裝任意 Notifier，以有界 channel 與單一 goroutine 送出，
//   佇列滿時丟棄並計數，lane 與 safety 永遠不會因通知而阻塞。
//
// ============================================================================

package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	mail "gopkg.in/gomail.v2"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/pkg/types"
)

var (
	// 非同步佇列已滿，事件被丟棄
	ErrDropped = errors.New("notification dropped")
	// Async 已關閉
	ErrClosed = errors.New("notifier closed")
	// 郵件超過發送速率，事件未寄出
	ErrRateLimited = errors.New("notification rate limited")
)

// Kind 事件種類
type Kind int

const (
	PAAutoOff Kind = iota + 1 // safety 觸發關閉
	PAAutoOn                  // 滿足遲滯條件後自動恢復
	PAForcedOn                // 管理員強制恢復
)

func (k Kind) String() string {
	switch k {
	case PAAutoOff:
		return "pa_auto_off"
	case PAAutoOn:
		return "pa_auto_on"
	case PAForcedOn:
		return "pa_forced_on"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one alarm raised by the safety engine.
type Event struct {
	Unit   types.Unit
	Kind   Kind
	AtMs   int64
	Reason string
}

// Subject 郵件主旨
func (e Event) Subject() string {
	return fmt.Sprintf("[femd] %s %s", e.Unit, e.Kind)
}

// Body 郵件內文
func (e Event) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unit:   %s\n", e.Unit)
	fmt.Fprintf(&b, "event:  %s\n", e.Kind)
	fmt.Fprintf(&b, "time:   %s\n", time.UnixMilli(e.AtMs).UTC().Format(time.RFC3339))
	if e.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", e.Reason)
	}
	return b.String()
}

// Notifier delivers an event. Failures are reported to the caller, who only logs them.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// ============================================================================
// Log
// ============================================================================

// Log writes events to a slog logger.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Kind == PAAutoOff {
		level = slog.LevelWarn
	}
	l.log.Log(context.Background(), level, "PA event",
		"unit", ev.Unit.String(), "event", ev.Kind.String(), "at_ms", ev.AtMs, "reason", ev.Reason)
	return nil
}

// ============================================================================
// Mail
// ============================================================================

// Sender is the part of gomail's Dialer used by Mail.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mail sends events as plain-text e-mail, at most one per MinInterval after a burst.
type Mail struct {
	cfg     config.MailConfig
	sender  Sender
	limiter *rate.Limiter
}

// NewMail builds a Mail notifier dialing cfg.Host:cfg.Port.
func NewMail(cfg config.MailConfig) *Mail {
	dial := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		dial.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return NewMailWithSender(cfg, dial)
}

// NewMailWithSender is NewMail with the transport replaced.
func NewMailWithSender(cfg config.MailConfig, s Sender) *Mail {
	every := time.Duration(cfg.MinIntervalMs) * time.Millisecond
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Mail{cfg: cfg, sender: s, limiter: rate.NewLimiter(limit, burst)}
}

// Message renders the e-mail for ev.
func (m *Mail) Message(ev Event) *mail.Message {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", m.cfg.To...)
	msg.SetHeader("Subject", ev.Subject())
	msg.SetBody("text/plain", ev.Body())
	return msg
}

func (m *Mail) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.limiter.Allow() {
		return ErrRateLimited
	}
	if err := m.sender.DialAndSend(m.Message(ev)); err != nil {
		return fmt.Errorf("send mail alert: %w", err)
	}
	return nil
}

// ============================================================================
// Multi
// ============================================================================

// Multi calls every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Async
// ============================================================================

// Async queues events for a background goroutine. Notify never blocks.
type Async struct {
	next    Notifier
	events  chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewAsync starts the delivery goroutine. size <= 0 selects 16.
func NewAsync(next Notifier, size int, m *metrics.Collector, log *slog.Logger) *Async {
	if size <= 0 {
		size = 16
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		next:    next,
		events:  make(chan Event, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: 30 * time.Second,
		metrics: m,
		log:     log,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.events:
			a.deliver(ev)
		case <-a.quit:
			// 關閉前送完已排隊的事件
			for {
				select {
				case ev := <-a.events:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, ev); err != nil {
		a.log.Error("notification failed", "unit", ev.Unit.String(), "event", ev.Kind.String(), "error", err)
	}
}

// Notify queues ev. It returns ErrDropped when the queue is full.
func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case <-a.quit:
		return ErrClosed
	default:
	}
	select {
	case a.events <- ev:
		return nil
	default:
		a.metrics.RecordNotifyDropped()
		a.log.Warn("notification dropped", "unit", ev.Unit.String(), "event", ev.Kind.String())
		return ErrDropped
	}
}

// Close flushes queued events and stops the goroutine. Safe to call twice.
func (a *Async) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}
