// Package alert delivers state-change notifications off the hot path. The
// engine never blocks on delivery: events queue into a bounded channel and
// overflow is counted and reported rather than back-pressured.
package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityImportant Severity = "important"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the engine and safety layers hold. A nil *Manager satisfies
// it and discards everything, so alerting stays optional in wiring.
type Alerter interface {
	Important(event string, fields map[string]string)
	Info(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
)

// messageHeader opens every rendered message, followed by the severity.
// Notifiers key delivery behavior off this first line.
const messageHeader = "[infinity-grid] "

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

type Manager struct {
	variant              string
	pair                 string
	notifier             Notifier
	queue                chan stateChangeEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type stateChangeEvent struct {
	severity Severity
	event    string
	fields   map[string]string
}

func NewManager(variant, pair string, notifier Notifier) *Manager {
	return NewManagerWithOptions(variant, pair, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(variant, pair string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		variant:            variant,
		pair:               pair,
		notifier:           notifier,
		queue:              make(chan stateChangeEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	m.enqueue(SeverityImportant, event, fields)
}

func (m *Manager) Info(event string, fields map[string]string) {
	m.enqueue(SeverityInfo, event, fields)
}

func (m *Manager) enqueue(severity Severity, event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := stateChangeEvent{
		severity: severity,
		event:    event,
		fields:   cloneFields(fields),
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window logs immediately; the rest fold into the
		// periodic summary.
		if droppedInWindow == 1 {
			log.Printf(
				"level=WARN event=alert_queue_dropped target_event=%q reason=%q dropped_total=%d queue_len=%d queue_cap=%d",
				event,
				"queue_full",
				droppedTotal,
				len(m.queue),
				cap(m.queue),
			)
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	droppedTotal := atomic.LoadUint64(&m.droppedTotal)
	log.Printf(
		"level=WARN event=alert_queue_dropped_report dropped_since_last=%d dropped_total=%d report_interval_sec=%d queue_len=%d queue_cap=%d",
		dropped,
		droppedTotal,
		int64(m.dropReportInterval/time.Second),
		len(m.queue),
		cap(m.queue),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev stateChangeEvent) {
	msg := m.buildMessage(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.event, err.Error())
	}
}

func (m *Manager) buildMessage(ev stateChangeEvent) string {
	lines := []string{
		messageHeader + string(ev.severity),
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"strategy: " + m.variant,
		"pair: " + m.pair,
		"event: " + ev.event,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
