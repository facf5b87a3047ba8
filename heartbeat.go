package signalr

import (
	"fmt"
	"sync"
	"time"
)

const defaultKeepAliveTimeout = 20 * time.Second

//KeepAliveData tunes how the connection decides a silent server is gone.
type KeepAliveData struct {
	// TimeoutWarning is the silence after which OnConnectionSlow handlers are told.
	TimeoutWarning time.Duration
	// Timeout is the silence after which the connection starts reconnecting.
	Timeout time.Duration
	// CheckInterval is how often silence is measured.
	CheckInterval time.Duration
}

// NewKeepAliveData validates and builds keep-alive settings.
func NewKeepAliveData(timeoutWarning, timeout, checkInterval time.Duration) (KeepAliveData, error) {
	kad := KeepAliveData{TimeoutWarning: timeoutWarning, Timeout: timeout, CheckInterval: checkInterval}

	return kad, kad.validate()
}

// KeepAliveFromTimeout derives client settings from the keep-alive timeout a server advertises.
func KeepAliveFromTimeout(timeout time.Duration) KeepAliveData {
	warning := timeout * 2 / 3

	return KeepAliveData{
		TimeoutWarning: warning,
		Timeout:        timeout,
		CheckInterval:  (timeout - warning) / 3,
	}
}

func (kad KeepAliveData) validate() error {
	if kad.CheckInterval <= 0 {
		return InvalidOperationError(fmt.Sprintf("keep-alive check interval must be positive, got %s", kad.CheckInterval))
	}
	if kad.Timeout <= 0 {
		return InvalidOperationError(fmt.Sprintf("keep-alive timeout must be positive, got %s", kad.Timeout))
	}

	return nil
}

// SetKeepAliveData installs new keep-alive settings. The running monitor picks them up
// immediately and measures against them from its next tick on.
func (c *client) SetKeepAliveData(kad KeepAliveData) error {
	if err := kad.validate(); err != nil {
		return err
	}

	c.keepAlive.Store(&kad)
	c.keepAliveOverridden.Store(true)
	c.keepAliveDisabled.Store(false)
	c.trace(TraceEvents, "keep-alive settings replaced",
		"warning", kad.TimeoutWarning, "timeout", kad.Timeout, "check_interval", kad.CheckInterval)

	select {
	case c.keepAliveReset <- struct{}{}:
	default:
	}

	return nil
}

func (c *client) KeepAliveData() KeepAliveData {
	return *c.keepAlive.Load()
}

func (c *client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *client) sinceLastActivity() time.Duration {
	n := c.lastActivity.Load()
	if n == 0 {
		return 0
	}

	return time.Since(time.Unix(0, n))
}

// keepAliveMonitor watches one stream. It is replaced, never restarted, across reconnects.
type keepAliveMonitor struct {
	c      *client
	stream Stream

	stop     chan struct{}
	stopOnce sync.Once
}

func newKeepAliveMonitor(c *client, stream Stream) *keepAliveMonitor {
	return &keepAliveMonitor{c: c, stream: stream, stop: make(chan struct{})}
}

func (m *keepAliveMonitor) halt() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *keepAliveMonitor) run() {
	ticker := time.NewTicker(m.c.keepAlive.Load().CheckInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-m.stop:
			return
		case <-m.c.keepAliveReset:
			ticker.Reset(m.c.keepAlive.Load().CheckInterval)
		case <-ticker.C:
			if m.check(&warned) {
				return
			}
		}
	}
}

// check measures silence once against a single snapshot of the settings. Returns true when
// the stream was declared lost.
func (m *keepAliveMonitor) check(warned *bool) bool {
	if m.c.keepAliveDisabled.Load() {
		*warned = false
		return false
	}

	kad := m.c.keepAlive.Load()
	elapsed := m.c.sinceLastActivity()

	switch {
	case elapsed >= kad.Timeout:
		m.c.metrics.keepAliveTimeouts.Inc()
		m.c.trace(TraceEvents, "keep-alive timed out", "elapsed", elapsed, "timeout", kad.Timeout)
		m.c.transportLost(m.stream, TimeoutError(fmt.Sprintf("no message received for %s", elapsed.Round(time.Millisecond))))
		return true
	case elapsed >= kad.TimeoutWarning:
		if !*warned {
			*warned = true
			m.c.metrics.keepAliveWarnings.Inc()
			m.c.trace(TraceEvents, "keep-alive warning", "elapsed", elapsed, "warning", kad.TimeoutWarning)
			m.c.notifyConnectionSlow()
		}
	default:
		*warned = false
	}

	return false
}
