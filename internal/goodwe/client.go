package goodwe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/simonvetter/modbus"
	log "github.com/sirupsen/logrus"
)

// Configuration for the inverter bus connection and limiter registers.
type Configuration struct {
	Host                       string  `yaml:"host"`
	UnitID                     uint8   `yaml:"unitId"`
	TimeoutSeconds             float64 `yaml:"timeoutSeconds"`
	Retries                    int     `yaml:"retries"`
	ReconnectOnError           *bool   `yaml:"reconnectOnError"`
	ReconnectMinBackoffSeconds float64 `yaml:"reconnectMinBackoffSeconds"`
	ReconnectMaxBackoffSeconds float64 `yaml:"reconnectMaxBackoffSeconds"`

	RatedWatts           int    `yaml:"ratedWatts"`
	LimitMode            string `yaml:"limitMode"`
	ExportSwitchRegister uint16 `yaml:"exportSwitchRegister"`
	ExportPctRegister    uint16 `yaml:"exportPctRegister"`
	ExportPct10Register  uint16 `yaml:"exportPct10Register"`
	ActivePctRegister    uint16 `yaml:"activePctRegister"`
	AlwaysEnabled        *bool  `yaml:"alwaysEnabled"`

	RuntimeProfile string `yaml:"runtimeProfile"`
}

// ReconnectEnabled reports whether the transport should reconnect on
// connection-level failures (default true).
func (c *Configuration) ReconnectEnabled() bool {
	return c.ReconnectOnError == nil || *c.ReconnectOnError
}

// AlwaysEnabledFlag reports whether the limiter forces the export switch on
// (default true).
func (c *Configuration) AlwaysEnabledFlag() bool {
	return c.AlwaysEnabled == nil || *c.AlwaysEnabled
}

// IOError is raised after a register call has exhausted its retries. It
// carries the last underlying failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("goodwe %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// unitStrategy is one way of addressing the target device. GoodWe dongles and
// Modbus/TCP gateways disagree on which unit id they answer for, so the
// client negotiates from an ordered list at first use and memoizes the winner.
type unitStrategy struct {
	unitID uint8
}

func (s unitStrategy) String() string {
	return fmt.Sprintf("unit=%d", s.unitID)
}

const interRetryDelay = 50 * time.Millisecond

// Client is the register transport: one persistent Modbus TCP connection with
// per-call retries, backoff-gated reconnect, and unit-id negotiation.
type Client struct {
	config  Configuration
	metrics *BusMetrics

	mu sync.Mutex
	mc *modbus.ModbusClient

	strategies []unitStrategy
	strategy   int // index into strategies once negotiated, -1 before

	reconnectFailures int
	nextReconnect     time.Time
}

// NewClient builds an unconnected transport. Call Connect before use.
func NewClient(config Configuration, metrics *BusMetrics) *Client {
	return &Client{
		config:     config,
		metrics:    metrics,
		strategies: unitStrategies(config.UnitID),
		strategy:   -1,
	}
}

// unitStrategies returns the configured unit id followed by the alternates
// seen in the wild (native GoodWe address 247, gateway default 1).
func unitStrategies(configured uint8) []unitStrategy {
	candidates := []uint8{configured, 247, 1}
	var out []unitStrategy
	seen := make(map[uint8]bool)
	for _, id := range candidates {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, unitStrategy{unitID: id})
	}
	return out
}

// Connect discards any existing socket and dials a fresh one. On success the
// reconnect backoff resets.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	c.closeLocked()

	timeout := time.Duration(c.config.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	mc, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", c.config.Host),
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := mc.Open(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.Host, err)
	}

	c.mc = mc
	c.reconnectFailures = 0
	c.nextReconnect = time.Time{}
	return nil
}

// Close drops the bus connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.mc != nil {
		if err := c.mc.Close(); err != nil {
			log.Debugf("goodwe: close: %v", err)
		}
		c.mc = nil
	}
}

// ReadHolding reads count holding registers starting at address.
func (c *Client) ReadHolding(address, quantity uint16) ([]uint16, error) {
	return c.readRegisters("read_holding", address, quantity, modbus.HOLDING_REGISTER)
}

// ReadInput reads count input registers starting at address.
func (c *Client) ReadInput(address, quantity uint16) ([]uint16, error) {
	return c.readRegisters("read_input", address, quantity, modbus.INPUT_REGISTER)
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(address, value uint16) error {
	return c.do("write_register", func(mc *modbus.ModbusClient) error {
		return mc.WriteRegister(address, value)
	})
}

func (c *Client) readRegisters(op string, address, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	var regs []uint16
	err := c.do(op, func(mc *modbus.ModbusClient) error {
		var callErr error
		regs, callErr = mc.ReadRegisters(address, quantity, regType)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// do runs one register call under the retry policy: a short fixed delay
// between attempts, reconnect (gated by backoff) after connection failures,
// and an immediate stop on deterministic protocol exceptions.
func (c *Client) do(op string, fn func(mc *modbus.ModbusClient) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := c.config.Retries
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return c.attempt(op, fn) },
		retry.Attempts(uint(attempts)),
		retry.Delay(interRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !isProtocolException(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("goodwe: %s attempt %d failed: %v", op, n+1, err)
			c.maybeReconnect(op, err)
		}),
	)
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncBusFailure(op)
		}
		return &IOError{Op: op, Err: err}
	}
	return nil
}

// attempt performs a single call. While the unit addressing is still
// unresolved it walks the strategy list, accepting the first one the device
// answers under; the winner is kept for the life of the transport.
func (c *Client) attempt(op string, fn func(mc *modbus.ModbusClient) error) error {
	if c.mc == nil {
		c.maybeReconnect(op, errNotConnected)
		if c.mc == nil {
			return errNotConnected
		}
	}

	if c.strategy >= 0 {
		if err := c.mc.SetUnitId(c.strategies[c.strategy].unitID); err != nil {
			return err
		}
		return fn(c.mc)
	}

	var last error
	for i, s := range c.strategies {
		if err := c.mc.SetUnitId(s.unitID); err != nil {
			last = err
			continue
		}
		err := fn(c.mc)
		if err == nil {
			c.strategy = i
			log.Debugf("goodwe: %s negotiated addressing %s", op, s)
			return nil
		}
		if isUnitMismatch(err) {
			last = err
			continue
		}
		// A real failure under the first accepted shape; negotiation is
		// about addressing, not about retrying transport errors.
		return err
	}
	return fmt.Errorf("%s: no unit addressing accepted: %w", op, last)
}

var errNotConnected = errors.New("modbus client not connected")

// maybeReconnect tears down and re-establishes the connection after a
// connection-level failure, no more often than the exponential backoff
// allows.
func (c *Client) maybeReconnect(op string, err error) {
	if !c.config.ReconnectEnabled() {
		return
	}
	if !isConnectionError(err) {
		return
	}

	now := time.Now()
	if now.Before(c.nextReconnect) {
		return
	}

	backoff := c.backoffDelay(c.reconnectFailures)

	log.Warnf("goodwe: reconnecting %s after %s: %v", c.config.Host, op, err)
	if c.metrics != nil {
		c.metrics.IncReconnect()
	}

	if connErr := c.connectLocked(); connErr == nil {
		log.Infof("goodwe: reconnected %s", c.config.Host)
		return
	}

	c.reconnectFailures++
	c.nextReconnect = now.Add(backoff)
	log.Warnf("goodwe: reconnect failed; next retry in %s", backoff)
}

// backoffDelay is min * 2^failures, clamped to [min, max].
func (c *Client) backoffDelay(failures int) time.Duration {
	minBackoff := c.config.ReconnectMinBackoffSeconds
	if minBackoff <= 0 {
		minBackoff = 1
	}
	maxBackoff := c.config.ReconnectMaxBackoffSeconds
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}

	backoff := minBackoff
	for i := 0; i < failures; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	return time.Duration(backoff * float64(time.Second))
}

// isProtocolException reports whether the device replied with a deterministic
// Modbus exception. Retrying those cannot help and must not provoke a
// reconnect.
func isProtocolException(err error) bool {
	return errors.Is(err, modbus.ErrIllegalFunction) ||
		errors.Is(err, modbus.ErrIllegalDataAddress) ||
		errors.Is(err, modbus.ErrIllegalDataValue) ||
		errors.Is(err, modbus.ErrServerDeviceFailure)
}

// isUnitMismatch reports whether the failure means the request never reached
// a device under this unit id, i.e. the addressing strategy should be
// rejected rather than the call failed.
func isUnitMismatch(err error) bool {
	return errors.Is(err, modbus.ErrBadUnitId) ||
		errors.Is(err, modbus.ErrGWPathUnavailable) ||
		errors.Is(err, modbus.ErrGWTargetFailedToRespond)
}

// isConnectionError classifies socket/transport level failures that a
// reconnect might fix.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if isProtocolException(err) || isUnitMismatch(err) {
		return false
	}
	if errors.Is(err, errNotConnected) {
		return true
	}
	if errors.Is(err, modbus.ErrRequestTimedOut) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"broken pipe",
		"connection reset",
		"connection aborted",
		"connection refused",
		"timed out",
		"timeout",
		"no route to host",
		"network is unreachable",
		"not connected",
		"connection closed",
		"use of closed",
		"socket",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
