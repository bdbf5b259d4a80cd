package monitor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/pacer"
	"github.com/transferfleet/afd/internal/shm"
)

// Client is one `mon` worker's session against a single remote AFDD,
// updating msa[pos] as responses arrive. One Client exists per
// process and serves every connect/reconnect cycle of its Run loop.
type Client struct {
	MSA *shm.MSA
	Pos int

	Alias        string
	Host1, Host2 string
	Port1, Port2 int
	RCmd         string

	PollInterval time.Duration
	DialTimeout  time.Duration

	// HourOfDay returns the current hour-of-day for log-history ring
	// shift accounting; overridden in tests.
	HourOfDay func() int

	Logger zerolog.Logger

	calc  pacer.Calculator
	state pacer.State
	conn  net.Conn
}

// NewClient builds a Client from an MSA row's already-Init'd identity
// fields plus the command this remote expects.
func NewClient(m *shm.MSA, pos int, rcmd string) *Client {
	h1, h2 := m.Hostnames(pos)
	p1, p2 := m.Ports(pos)
	return &Client{
		MSA:          m,
		Pos:          pos,
		Alias:        m.Alias(pos),
		Host1:        h1,
		Host2:        h2,
		Port1:        int(p1),
		Port2:        int(p2),
		RCmd:         rcmd,
		PollInterval: time.Duration(m.PollInterval(pos)) * time.Second,
		DialTimeout:  10 * time.Second,
		HourOfDay:    func() int { return time.Now().Hour() },
		Logger:       afdlog.WithComponent("mon").With().Str("afd_alias", m.Alias(pos)).Logger(),
		calc:         pacer.NewDefault(pacer.MinSleep(time.Second), pacer.MaxSleep(RetryInterval)),
		state:        pacer.State{SleepTime: RetryInterval},
	}
}

// RetryInterval is how long a `mon` worker waits before reconnecting after
// a disconnect or AFDD-initiated shutdown.
const RetryInterval = 30 * time.Second

// Run drives the poll loop until ctx is cancelled: connect, read and apply
// lines until disconnect, mark MSA DISCONNECTED, wait RetryInterval,
// reconnect. The pacer state starts at RetryInterval, which is also the
// calculator's ceiling, so every attack step lands on RetryInterval.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.session(ctx)
		_ = c.MSA.SetConnectStatus(c.Pos, shm.StatusDisconnected)
		c.MSA.SetDisconnectTime(c.Pos, time.Now().Unix())
		if err != nil {
			c.Logger.Warn().Err(err).Msg("afdd session ended")
		}
		c.state.ConsecutiveRetries++
		c.state.SleepTime = c.calc.Calculate(c.state)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.state.SleepTime):
		}
	}
}

// session runs one connect-to-disconnect cycle.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("monitor: dial %s: %w", c.Alias, err)
	}
	defer conn.Close()
	c.conn = conn

	c.state.ConsecutiveRetries = 0
	c.state.SleepTime = c.calc.Calculate(c.state)
	_ = c.MSA.SetConnectStatus(c.Pos, shm.StatusEstablished)
	c.MSA.SetConnectTime(c.Pos, time.Now().Unix())

	if c.RCmd != "" {
		if _, err := fmt.Fprintf(conn, "%s\r\n", c.RCmd); err != nil {
			return fmt.Errorf("send rcmd: %w", err)
		}
	}

	sc := bufio.NewScanner(conn)
	sc.Split(scanCRLF)
	for sc.Scan() {
		raw := sc.Text()
		if IsShutdown(raw) {
			return nil
		}
		line, err := ParseLine(raw)
		if err != nil {
			c.Logger.Debug().Err(err).Str("raw", raw).Msg("unparseable afdd line, skipping")
			continue
		}
		if err := Apply(c.MSA, c.Pos, line, c.HourOfDay()); err != nil {
			c.Logger.Warn().Err(err).Str("prefix", line.Prefix).Msg("applying afdd line")
		}
	}
	return sc.Err()
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	host, port := c.Host1, c.Port1
	if host == "" {
		host, port = c.Host2, c.Port2
	}
	d := net.Dialer{Timeout: c.DialTimeout}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err == nil || c.Host2 == "" || host == c.Host2 {
		return conn, err
	}
	// Primary hostname failed and a secondary one is configured (the
	// same two-slot HOST_ONE/HOST_TWO toggle FSA uses for send hosts);
	// try it before giving up this cycle.
	addr2 := fmt.Sprintf("%s:%d", c.Host2, c.Port2)
	return d.DialContext(ctx, "tcp", addr2)
}

// scanCRLF is a bufio.SplitFunc that splits on the AFDD wire terminator
// `\r\n` instead of bufio.ScanLines' bare `\n`.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := strings.Index(string(data), "\r\n"); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
