// Package ledgerclient talks to an ESC ledger node through its command-line
// client. Each command runs the client binary once, writes one JSON request
// to its stdin and decodes the JSON document it prints.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/circuitbreaker"
	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/ledgerclient/retry"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/adshares/ads-tests-sub000/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// NodeError is an error the node reported for a well-formed request, such
// as a rejected transfer. It never trips the circuit breaker.
type NodeError struct {
	Command string
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error: %s: %s", e.Command, e.Message)
}

// Runner executes the client binary. ExecRunner is the production one.
type Runner interface {
	Run(ctx context.Context, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs Binary as a child process.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("run %s: %w", r.Binary, err)
		}
		return nil, fmt.Errorf("run %s: %w: %s", r.Binary, err, msg)
	}
	return stdout.Bytes(), nil
}

// Signer is the account a command is issued as.
type Signer struct {
	Address model.Address
	Secret  string
}

// Command is one request in the client's stdin protocol.
type Command struct {
	Run     string            `json:"run"`
	Address model.Address     `json:"address,omitempty"`
	Amount  string            `json:"amount,omitempty"`
	Wires   map[string]string `json:"wires,omitempty"`
	Message string            `json:"message,omitempty"`
	From    string            `json:"from,omitempty"`
	Status  string            `json:"status,omitempty"`
}

// Idempotent reports whether the command can be repeated without a second
// ledger effect.
func (c Command) Idempotent() bool {
	return strings.HasPrefix(c.Run, "get_")
}

type Config struct {
	Host        string
	Port        int
	Timeout     time.Duration // per invocation
	RPS         float64       // zero disables rate limiting
	Burst       int
	MaxAttempts int // for idempotent commands
	Backoff     time.Duration
	Breaker     circuitbreaker.Config
}

// Client is safe for concurrent use.
type Client struct {
	runner  Runner
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

func New(runner Runner, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "node-" + cfg.Host + ":" + strconv.Itoa(cfg.Port)
	}
	cfg.Breaker.Trips = func(err error) bool {
		var nodeErr *NodeError
		return !errors.As(err, &nodeErr) && !errors.Is(err, context.Canceled)
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		runner:  runner,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger.With("component", "ledgerclient"),
		sleep:   sleepCtx,
	}
}

// Call runs cmd as signer and returns the raw node output. Idempotent
// commands are retried on transient failures.
func (c *Client) Call(ctx context.Context, signer Signer, cmd Command) (json.RawMessage, error) {
	ctx, span := tracing.Start(ctx, "ledgerclient", "node."+cmd.Run,
		attribute.String("signer", signer.Address.String()),
		attribute.String("command", cmd.Run),
	)
	out, err := c.call(ctx, signer, cmd)
	tracing.End(span, err)
	return out, err
}

func (c *Client) call(ctx context.Context, signer Signer, cmd Command) (json.RawMessage, error) {
	attempts := 1
	if cmd.Idempotent() {
		attempts = c.cfg.MaxAttempts
	}

	backoff := c.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := c.invoke(ctx, signer, cmd)
		if err == nil {
			return out, nil
		}
		lastErr = err

		decision := retry.Classify(err)
		if !decision.IsTransient() || attempt == attempts {
			break
		}
		metrics.NodeRetriesTotal.WithLabelValues(cmd.Run).Inc()
		c.logger.Warn("node call failed, retrying",
			"command", cmd.Run, "attempt", attempt, "reason", decision.Reason, "backoff", backoff, "error", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) invoke(ctx context.Context, signer Signer, cmd Command) (json.RawMessage, error) {
	if err := c.wait(ctx, cmd.Run); err != nil {
		return nil, err
	}

	stdin, err := json.Marshal(cmd)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("marshal %s: %w", cmd.Run, err))
	}
	stdin = append(stdin, '\n')

	var out json.RawMessage
	start := time.Now()
	err = c.breaker.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		raw, err := c.runner.Run(callCtx, c.args(signer), stdin)
		if err != nil {
			return err
		}
		out, err = firstDocument(raw)
		if err != nil {
			return fmt.Errorf("decode %s output: %w", cmd.Run, err)
		}
		return nodeError(cmd.Run, out)
	})
	metrics.NodeCallLatency.WithLabelValues(cmd.Run).Observe(time.Since(start).Seconds())
	metrics.NodeCallsTotal.WithLabelValues(cmd.Run, outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) wait(ctx context.Context, command string) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RateLimitWaitsTotal.WithLabelValues(command).Inc()
	if err := c.sleep(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

func (c *Client) args(signer Signer) []string {
	args := []string{
		"--host", c.cfg.Host,
		"--port", strconv.Itoa(c.cfg.Port),
		"--address", signer.Address.String(),
	}
	if signer.Secret != "" {
		args = append(args, "--secret", signer.Secret)
	}
	return args
}

// firstDocument returns the first JSON value printed by the client; it may
// echo more after it.
func firstDocument(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, retry.Transient(errors.New("no response from node"))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func nodeError(command string, out json.RawMessage) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(out, &envelope); err != nil {
		return nil
	}
	if envelope.Error != "" {
		return &NodeError{Command: command, Message: envelope.Error}
	}
	return nil
}

func outcome(err error) string {
	var nodeErr *NodeError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &nodeErr):
		return "rejected"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	default:
		return metrics.OutcomeError
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TxResult is the node's answer to a transaction command.
type TxResult struct {
	Account model.Account `json:"account"`
	Tx      struct {
		ID     string          `json:"id"`
		Fee    decimal.Decimal `json:"fee"`
		Deduct decimal.Decimal `json:"deduct"`
	} `json:"tx"`
	Raw json.RawMessage `json:"-"`
}

func decodeTx(raw json.RawMessage) (*TxResult, error) {
	var res TxResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedResponse, err)
	}
	res.Raw = raw
	return &res, nil
}

// GetLog fetches the signer's log from the given second on. Zero fetches
// the whole history.
func (c *Client) GetLog(ctx context.Context, signer Signer, from int64) (*model.LogResponse, error) {
	cmd := Command{Run: "get_log"}
	if from > 0 {
		cmd.From = strconv.FormatInt(from, 10)
	}
	raw, err := c.Call(ctx, signer, cmd)
	if err != nil {
		return nil, err
	}
	return model.DecodeLogResponse(raw)
}

// GetAccount returns the current state of address as seen by signer.
func (c *Client) GetAccount(ctx context.Context, signer Signer, address model.Address) (*model.Account, error) {
	raw, err := c.Call(ctx, signer, Command{Run: "get_account", Address: address})
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Account *model.Account `json:"account"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedResponse, err)
	}
	if envelope.Account == nil {
		return nil, fmt.Errorf("%w: missing account", model.ErrMalformedResponse)
	}
	return envelope.Account, nil
}

func (c *Client) tx(ctx context.Context, signer Signer, cmd Command) (*TxResult, error) {
	raw, err := c.Call(ctx, signer, cmd)
	if err != nil {
		return nil, err
	}
	return decodeTx(raw)
}

func (c *Client) SendOne(ctx context.Context, signer Signer, to model.Address, amount decimal.Decimal) (*TxResult, error) {
	return c.tx(ctx, signer, Command{Run: "send_one", Address: to, Amount: amount.String()})
}

func (c *Client) SendMany(ctx context.Context, signer Signer, wires map[model.Address]decimal.Decimal) (*TxResult, error) {
	w := make(map[string]string, len(wires))
	for addr, amount := range wires {
		w[addr.String()] = amount.String()
	}
	return c.tx(ctx, signer, Command{Run: "send_many", Wires: w})
}

// Broadcast sends a hex-encoded message to the network.
func (c *Client) Broadcast(ctx context.Context, signer Signer, messageHex string) (*TxResult, error) {
	return c.tx(ctx, signer, Command{Run: "broadcast", Message: messageHex})
}

// RetrieveFunds asks the node to move the balance of an inactive account
// on another node to the signer.
func (c *Client) RetrieveFunds(ctx context.Context, signer Signer, from model.Address) (*TxResult, error) {
	return c.tx(ctx, signer, Command{Run: "retrieve_funds", Address: from})
}

func (c *Client) SetAccountStatus(ctx context.Context, signer Signer, address model.Address, status string) (*TxResult, error) {
	return c.tx(ctx, signer, Command{Run: "set_account_status", Address: address, Status: status})
}

func (c *Client) UnsetAccountStatus(ctx context.Context, signer Signer, address model.Address, status string) (*TxResult, error) {
	return c.tx(ctx, signer, Command{Run: "unset_account_status", Address: address, Status: status})
}

// BreakerState exposes the node circuit state for health reporting.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
