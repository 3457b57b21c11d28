// Package purger sends HTCP CLR purges for batches of URLs to the cache
// endpoints selected by a routing table.
package purger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/htcp-purger/internal/htcp"
	"github.com/postalsys/htcp-purger/internal/logging"
	"github.com/postalsys/htcp-purger/internal/metrics"
	"github.com/postalsys/htcp-purger/internal/recovery"
	"github.com/postalsys/htcp-purger/internal/routing"
	"github.com/postalsys/htcp-purger/internal/transport"
)

// CategoryPurgeError is the diagnostic category used for routing misses.
const CategoryPurgeError = "error/htcp-purge"

var (
	// ErrInvalidTTL is returned for a multicast TTL outside 0..255.
	ErrInvalidTTL = errors.New("multicast ttl must be between 0 and 255")

	// ErrInvalidRate is returned for a negative send rate or burst.
	ErrInvalidRate = errors.New("rate and burst must not be negative")
)

// Options configures a Purger.
type Options struct {
	// Routes map URLs to cache endpoints. At least one is required.
	Routes []routing.Rule

	// MulticastTTL applies to multicast destinations. Zero means 8.
	MulticastTTL int

	// LocalAddr is the local bind address. Empty picks an ephemeral port.
	LocalAddr string

	// Log receives routing-miss diagnostics. Nil discards them.
	Log logging.DiagnosticFunc

	// Logger receives debug and error output. Nil discards it.
	Logger *slog.Logger

	// Metrics records purge counters. Nil disables metrics.
	Metrics *metrics.Metrics

	// Rate limits sends to this many packets per second across all
	// batches. Zero means unlimited.
	Rate float64

	// Burst is the limiter burst size. Zero means 1 when Rate is set.
	Burst int
}

// Purger builds and sends CLR packets. Bind must be called before Purge.
type Purger struct {
	resolver *routing.Resolver
	counter  htcp.Counter

	// encodeMu serializes id allocation and encoding so ids follow the
	// order in which batches hand URLs over.
	encodeMu sync.Mutex

	socket  *transport.UDPSocket
	sender  transport.Sender
	limiter *rate.Limiter

	log     logging.DiagnosticFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New validates opts and creates a Purger owning its UDP socket.
func New(opts Options) (*Purger, error) {
	p, err := newPurger(opts)
	if err != nil {
		return nil, err
	}

	p.socket = transport.NewUDPSocket(transport.UDPConfig{
		LocalAddr:    opts.LocalAddr,
		MulticastTTL: opts.MulticastTTL,
		Logger:       p.logger,
	})
	p.sender = p.socket
	return p, nil
}

// NewWithSender creates a Purger that transmits through sender instead of
// its own socket. Bind and Close become no-ops.
func NewWithSender(opts Options, sender transport.Sender) (*Purger, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	p, err := newPurger(opts)
	if err != nil {
		return nil, err
	}
	p.sender = sender
	return p, nil
}

func newPurger(opts Options) (*Purger, error) {
	resolver, err := routing.NewResolver(opts.Routes)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if opts.MulticastTTL < 0 || opts.MulticastTTL > 255 {
		return nil, fmt.Errorf("config error: %w: %d", ErrInvalidTTL, opts.MulticastTTL)
	}
	if opts.Rate < 0 || opts.Burst < 0 {
		return nil, fmt.Errorf("config error: %w", ErrInvalidRate)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	log := opts.Log
	if log == nil {
		log = logging.NopDiagnostic
	}

	p := &Purger{
		resolver: resolver,
		log:      log,
		logger:   logger.With(slog.String(logging.KeyComponent, "purger")),
		metrics:  opts.Metrics,
	}

	if opts.Rate > 0 {
		burst := opts.Burst
		if burst == 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return p, nil
}

// Bind acquires the outbound socket. Failure is fatal for the Purger.
func (p *Purger) Bind(ctx context.Context) error {
	if p.socket == nil {
		return nil
	}
	return p.socket.Bind(ctx)
}

// Close releases the socket. It is idempotent and never fails.
func (p *Purger) Close() {
	if p.socket != nil {
		p.socket.Close()
	}
}

// LocalAddr returns the bound socket address, or nil.
func (p *Purger) LocalAddr() net.Addr {
	if p.socket == nil {
		return nil
	}
	return p.socket.LocalAddr()
}

// Resolver returns the routing table in use.
func (p *Purger) Resolver() *routing.Resolver {
	return p.resolver
}

// NextTransactionID returns the id the next encoded packet will carry.
func (p *Purger) NextTransactionID() uint32 {
	return p.counter.Peek()
}

// job is one URL of a batch ready to send.
type job struct {
	index  int
	dest   routing.Destination
	packet []byte
}

// Purge sends one CLR packet per URL and returns once every send has
// completed or been skipped. URLs with no matching route are reported
// through the diagnostic callback and skipped. Encode and send failures do
// not stop the other URLs; they are returned joined, one *URLError each.
func (p *Purger) Purge(ctx context.Context, urls []string) (*Report, error) {
	start := time.Now()
	report := &Report{Results: make([]Result, len(urls))}
	errs := make([]error, len(urls))

	jobs := p.prepare(urls, report, errs)

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer recovery.Guard(p.logger, "purge", func(err error) {
				errs[j.index] = p.fail(&report.Results[j.index], "send", metrics.ErrorTypePanic, err)
			})
			errs[j.index] = p.send(ctx, j, &report.Results[j.index])
		}(j)
	}
	wg.Wait()

	report.Duration = time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordBatch(len(urls), report.Duration.Seconds())
	}

	return report, errors.Join(errs...)
}

// prepare resolves and encodes urls in order, filling in results for
// misses and encode failures.
func (p *Purger) prepare(urls []string, report *Report, errs []error) []job {
	p.encodeMu.Lock()
	defer p.encodeMu.Unlock()

	jobs := make([]job, 0, len(urls))
	for i, url := range urls {
		res := &report.Results[i]
		res.URL = url

		dest, ok := p.resolver.Resolve(url)
		if !ok {
			res.Outcome = OutcomeNoRoute
			p.log(CategoryPurgeError, map[string]any{
				"msg": fmt.Sprintf("Could not find route for %s", url),
			})
			if p.metrics != nil {
				p.metrics.RecordRouteMiss()
			}
			continue
		}
		res.Destination = dest

		// Only consume an id once the packet is known to encode.
		txID := p.counter.Peek()
		packet, err := htcp.Encode(url, txID)
		if err != nil {
			errs[i] = p.fail(res, "encode", metrics.ErrorTypeEncode, err)
			continue
		}
		p.counter.Next()
		res.TransactionID = txID

		jobs = append(jobs, job{index: i, dest: dest, packet: packet})
	}
	return jobs
}

func (p *Purger) send(ctx context.Context, j job, res *Result) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return p.fail(res, "rate limit", metrics.ErrorTypeRate, err)
		}
	}

	dest := j.dest.String()

	if p.metrics != nil {
		p.metrics.SendStarted()
		defer p.metrics.SendFinished()
	}

	if err := p.sender.Send(ctx, j.packet, dest); err != nil {
		return p.fail(res, "send", metrics.ErrorTypeSend, err)
	}

	res.Outcome = OutcomeSent
	res.Bytes = len(j.packet)
	if p.metrics != nil {
		p.metrics.RecordPacketSent(dest, len(j.packet))
	}

	p.logger.Debug("purge sent",
		logging.KeyURL, res.URL,
		logging.KeyDestination, dest,
		logging.KeyTxID, res.TransactionID,
		logging.KeyBytes, len(j.packet))

	return nil
}

func (p *Purger) fail(res *Result, op, errorType string, err error) error {
	res.Outcome = OutcomeFailed
	res.Err = err
	if p.metrics != nil {
		p.metrics.RecordPurgeError(errorType)
	}
	p.logger.Warn("purge failed",
		logging.KeyURL, shortURL(res.URL),
		"op", op,
		logging.KeyError, err)
	return &URLError{URL: res.URL, Op: op, Err: err}
}
