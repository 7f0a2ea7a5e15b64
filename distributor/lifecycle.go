package distributor

import (
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config collects every knob NewDistributor needs to build a Distributor.
// Every field is optional; NewDistributor fills in sensible defaults the
// same way NewPool does for a zero PoolSize.
type Config struct {
	// PoolSize is the number of serializers to build. Zero uses
	// DefaultPoolSize.
	PoolSize int
	// NamePrefix namespaces serializer names, useful when more than one
	// Distributor shares a process (tests, multi-tenant hosting).
	NamePrefix string

	Identifiers []Identifier
	Verifier    Verifier
	Dialogs     DialogFinder
	Overload    OverloadOracle
	Sink        SecurityEventSink

	// AppRequest, if set, receives every authenticated (or ACK) request
	// instead of the distributor auto-responding 501.
	AppRequest RequestHandler
	// AppResponse, if set, receives responses the distributor could not
	// hand directly to an owning client transaction.
	AppResponse ResponseHandler

	// Registerer receives the distributor's prometheus collectors. Nil
	// disables metrics entirely (Metrics methods are nil-receiver safe).
	Registerer prometheus.Registerer
}

type Option func(*Config)

func WithPoolSize(n int) Option {
	return func(c *Config) { c.PoolSize = n }
}

func WithNamePrefix(prefix string) Option {
	return func(c *Config) { c.NamePrefix = prefix }
}

func WithIdentifiers(chain ...Identifier) Option {
	return func(c *Config) { c.Identifiers = chain }
}

func WithVerifier(v Verifier) Option {
	return func(c *Config) { c.Verifier = v }
}

func WithDialogFinder(f DialogFinder) Option {
	return func(c *Config) { c.Dialogs = f }
}

func WithOverloadOracle(o OverloadOracle) Option {
	return func(c *Config) { c.Overload = o }
}

func WithSecurityEventSink(sink SecurityEventSink) Option {
	return func(c *Config) { c.Sink = sink }
}

func WithAppRequestHandler(h RequestHandler) Option {
	return func(c *Config) { c.AppRequest = h }
}

func WithAppResponseHandler(h ResponseHandler) Option {
	return func(c *Config) { c.AppResponse = h }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// NewDistributor builds and boots a Distributor in front of ua's transaction
// and transport layers. It registers itself as the transaction layer's
// request/unhandled-response/unhandled-cancel handlers, so ua must not
// already have conflicting handlers registered for those (a Distributor is
// meant to own the receive path of the UserAgent it's attached to).
func NewDistributor(ua *sipgo.UserAgent, opts ...Option) (*Distributor, error) {
	if ua.TransactionLayer() == nil || ua.TransportLayer() == nil {
		return nil, fmt.Errorf("distributor: user agent has no transaction/transport layer")
	}

	var cfg Config
	for _, o := range opts {
		o(&cfg)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = noopSecurityEventSink{}
	}

	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "ua"
	}

	d := &Distributor{
		pool:        NewPool(poolSize, prefix),
		slots:       newSlotTable(),
		identifiers: cfg.Identifiers,
		verifier:    cfg.Verifier,
		sink:        sink,
		overload:    cfg.Overload,
		dialogs:     cfg.Dialogs,
		txLayer:     ua.TransactionLayer(),
		tpLayer:     ua.TransportLayer(),
		appReq:      cfg.AppRequest,
		appRes:      cfg.AppResponse,
	}
	d.log = log.Logger.With().Str("caller", "distributor.Distributor").Logger()

	if cfg.Verifier == nil {
		d.verifier = NewDigestVerifier("distributor")
	}

	if cfg.Registerer != nil {
		d.metrics = NewMetrics()
		if err := d.metrics.Register(cfg.Registerer); err != nil {
			d.pool.Close()
			return nil, fmt.Errorf("distributor: registering metrics: %w", err)
		}
		d.stopMetrics = make(chan struct{})
		go d.runMetricsSampler(d.stopMetrics)
	}

	// Force construction of the artificial singletons now, during startup,
	// rather than lazily on the first unmatched request.
	ArtificialEndpoint()

	d.txLayer.OnRequest(d.onRequest)
	d.txLayer.UnhandledResponseHandler(d.onUnhandledResponse)
	d.txLayer.UnhandledCancelHandler(d.onUnhandledCancel)
	d.txLayer.OnMatchedCancel(d.onMatchedCancel)
	d.txLayer.OnTxRequest(d.Tag)

	d.booted.Store(true)
	d.log.Info().Int("pool_size", poolSize).Str("prefix", prefix).Msg("distributor booted")

	return d, nil
}

// Close tears the distributor down: stops accepting new work (the boot gate
// flips off so any message already in flight through onRequest is dropped
// rather than queued) and drains every serializer's existing queue before
// returning. The transaction-layer hooks registered by NewDistributor stay
// registered after Close, and the artificial endpoint and artificial auth
// singletons are not released.
func (d *Distributor) Close() error {
	if !d.booted.Swap(false) {
		// Already closed.
		return nil
	}
	if d.stopMetrics != nil {
		close(d.stopMetrics)
	}
	d.pool.Close()
	d.log.Info().Msg("distributor closed")
	return nil
}

// Logger lets application/test code install a differently configured
// logger (level, sink) after construction.
func (d *Distributor) Logger(l zerolog.Logger) {
	d.log = l
}
