// Command distributor-demo wires a Distributor in front of a trivial
// echo-200 application handler. The Server handle is used only for its
// transport listen loop; the Distributor takes over the transaction
// layer's request and response handlers.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/distributor"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipgo/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.1:5060", "Listen address")
	tran := flag.String("t", "udp", "Transport")
	metricsAddr := flag.String("metrics", ":9090", "Prometheus /metrics listen address")
	creds := flag.String("u", "alice:wonderland", "Comma separated username:password list, all in one realm")
	poolSize := flag.Int("pool-size", distributor.DefaultPoolSize, "Serializer pool size")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("SIP_DEBUG") != "" {
		transport.SIPDebug = true
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	endpoints := make(map[string]*distributor.Endpoint)
	for _, c := range strings.Split(*creds, ",") {
		parts := strings.SplitN(c, ":", 2)
		if len(parts) != 2 {
			continue
		}
		user, pass := parts[0], parts[1]
		endpoints[user] = distributor.NewEndpoint(user, true, distributor.Account{
			Username: user,
			Password: pass,
			Realm:    "distributor-demo",
		})
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("distributor-demo"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up user agent")
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up transport")
	}

	registerer := prometheus.NewRegistry()

	dist, err := distributor.NewDistributor(ua,
		distributor.WithPoolSize(*poolSize),
		distributor.WithNamePrefix("demo"),
		distributor.WithIdentifiers(distributor.NewFromURIIdentifier(endpoints)),
		distributor.WithVerifier(distributor.NewDigestVerifier("distributor-demo")),
		distributor.WithRegisterer(registerer),
		distributor.WithAppRequestHandler(echoOK),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to boot distributor")
	}
	defer dist.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
		log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("addr", *extIP).Str("transport", *tran).Msg("listening")
	if err := srv.ListenAndServe(context.Background(), *tran, *extIP); err != nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
}

// echoOK is the stand-in application handler: every authenticated,
// identified, non-ACK request gets a 200 on its server transaction. ACKs are
// passed through to it as well and get no response.
func echoOK(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if req.IsAck() {
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		log.Error().Err(err).Msg("failed to respond")
	}
}
