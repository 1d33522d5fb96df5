package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"netreactor"
)

const (
	openFilesCur = 4096
	openFilesMax = 100000
)

var config *netreactor.Config

func init() {
	configFilePath := flag.String("c", "cmd/echo/config.toml", "path to configuration file.")
	flag.Parse()
	var err error
	config, err = netreactor.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load config: %+v", err)
	}
	initLog(config)
}

func initLog(config *netreactor.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		log.Warn().Msgf("unknown log level %q, using info", config.Global.LogLevel)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func onConnection(conn *netreactor.Connection) {
	log.Info().Msgf("%s -> %s is %s", conn.PeerAddr(), conn.LocalAddr(), conn.State())
}

func onMessage(conn *netreactor.Connection, buf *netreactor.Buffer, receiveTime time.Time) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("%s echo %d bytes received at %s", conn.Name(), buf.ReadableBytes(), receiveTime.Format(time.RFC3339Nano))
	}
	conn.SendBuffer(buf)
}

func main() {
	log.Info().Msg("starting echo server...")
	if _, err := netreactor.RaiseOpenFileLimit(openFilesCur, openFilesMax); err != nil {
		log.Warn().Msgf("keeping current open files limit: %+v", err)
	}

	loop := netreactor.NewEventLoop(netreactor.EventLoopConfig{Name: "main"})
	servers := make([]*netreactor.Server, 0, len(config.Servers))
	for _, serverConfig := range config.Servers {
		server := netreactor.NewServer(loop, serverConfig.ListenAddr(), serverConfig.Name, serverConfig)
		server.SetConnectionCallback(onConnection)
		server.SetMessageCallback(onMessage)
		server.SetHighWaterMarkCallback(func(conn *netreactor.Connection, pending int) {
			log.Warn().Msgf("%s has %d bytes pending, pausing reads", conn.Name(), pending)
			conn.StopRead()
		})
		server.SetWriteCompleteCallback(func(conn *netreactor.Connection) {
			conn.StartRead()
		})
		server.Start()
		servers = append(servers, server)
	}

	metricsServer := serveMetrics(config.Global.MetricsAddress, servers)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Info().Msgf("got %s, stopping", sig)
		loop.Quit()
	}()

	loop.Loop()

	var err error
	if metricsServer != nil {
		err = multierr.Append(err, metricsServer.Close())
	}
	for _, server := range servers {
		err = multierr.Append(err, server.Close())
	}
	err = multierr.Append(err, loop.Close())
	if err != nil {
		log.Error().Msgf("shutdown finished with errors: %+v", err)
		os.Exit(1)
	}
	log.Info().Msg("echo server stopped")
}

func serveMetrics(address string, servers []*netreactor.Server) *http.Server {
	if address == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(netreactor.NewStatsCollector(servers...))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf("metrics endpoint stopped: %+v", err)
		}
	}()
	log.Info().Msgf("metrics available at http://%s/metrics", address)
	return metricsServer
}
