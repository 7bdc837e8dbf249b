// Command relaygateway runs the WebSocket-to-TCP relay and coordinator
// directory bridge.
//
// Connection flow:
// 1. A browser client opens a WebSocket to /connect/<host>/<port>.
// 2. The gateway checks the destination against the port/host allow-list.
// 3. On admission, a Relay Session dials the backend and shuttles bytes
//    in both directions until either side closes.
// 4. GET /servers and GET /resolve/<code> answer from the coordinator
//    directory client, the former through a TTL'd, single-flighted cache.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openttd/wsrelay/internal/coordinator"
	"github.com/openttd/wsrelay/internal/gateway"
	"github.com/openttd/wsrelay/internal/listingcache"
	"github.com/openttd/wsrelay/internal/metrics"
	"github.com/openttd/wsrelay/internal/obslog"
	"github.com/openttd/wsrelay/internal/policy"
)

// metricsLogInterval sets how often the background counter set is logged,
// mirroring the cadence the backend's own game server logs room/player
// stats at.
const metricsLogInterval = 5 * time.Minute

func main() {
	log := obslog.New(os.Getenv("LOG_LEVEL"))
	serverLog := obslog.For(log, obslog.CategoryServer)

	pol := policy.Default()
	pol.LogLevel = os.Getenv("LOG_LEVEL")

	listenPort := policy.DefaultListenPort
	if len(os.Args) > 1 {
		if p, err := strconv.Atoi(os.Args[1]); err == nil {
			listenPort = p
		} else {
			serverLog.Error().Err(err).Str("arg", os.Args[1]).Msg("ignoring malformed port argument")
		}
	}

	coordinatorAddr := os.Getenv("COORDINATOR_ADDR")
	if coordinatorAddr == "" {
		coordinatorAddr = "coordinator.openttd.org:3976"
	}

	counters := metrics.New()

	client := coordinator.NewClient(coordinatorAddr, obslog.For(log, obslog.CategoryProxy))
	cache := listingcache.New(client, pol.TTL, counters)
	gw := gateway.New(cache, client, pol, log, counters)

	addr := ":" + strconv.Itoa(listenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: gw,
	}

	serverLog.Info().Msg("=================================")
	serverLog.Info().Msg("  OpenTTD WebSocket Relay Gateway")
	serverLog.Info().Msg("=================================")
	serverLog.Info().Str("addr", addr).Msg("listening")
	serverLog.Info().Str("coordinator", coordinatorAddr).Dur("cache_ttl", pol.TTL).Msg("directory configuration")
	serverLog.Info().Msg("=================================")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		counters.StartLogger(groupCtx, serverLog, metricsLogInterval)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		serverLog.Info().Msg("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		serverLog.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}
