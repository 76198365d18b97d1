/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Command persistd is the daemon host for persistsrv.Manager: it reads
// its socket and auth configuration from flags/environment via viper,
// binds a listener, exposes Prometheus metrics over HTTP, and serves
// connections against a dispatch.Handler until signalled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nabbar/persistdbd/auth"
	"github.com/nabbar/persistdbd/dispatch"
	"github.com/nabbar/persistdbd/metrics"
	"github.com/nabbar/persistdbd/netproto"
	"github.com/nabbar/persistdbd/persistsrv"
	"github.com/nabbar/persistdbd/socketcfg"
	"github.com/nabbar/persistdbd/xlog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	spfcbr "github.com/spf13/cobra"
	spfvpr "github.com/spf13/viper"
)

var vpr = spfvpr.New()

func newRootCmd() *spfcbr.Command {
	root := &spfcbr.Command{
		Use:   "persistd",
		Short: "Persistent-connection accounting dispatch daemon",
		RunE:  runServe,
	}

	flags := root.Flags()
	flags.String("listen-network", "tcp", "listener transport: tcp, tcp4, tcp6, or unix")
	flags.String("listen-address", "127.0.0.1:6819", "listener address (host:port, or a path for unix)")
	flags.Int("max-conns", persistsrv.MaxThreadCount, "maximum concurrent connections served")
	flags.String("metrics-address", "127.0.0.1:9819", "address the /metrics HTTP endpoint binds to")
	flags.String("auth-key-file", "", "path to a shared-secret key file; empty disables authentication")
	flags.String("log-level", "info", "minimum log level: debug, info, notice, warning, error, critical")

	_ = vpr.BindPFlags(flags)
	vpr.SetEnvPrefix("PERSISTD")
	vpr.AutomaticEnv()

	return root
}

func runServe(cmd *spfcbr.Command, _ []string) error {
	logLvl := xlog.ParseLevel(vpr.GetString("log-level"))
	log := xlog.New("persistd", logLvl, cmd.OutOrStdout())

	srvCfg := socketcfg.Server{
		Network:  netproto.Parse(vpr.GetString("listen-network")),
		Address:  vpr.GetString("listen-address"),
		MaxConns: vpr.GetInt("max-conns"),
	}
	if err := srvCfg.Validate(); err != nil {
		return err
	}

	var provider auth.Provider = auth.NoAuth{}
	if keyFile := vpr.GetString("auth-key-file"); keyFile != "" {
		sk, err := auth.NewSharedKey(keyFile, os.Getuid(), log.WithField("component", "auth"))
		if err != nil {
			return err
		}
		defer sk.Close()
		provider = sk
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:    vpr.GetString("metrics-address"),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("metrics server exited unexpectedly")
		}
	}()

	ln, err := net.Listen(srvCfg.Network.Code(), srvCfg.Address)
	if err != nil {
		return err
	}
	log.WithField("address", ln.Addr().String()).Infof("persistd listening")

	handler := dispatch.NewEcho(log.WithField("component", "dispatch"))
	mgr := persistsrv.NewManager(srvCfg.MaxConns, provider, handler, log.WithField("component", "persistsrv"))

	serveErr := make(chan error, 1)
	go func() { serveErr <- mgr.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Infof("shutdown requested")
	case err = <-serveErr:
		if err != nil {
			return err
		}
	}

	var shutdownErr *multierror.Error

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err = mgr.Shutdown(shCtx); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}

	metricsShCtx, metricsShCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer metricsShCancel()
	if err = metricsSrv.Shutdown(metricsShCtx); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}

	if shutdownErr.ErrorOrNil() != nil {
		log.WithError(shutdownErr).Errorf("shutdown did not complete cleanly")
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
