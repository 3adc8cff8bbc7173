// Command fake-master runs the reference serialization-protocol master for local
// development. It keeps registrations in memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"protocol-bridge/master"
	"protocol-bridge/registry"
	"protocol-bridge/state"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:11411", "listen address")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints; registers the master when set")
	service := flag.String("service", "ros-master-backend", "service name to register under")
	keepEmpty := flag.Bool("keep-empty-topics", false, "keep topic types after the last registration leaves")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *addr, *etcd, *service, *keepEmpty); err != nil {
		logger.Fatal("fake master failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, addr, etcd, service string, keepEmpty bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := master.NewServer(master.WithLogger(logger))
	if err := srv.Register(master.NewMasterServer(state.WithEviction(!keepEmpty))); err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	if etcd != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(etcd, ","), 5*time.Second, registry.WithLogger(logger))
		if err != nil {
			return err
		}
		defer reg.Close()
		bound := lis.Addr().String()
		if err := reg.Register(ctx, service, registry.ServiceInstance{Addr: bound}, 10); err != nil {
			return err
		}
		defer reg.Deregister(context.Background(), service, bound)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	err = srv.Shutdown(5 * time.Second)
	logger.Info("fake master stopped", zap.Int64("requests", srv.Requests()))
	return err
}
