package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/croquet-sync/croquet-go/internal/fakeserver"
	"github.com/croquet-sync/croquet-go/pkg/discovery"
)

// serve runs the in-memory reference server under discovery.DefaultPath and
// advertises it until ctx is done. A non-empty account ("email:password") is
// registered as a login first.
func serve(ctx context.Context, addr, account string, logger *slog.Logger) error {
	fs := fakeserver.New(fakeserver.WithLogger(logger))
	if account != "" {
		email, password, ok := strings.Cut(account, ":")
		if !ok || email == "" {
			return fmt.Errorf("account %q: want email:password", account)
		}
		user := fs.AddAccount(email, password, map[string]any{"name": email})
		logger.Info("account registered", "email", email, "user", user)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle(discovery.DefaultPath+"/", http.StripPrefix(discovery.DefaultPath, fs))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	name, _ := os.Hostname()
	if name == "" {
		name = "croquet"
	}
	adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{Logger: logger})
	if err := adv.Advertise(&discovery.ServerInfo{Name: name, Port: uint16(port), Path: discovery.DefaultPath}); err != nil {
		logger.Warn("advertising failed, serving anyway", "error", err)
	}
	defer adv.Stop()

	logger.Info("serving", "addr", ln.Addr().String(), "url", "http://localhost:"+strconv.Itoa(port)+discovery.DefaultPath)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
