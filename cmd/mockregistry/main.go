// Command mockregistry serves an in-memory authoritative registry over the registry
// HTTP API for local runs of the server.
package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/viper"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/registry"
	"nullifier/internal/nullification/registry/server"
	"nullifier/internal/platform/httpserver"
	"nullifier/internal/platform/logger"
	"nullifier/pkg/platform/middleware/admin"
)

func main() {
	v := viper.New()
	v.SetDefault("mock.addr", ":8081")
	v.SetDefault("mock.modulus_bits", 2048)
	v.SetDefault("mock.admin_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetEnvPrefix("NULLIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	log := logger.New(v.GetString("log.level"), v.GetString("log.format"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.NewInMemoryRegistry()
	if bits := v.GetInt("mock.modulus_bits"); bits > 0 {
		n, err := accumulator.GenerateModulus(rand.Reader, bits)
		if err != nil {
			log.Error("generate accumulator modulus", "error", err)
			os.Exit(1)
		}
		if err := reg.InitializeAccumulator(n, accumulator.DefaultGenerator); err != nil {
			log.Error("initialize accumulator", "error", err)
			os.Exit(1)
		}
		log.Info("accumulator initialized", "modulus_bits", n.BitLen())
	}

	h := server.New(reg, log)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	r.Group(func(r chi.Router) {
		if key := v.GetString("mock.admin_key"); key != "" {
			r.Use(admin.RequireAdmin(admin.NewTokens(key, ""), log))
		} else {
			log.Warn("mock registry admin routes are unauthenticated")
		}
		h.RegisterAdmin(r)
	})

	srv := httpserver.New(v.GetString("mock.addr"), r)
	if err := httpserver.Run(ctx, srv, 5*time.Second, log); err != nil {
		log.Error("mock registry exited", "error", err)
		os.Exit(1)
	}
}
