// Command nexus is the node that owns party/room state: it terminates
// QUIC connections from gateway processes, serves RPC procedures scoped
// to ScopeNexus/ScopeParty/ScopeRoom against Postgres, and answers the
// permission and membership lookups the gateways' permission caches
// refresh against.
//
// Structural port of the original's bin/nexus, generalized from the
// teacher's cmd/main.go: same getEnv-driven configuration and
// signal.Notify(SIGINT, SIGTERM) graceful shutdown shape, a QUIC listener
// in place of the teacher's http.Server.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/lanternfabric/core/internal/auth"
	"github.com/lanternfabric/core/internal/cache"
	"github.com/lanternfabric/core/internal/config"
	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
	"github.com/lanternfabric/core/internal/presence"
	"github.com/lanternfabric/core/internal/rpc"
	"github.com/lanternfabric/core/internal/storage"
)

func main() {
	logger.Initialize("nexus", getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.Nexus()

	cfgStore := config.NewStore()
	cfg := cfgStore.Current()

	log.Info().Msg("connecting to postgres")
	store, err := storage.NewPostgres(storage.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	distCache, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer distCache.Close()

	var nc *nats.Conn
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err = nats.Connect(natsURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close()
	}
	// The nexus shares the same presence Store construction as the gateway
	// so both sides agree on the connection-count key scheme, but it never
	// calls SetPresence/ClearPresence itself; only the gateway drives those.
	_ = presence.New(distCache, nc)

	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		SecretKey:     os.Getenv("JWT_SECRET"),
		Issuer:        getEnv("JWT_ISSUER", "lantern"),
		TokenDuration: cfg.SessionDuration,
	})

	addr := fmt.Sprintf(":%s", getEnv("NEXUS_PORT", "7000"))
	tlsConfig, err := loadOrGenerateTLSConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build tls config")
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{MaxIdleTimeout: 2 * time.Minute})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	log.Info().Str("addr", addr).Msg("nexus listening")

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &procedureDispatcher{store: store, jwt: jwtManager}
	events := eventqueue.New()
	defer events.Close()

	go acceptLoop(ctx, listener, dispatcher, events, log)

	stop := make(chan struct{})
	go cfgStore.WatchSIGHUP(stop)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	close(stop)
	if err := listener.Close(); err != nil {
		log.Error().Err(err).Msg("error closing quic listener")
	}
	log.Info().Msg("nexus stopped")
}

// acceptLoop accepts inbound gateway QUIC connections and, for each one,
// starts its RPC accept loop and its outbound event-push loop in their
// own goroutines, so one gateway's connection trouble never blocks
// another's and a stalled RPC stream never blocks event delivery.
func acceptLoop(ctx context.Context, listener *quic.Listener, dispatcher rpc.Dispatcher, events *eventqueue.Queue, log *zerolog.Logger) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("error accepting quic connection")
			continue
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("gateway connected")
		go rpc.RunRPCAcceptLoop(ctx, conn, dispatcher)

		lastCounter := events.LastCounter()
		go rpc.RunGatewayEventLoop(ctx, conn, events, &lastCounter)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadOrGenerateTLSConfig loads a certificate from NEXUS_TLS_CERT_FILE /
// NEXUS_TLS_KEY_FILE if set, otherwise generates a throwaway self-signed
// certificate so the QUIC listener can start without manual setup in
// development; QUIC requires TLS on the wire, unlike the teacher's plain
// HTTP fallback.
func loadOrGenerateTLSConfig() (*tls.Config, error) {
	certFile := os.Getenv("NEXUS_TLS_CERT_FILE")
	keyFile := os.Getenv("NEXUS_TLS_KEY_FILE")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("nexus: loading tls key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"lantern-rpc"}, MinVersion: tls.VersionTLS12}, nil
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"lantern-rpc"}, MinVersion: tls.VersionTLS12}, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"lantern-nexus-dev"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return tls.X509KeyPair(certPEM, keyPEM)
}

// procedureDispatcher implements rpc.Dispatcher for the nexus side: it
// authorizes the caller's bearer token, rejects procedures not scoped to
// this node, and executes everything else through storage's procedure
// registry, which is where the individual handler bodies live.
type procedureDispatcher struct {
	store *storage.Postgres
	jwt   *auth.JWTManager
}

func (d *procedureDispatcher) Dispatch(ctx context.Context, req *rpc.Request, send func(*rpc.Response) error) error {
	if req.Method == rpc.MethodResolveRoomPermissions {
		return d.dispatchResolveRoomPermissions(ctx, req, send)
	}

	proc, ok := rpc.Lookup(req.Method)
	if !ok {
		return send(&rpc.Response{Error: &rpc.Error{Code: "unknown_method", Message: string(req.Method)}, End: true})
	}
	if !rpc.EndpointMatches(proc.Endpoint, true) {
		return send(&rpc.Response{Error: &rpc.Error{Code: "wrong_endpoint", Message: "procedure is not handled by the nexus"}, End: true})
	}

	callerID, err := d.authorize(req)
	if err != nil {
		return send(&rpc.Response{Error: &rpc.Error{Code: "unauthorized", Message: err.Error(), PenaltySeconds: 1}, End: true})
	}

	body, err := d.store.ExecuteProcedure(ctx, req.Method, callerID, req.Body)
	if err != nil {
		return send(&rpc.Response{Error: &rpc.Error{Code: "storage_error", Message: err.Error()}, End: true})
	}
	return send(&rpc.Response{Body: body, End: true})
}

// dispatchResolveRoomPermissions answers the gateway's permcache.Store
// lookup directly against storage.Postgres.RoomPermissions, bypassing the
// ExecuteProcedure registry since this call already has a concrete,
// fully-implemented body rather than one of the deferred handler bodies.
func (d *procedureDispatcher) dispatchResolveRoomPermissions(ctx context.Context, req *rpc.Request, send func(*rpc.Response) error) error {
	var args struct {
		UserID uint64 `json:"user_id"`
		RoomID uint64 `json:"room_id"`
	}
	if err := json.Unmarshal(req.Body, &args); err != nil {
		return send(&rpc.Response{Error: &rpc.Error{Code: "bad_request", Message: err.Error()}, End: true})
	}

	perms, visible, err := d.store.RoomPermissions(ctx, ids.Id(args.UserID), ids.Id(args.RoomID))
	if err != nil {
		return send(&rpc.Response{Error: &rpc.Error{Code: "storage_error", Message: err.Error()}, End: true})
	}

	body, err := json.Marshal(struct {
		Perms   uint64 `json:"perms"`
		Visible bool   `json:"visible"`
	}{Perms: perms, Visible: visible})
	if err != nil {
		return send(&rpc.Response{Error: &rpc.Error{Code: "internal", Message: err.Error()}, End: true})
	}
	return send(&rpc.Response{Body: body, End: true})
}

// authorize validates the request's bearer token and returns the caller's
// id. MethodAuthorize and MethodOpenGateway are exempt: they establish the
// identity other calls on the same connection rely on.
func (d *procedureDispatcher) authorize(req *rpc.Request) (ids.Id, error) {
	if req.Method == rpc.MethodAuthorize || req.Method == rpc.MethodOpenGateway {
		return 0, nil
	}
	if req.Authorization == "" {
		return 0, fmt.Errorf("missing bearer token")
	}
	claims, err := d.jwt.ValidateToken(req.Authorization)
	if err != nil {
		return 0, err
	}
	userID, err := strconv.ParseUint(claims.UserID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed user id in token: %w", err)
	}
	return ids.Id(userID), nil
}
