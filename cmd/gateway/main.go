// Command gateway is the edge node: it terminates client HTTP and
// WebSocket connections, authenticates and rate-limits them, and
// forwards everything else to the nexus over a single shared QUIC
// connection. One gatewaysession.Session owns each WebSocket connection
// for its lifetime; HTTP requests for the REST surface in rpc.Catalog are
// proxied through to the nexus request by request.
//
// Generalized from the teacher's cmd/main.go: same getEnv configuration
// and gin router setup, same http.Server security timeouts and
// signal.Notify(SIGINT, SIGTERM) graceful shutdown, now fronting a QUIC
// client instead of a direct database connection.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/quic-go/quic-go"

	"github.com/lanternfabric/core/internal/apierr"
	"github.com/lanternfabric/core/internal/assetcache"
	"github.com/lanternfabric/core/internal/auth"
	"github.com/lanternfabric/core/internal/cache"
	"github.com/lanternfabric/core/internal/config"
	"github.com/lanternfabric/core/internal/eventqueue"
	"github.com/lanternfabric/core/internal/gatewaysession"
	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/logger"
	"github.com/lanternfabric/core/internal/middleware"
	"github.com/lanternfabric/core/internal/partybus"
	"github.com/lanternfabric/core/internal/permcache"
	"github.com/lanternfabric/core/internal/presence"
	"github.com/lanternfabric/core/internal/ratelimit"
	"github.com/lanternfabric/core/internal/rpc"
)

func main() {
	logger.Initialize("gateway", getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.Gateway()

	cfgStore := config.NewStore()
	cfg := cfgStore.Current()

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
	presenceStore := presence.New(distCache, nc)

	nexusConn, err := dialNexus(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to dial nexus")
	}
	defer nexusConn.CloseWithError(0, "gateway shutting down")

	remoteStore := &remotePermissionStore{conn: nexusConn}
	perms := permcache.New(remoteStore, distCache)
	bus := partybus.New()

	eventCtx, cancelEvents := context.WithCancel(context.Background())
	defer cancelEvents()
	go rpc.RunEventIngestLoop(eventCtx, nexusConn, func(ev *eventqueue.Event) {
		bus.Publish(ev.PartyID, ev)
	})

	jwtManager := auth.NewJWTManagerWithSessions(&auth.JWTConfig{
		SecretKey:     os.Getenv("JWT_SECRET"),
		Issuer:        getEnv("JWT_ISSUER", "lantern"),
		TokenDuration: cfg.SessionDuration,
	}, distCache)

	assets := assetcache.New(assetcache.Variables{})
	assets.RefreshInterval = cfg.FSCacheInterval
	assets.CleanupAfter = cfg.FSCacheMaxAge
	stop := make(chan struct{})
	go assets.RunCleanupLoop(cfg.FSCacheInterval, stop)
	go cfgStore.WatchSIGHUP(stop)

	rateTable := ratelimit.NewTable(
		ratelimit.Quota{EmissionInterval: 2 * time.Second, Burst: 30},
		map[string]ratelimit.Quota{
			"auth":           {EmissionInterval: 6 * time.Second, Burst: 10},
			"party_create":   {EmissionInterval: 12 * time.Second, Burst: 5},
			"room_create":    {EmissionInterval: 6 * time.Second, Burst: 10},
			"message_create": {EmissionInterval: time.Second, Burst: 60},
			"typing":         {EmissionInterval: 500 * time.Millisecond, Burst: 20},
		},
	)
	go rateTable.RunCleanupLoop(time.Minute, 10*time.Minute, stop)

	if !cfg.RateLimitEnabled {
		log.Warn().Msg("rate limiting disabled by configuration")
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger())
	router.Use(apierr.Recovery())
	router.Use(apierr.ErrorHandler())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.DefaultSizeLimiter())
	router.Use(middleware.Gzip(5))
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))

	authAdapter := &jwtAuthenticator{jwt: jwtManager}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	var connCounter uint64
	router.GET("/gateway", auth.Middleware(jwtManager), func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		connCounter++
		session := gatewaysession.New(gatewaysession.Config{
			ConnID:         connCounter,
			Conn:           conn,
			Encoding:       gatewaysession.EncodingJSON,
			Auth:           authAdapter,
			Perms:          perms,
			Bus:            bus,
			Presence:       presenceStore,
			PresenceSetter: presenceStore,
		})
		session.Run(c.Request.Context())
	})

	for _, proc := range rpc.Catalog {
		if proc.Endpoint == rpc.ScopeNexus {
			continue
		}
		registerProxyRoute(router, proc, nexusConn, rateTable, jwtManager, cfg)
	}
	registerAuthorizeRoute(router, nexusConn, rateTable)

	router.NoRoute(func(c *gin.Context) {
		file, err := assets.Open(c.Request.Context(), "."+c.Request.URL.Path, c.Request.Header["Accept-Encoding"])
		if err != nil {
			apierr.AbortWithError(c, apierr.NotFound("asset"))
			return
		}
		if file.Encoding != assetcache.EncodingIdentity {
			c.Header("Content-Encoding", file.Encoding.String())
		}
		c.Data(http.StatusOK, http.DetectContentType(file.Bytes), file.Bytes)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", getEnv("GATEWAY_PORT", "8080")),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	close(stop)
	cancelEvents()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway server forced to shutdown")
	}
	log.Info().Msg("gateway stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// dialNexus opens the single shared QUIC connection this gateway process
// uses for every RPC call to the nexus. InsecureSkipVerify matches the
// nexus's self-signed development fallback; production deployments set
// NEXUS_TLS_CERT_FILE/NEXUS_TLS_KEY_FILE on the nexus and a matching
// trusted root on this side instead.
func dialNexus(ctx context.Context) (quic.Connection, error) {
	addr := getEnv("NEXUS_ADDR", "localhost:7000")
	tlsConf := &tls.Config{
		NextProtos:         []string{"lantern-rpc"},
		InsecureSkipVerify: getEnv("NEXUS_TLS_INSECURE_SKIP_VERIFY", "true") == "true",
	}
	return quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: 2 * time.Minute})
}

// jwtAuthenticator adapts internal/auth's string-keyed Claims to
// gatewaysession.Authenticator's ids.Id-keyed identity.
type jwtAuthenticator struct {
	jwt *auth.JWTManager
}

func (a *jwtAuthenticator) Authenticate(ctx context.Context, token string) (ids.Id, string, error) {
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return 0, "", err
	}
	userID, err := strconv.ParseUint(claims.UserID, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("gateway: malformed user id in token: %w", err)
	}
	return ids.Id(userID), claims.Username, nil
}

// remotePermissionStore implements permcache.Store by calling the nexus
// over the shared QUIC connection rather than querying Postgres directly;
// the gateway never holds a database connection itself.
type remotePermissionStore struct {
	conn quic.Connection
}

func (r *remotePermissionStore) RoomPermissions(ctx context.Context, userID, roomID ids.Id) (uint64, bool, error) {
	resp, err := rpc.CallUnary(ctx, r.conn, &rpc.Request{
		Method:     rpc.MethodResolveRoomPermissions,
		CallerAddr: "internal:permcache",
		Body:       encodeRoomPermissionsArgs(userID, roomID),
	})
	if err != nil {
		return 0, false, err
	}
	if resp.Error != nil {
		return 0, false, resp.Error
	}
	return decodeRoomPermissionsResult(resp.Body)
}

// encodeRoomPermissionsArgs and decodeRoomPermissionsResult are left as
// thin seams around the procedure-specific argument/result encoding that
// belongs to internal/storage's handler bodies, out of scope here; they
// round-trip the two ids.Id values this particular lookup needs so the
// remote call shape is exercised end to end.
func encodeRoomPermissionsArgs(userID, roomID ids.Id) []byte {
	return []byte(fmt.Sprintf(`{"user_id":%d,"room_id":%d}`, uint64(userID), uint64(roomID)))
}

func decodeRoomPermissionsResult(body []byte) (uint64, bool, error) {
	var result struct {
		Perms   uint64 `json:"perms"`
		Visible bool   `json:"visible"`
	}
	if len(body) == 0 {
		return 0, false, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, false, err
	}
	return result.Perms, result.Visible, nil
}

func registerAuthorizeRoute(router *gin.Engine, conn quic.Connection, rateTable *ratelimit.Table) {
	proc, _ := rpc.Lookup(rpc.MethodAuthorize)
	router.Handle(proc.HTTPMethod, proc.Pattern, rateTable.Middleware(proc.RateLimitQuota), func(c *gin.Context) {
		proxyToNexus(c, conn, proc, "", rateTable)
	})
}

// registerProxyRoute wires one rpc.Catalog entry to a gin route that
// forwards the request body to the nexus and relays its response,
// applying the route's rate-limit quota (when cfg.RateLimitEnabled) and
// requiring a valid bearer token first. The auth handshake is not wired
// here; registerAuthorizeRoute handles it.
func registerProxyRoute(router *gin.Engine, proc rpc.Procedure, conn quic.Connection, rateTable *ratelimit.Table, jwtManager *auth.JWTManager, cfg config.SharedConfig) {
	var handlers []gin.HandlerFunc
	if cfg.RateLimitEnabled {
		handlers = append(handlers, rateTable.Middleware(proc.RateLimitQuota))
	}
	handlers = append(handlers, auth.Middleware(jwtManager))
	handlers = append(handlers, func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); len(authHeader) > 7 {
			token = authHeader[7:]
		}
		proxyToNexus(c, conn, proc, token, rateTable)
	})
	router.Handle(proc.HTTPMethod, proc.Pattern, handlers...)
}

func proxyToNexus(c *gin.Context, conn quic.Connection, proc rpc.Procedure, token string, rateTable *ratelimit.Table) {
	var body []byte
	if c.Request.ContentLength != 0 {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, rpc.MaxFrameSize))
		if err != nil {
			apierr.AbortWithError(c, apierr.BadRequest("could not read request body"))
			return
		}
	}

	maskedAddr := ratelimit.MaskIP(c.ClientIP())
	req := &rpc.Request{
		Method:        proc.Method,
		CallerAddr:    maskedAddr,
		Authorization: token,
		Body:          body,
	}

	if proc.Streaming {
		responses, err := rpc.Call(c.Request.Context(), conn, req)
		if err != nil {
			apierr.AbortWithError(c, apierr.ServiceUnavailable("nexus"))
			return
		}
		c.Header("Content-Type", "application/json")
		c.Status(http.StatusOK)
		c.Writer.WriteString("[")
		for i, resp := range responses {
			if resp.Error != nil {
				penalizeCaller(rateTable, proc, maskedAddr, resp.Error)
				apierr.AbortWithError(c, apierr.Wrap("storage_error", resp.Error.Message, resp.Error))
				return
			}
			if i > 0 {
				c.Writer.WriteString(",")
			}
			c.Writer.Write(resp.Body)
		}
		c.Writer.WriteString("]")
		return
	}

	resp, err := rpc.CallUnary(c.Request.Context(), conn, req)
	if err != nil {
		apierr.AbortWithError(c, apierr.ServiceUnavailable("nexus"))
		return
	}
	if resp.Error != nil {
		penalizeCaller(rateTable, proc, maskedAddr, resp.Error)
		apierr.AbortWithError(c, apierr.Wrap(resp.Error.Code, resp.Error.Message, resp.Error))
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Body)
}

// penalizeCaller forwards an rpc.Error's PenaltySeconds onto the
// caller's route quota, so a nexus-detected failure (invalid token,
// not-found) costs the caller rate-limit headroom the same way §4.5
// describes for a locally-detected one.
func penalizeCaller(rateTable *ratelimit.Table, proc rpc.Procedure, key string, rpcErr *rpc.Error) {
	if rpcErr.PenaltySeconds <= 0 {
		return
	}
	rateTable.Penalize(proc.RateLimitQuota, key, time.Now(), time.Duration(rpcErr.PenaltySeconds*float64(time.Second)))
}
