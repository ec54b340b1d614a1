package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/frisksitron/lobby-sub000/internal/auth"
	"github.com/frisksitron/lobby-sub000/internal/blob"
	"github.com/frisksitron/lobby-sub000/internal/config"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/email"
	"github.com/frisksitron/lobby-sub000/internal/mediaurl"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

type Server struct {
	router *chi.Mux
	config *config.Config
	hub    *ws.Hub
}

func NewServer(
	cfg *config.Config,
	database *db.DB,
	emailService email.Sender,
	blobService *blob.Service,
) (*Server, error) {
	userRepo := db.NewUserRepository(database)
	magicCodeRepo := db.NewMagicCodeRepository(database)
	registrationTokenRepo := db.NewRegistrationTokenRepository(database)
	refreshTokenRepo := db.NewRefreshTokenRepository(database)
	messageRepo := db.NewMessageRepository(database)
	blobRepo := db.NewBlobRepository(database)
	settingsRepo := db.NewServerSettingsRepository(database)

	jwtService := auth.NewJWTService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
	)
	magicService := auth.NewMagicCodeService(cfg.Auth.MagicCodeTTL)

	ipResolver, err := NewClientIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("initializing client IP resolver: %w", err)
	}

	hub, err := ws.NewHub(jwtService, userRepo, messageRepo, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing hub: %w", err)
	}
	go hub.Run()

	// Multipart framing adds a little on top of the file itself.
	uploadRequestLimit := cfg.Uploads.MaxBytes + (1 << 20)

	authHandler := NewAuthHandler(
		userRepo,
		magicCodeRepo,
		registrationTokenRepo,
		refreshTokenRepo,
		jwtService,
		magicService,
		emailService,
		cfg.Auth.MagicCodeTTL,
		hub,
	)
	userHandler := NewUserHandler(userRepo, refreshTokenRepo, hub)
	serverInfoHandler := NewServerInfoHandler(cfg.Server.Name, cfg.Server.BaseURL, cfg.Uploads.MaxBytes, settingsRepo, hub)
	uploadHandler := NewUploadHandler(
		userRepo,
		blobRepo,
		settingsRepo,
		blobService,
		hub,
		cfg.Server.Name,
		cfg.Server.BaseURL,
		uploadRequestLimit,
	)
	mediaHandler := NewMediaHandler(blobRepo, blobService)
	messageHandler := NewMessageHandler(messageRepo, cfg.Server.BaseURL)
	healthHandler := NewHealthHandler(database)

	wsHandler := NewWebSocketHandler(hub, cfg.WebSocket)
	wsHandler.ipResolver = ipResolver

	authMiddleware := NewAuthMiddleware(jwtService)

	magicCodeLimiter := NewRateLimiter(5, time.Minute)
	verifyLimiter := NewRateLimiter(5, time.Minute)
	refreshLimiter := NewRateLimiter(30, time.Minute)

	// Bodies on JSON endpoints are small; upload routes enforce their own
	// larger cap inside the handler.
	jsonBody := maxBodySizeMiddleware(1 << 20)

	r := chi.NewRouter()
	r.Use(slogRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(clientIPMiddleware(ipResolver))
	r.Use(corsMiddleware(cfg.WebSocket.AllowedOrigins))
	r.Use(securityHeadersMiddleware)

	r.Get("/health", healthHandler.Check)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			120, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Too many requests, please try again later")
			}),
		))

		r.Route("/server", func(r chi.Router) {
			r.Get("/info", serverInfoHandler.GetInfo)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireAuth)
				r.With(jsonBody).Patch("/info", serverInfoHandler.UpdateInfo)
				r.Post("/image", uploadHandler.UploadServerImage)
			})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Use(jsonBody)
			r.With(RateLimitMiddleware(magicCodeLimiter)).Post("/login/magic-code", authHandler.RequestMagicCode)
			r.With(RateLimitMiddleware(verifyLimiter)).Post("/login/magic-code/verify", authHandler.VerifyMagicCode)
			r.Post("/register", authHandler.Register)
			r.With(RateLimitMiddleware(refreshLimiter)).Post("/refresh", authHandler.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireAuth)
				r.Post("/logout", authHandler.Logout)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Get("/", userHandler.GetAll)
			r.Get("/me", userHandler.GetMe)
			r.With(jsonBody).Patch("/me", userHandler.UpdateMe)
			r.Delete("/me", userHandler.LeaveMe)
			r.Post("/me/avatar", uploadHandler.UploadAvatar)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Get("/", messageHandler.GetHistory)
		})

		r.Route("/uploads", func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Post("/chat", uploadHandler.UploadChatAttachment)
		})
	})

	r.Route(mediaurl.PathPrefix+"{blobID}", func(r chi.Router) {
		r.Get("/", mediaHandler.GetBlob)
		r.Get("/preview", mediaHandler.GetBlobPreview)
	})

	wsUpgradeLimiter := NewRateLimiter(10, time.Minute)
	r.With(RateLimitMiddleware(wsUpgradeLimiter)).Get("/ws", wsHandler.ServeWS)

	return &Server{
		router: r,
		config: cfg,
		hub:    hub,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Shutdown() {
	s.hub.Shutdown()
}

// clientIPMiddleware rewrites RemoteAddr to the resolved client IP so
// everything downstream (rate limiters, logging) keys on the real client
// rather than a proxy.
func clientIPMiddleware(resolver *ClientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.RemoteAddr = resolver.Resolve(r)
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware enforces the browser origin allowlist. Requests without an
// Origin header (native clients, same-origin) pass through untouched;
// loopback origins are always accepted for local development.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !originAllowed(origin, allowedOrigins) {
				writeError(w, http.StatusForbidden, ErrCodeInvalidRequest, "Origin not allowed")
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowedOrigins []string) bool {
	if isLoopbackOrigin(origin) {
		return true
	}
	for _, allowed := range allowedOrigins {
		if originMatchesAllowed(origin, allowed) {
			return true
		}
	}
	return false
}

func maxBodySizeMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
		)
	})
}
