package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewServer listens on addr and serves h in the background, over HTTPS when
// tlsCfg is non-nil. WriteTimeout is left at zero so SSE log streams are not
// cut off.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		// certificates come from TLSConfig.GetCertificate
		go func() { _ = server.ServeTLS(ln, "", "") }()
		return server, nil
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// MountEcho mounts the gin handler under base using Echo's WrapHandler.
func MountEcho(e *echo.Echo, base string, h http.Handler) {
	base = sanitizeBase(base)
	wrapped := echo.WrapHandler(h)
	if base == "" {
		e.Any("/*", wrapped)
		return
	}
	e.Any(base, wrapped)
	e.Any(base+"/*", wrapped)
}

// NewEcho builds an Echo server hosting the router, plus /metrics when
// metrics is non-nil.
func NewEcho(base string, h http.Handler, metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	MountEcho(e, base, h)
	return e
}
