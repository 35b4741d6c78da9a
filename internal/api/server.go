// Package api serves the JSON control interface of a node on POST /api and
// provides a client for it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/internal/node"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

// Node is the set of control operations the API exposes.
type Node interface {
	ID() wire.NodeID
	Addresses() node.Address
	Upload(ctx context.Context, files map[string]string, timeout time.Duration) (blob.Hash, error)
	CheckKey(ctx context.Context, hash string, timeout time.Duration) (blob.Hash, error)
	Download(ctx context.Context, req node.DownloadRequest) ([]string, error)
}

type Server struct {
	node   Node
	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router for n.
func NewServer(n Node) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{node: n, router: router}
	router.POST("/api", s.handleCommand)

	return s
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s %d in %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infof("Control API listening on %s", addr)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server, waiting for in-flight commands until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Shutdown(ctx)
}

func (s *Server) handleCommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, errors.NewInvalidRequestError("bad command: %v", err))
		return
	}

	logger.Debugf("command=%s", cmd.Command)

	ctx := c.Request.Context()

	switch cmd.Command {
	case CommandID:
		c.JSON(http.StatusOK, IDResult{ID: s.node.ID().String(), Version: node.Version})

	case CommandAddresses:
		a := s.node.Addresses()
		c.JSON(http.StatusOK, AddressesResult{Addresses: AddressSpec{TCP: TCPAddress{Address: a.Host, Port: a.Port}}})

	case CommandUpload:
		var (
			h   blob.Hash
			err error
		)

		switch {
		case len(cmd.Files) > 0:
			h, err = s.node.Upload(ctx, cmd.Files, cmd.timeout())
		case cmd.Hash != "":
			h, err = s.node.CheckKey(ctx, cmd.Hash, cmd.timeout())
		default:
			err = errors.NewInvalidRequestError("upload needs files or hash")
		}

		if err != nil {
			s.fail(c, err)
			return
		}

		c.JSON(http.StatusOK, UploadResult{Hash: h.String()})

	case CommandDownload:
		peers := make([]string, len(cmd.Peers))
		for i, p := range cmd.Peers {
			peers[i] = p.Addr()
		}

		files, err := s.node.Download(ctx, node.DownloadRequest{
			Hash:    cmd.Hash,
			Dest:    cmd.Dest,
			Peers:   peers,
			Size:    cmd.Size,
			Timeout: cmd.timeout(),
		})
		if err != nil {
			s.fail(c, err)
			return
		}

		c.JSON(http.StatusOK, DownloadResult{Files: files})

	default:
		s.fail(c, errors.NewInvalidRequestError("unknown command %q", cmd.Command))
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("Command failed: %v", err)
	} else {
		logger.Debugf("Command rejected: %v", err)
	}

	c.JSON(status, ErrorResult{Error: render(err)})
}

// render formats err as "<Kind>: <message>".
func render(err error) string {
	var te *errors.TransferError
	if errors.As(err, &te) {
		return te.Error()
	}

	return string(errors.KindOf(err)) + ": " + err.Error()
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound, errors.KindInvalidRequest, errors.KindTimeout,
		errors.KindPeerUnavailable, errors.KindHashMismatch, errors.KindProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
