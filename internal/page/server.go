package page

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/helpers"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.AppName}}</title>
{{if .Status.Busy}}<meta http-equiv="refresh" content="2">{{end}}
<style>
body { font-family: monospace; max-width: 64rem; margin: 4rem auto; }
.bar { display: flex; justify-content: flex-end; gap: 1rem; align-items: center; }
.grid { display: grid; grid-template-columns: 1fr 2fr; gap: 1rem; margin-top: 1rem; }
pre { white-space: pre-wrap; border: 1px solid #ccc; border-radius: .75rem; padding: 1rem; overflow: scroll; }
.error { color: #b00; }
</style>
</head>
<body>
<div class="bar">
  {{if .Status.Owner}}<p>{{.AppName}}</p>{{else if .LoginURL}}<a href="{{.LoginURL}}">Log in</a>{{else}}<form method="post" action="/login"><button type="submit">Log in</button></form>{{end}}
  <form method="post" action="/logout"><button type="submit">Logout</button></form>
</div>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<div class="grid">
  <form method="post" action="/transfer">
    <button type="submit"><h2>Transfer</h2><p>Simple transfer of {{.Amount}} ETH to an arbitrary address with gas sponsored.</p></button>
    {{if .Status.Account}}<p>Account: {{.Status.Account}}{{if .Status.Balance}}<br>Owner balance: {{.Status.Balance}}{{end}}</p>{{end}}
  </form>
  <pre>{{.Events}}</pre>
</div>
</body>
</html>`))

type ServerConfig struct {
	Addr      string
	Recipient string
	Amount    string
}

// Server exposes a Page over HTTP. Transfers started over HTTP finish in the
// background; their progress shows up in the event log.
type Server struct {
	page   *Page
	cfg    ServerConfig
	engine *gin.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func NewServer(p *Page, cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{page: p, cfg: cfg, ctx: ctx, cancel: cancel}

	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(indexTemplate)

	r.GET("/", s.index)
	r.POST("/login", s.formLogin)
	r.POST("/transfer", s.formTransfer)
	r.POST("/logout", s.formLogout)

	api := r.Group("/api")
	api.GET("/status", s.status)
	api.GET("/events", s.events)
	api.POST("/transfer", s.apiTransfer)
	api.POST("/logout", s.apiLogout)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Addr until ctx is done, then shuts down and waits for
// background transfers.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.page.log.Info("listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels background transfers and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background transfer has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) start(recipient, amount string) (*Attempt, error) {
	a, err := s.page.BeginTransfer(recipient, amount)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.page.Complete(s.ctx, a)
	}()
	return a, nil
}

func (s *Server) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index", gin.H{
		"AppName":  s.page.AppName(),
		"LoginURL": s.page.LoginURL(),
		"Amount":   s.cfg.Amount,
		"Status":   s.page.Status(c.Request.Context()),
		"Events":   strings.Join(s.page.Events(), "\n"),
		"Error":    c.Query("error"),
	})
}

func (s *Server) formTransfer(c *gin.Context) {
	if _, err := s.start(s.cfg.Recipient, s.cfg.Amount); err != nil {
		redirect(c, err)
		return
	}
	redirect(c, nil)
}

func (s *Server) formLogin(c *gin.Context) {
	redirect(c, s.page.Login(c.Request.Context()))
}

func (s *Server) formLogout(c *gin.Context) {
	redirect(c, s.page.Logout(c.Request.Context()))
}

func redirect(c *gin.Context, err error) {
	target := "/"
	if err != nil {
		target += "?error=" + url.QueryEscape(err.Error())
	}
	c.Redirect(http.StatusSeeOther, target)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.page.Status(c.Request.Context()))
}

func (s *Server) events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.page.Events()})
}

func (s *Server) apiTransfer(c *gin.Context) {
	req := transferRequest{Recipient: s.cfg.Recipient, Amount: s.cfg.Amount}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	a, err := s.start(req.Recipient, req.Amount)
	switch {
	case errors.Is(err, ErrTransferInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAccountNotInitialized):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case errors.Is(err, helpers.ErrInvalidAddress), errors.Is(err, helpers.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"requestId": a.ID,
			"target":    a.Target.Hex(),
			"value":     a.Value.String(),
		})
	}
}

func (s *Server) apiLogout(c *gin.Context) {
	if err := s.page.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
