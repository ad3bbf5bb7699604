// Package admin exposes the driver's read-only HTTP surface: health,
// a JSON stats snapshot, and an optionally-compressed raw counters
// dump, mirroring the kind of sidecar admin endpoint a long-running
// daemon in this corpus carries alongside its data plane.
package admin

import (
	"bytes"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/valyala/fasthttp"

	"github.com/nimbusmq/mediadriver/counters"
	"github.com/nimbusmq/mediadriver/internal/nlog"
)

// CounterView is one allocated counter's JSON representation.
type CounterView struct {
	ID             int32  `json:"id"`
	TypeID         int32  `json:"typeId"`
	RegistrationID int64  `json:"registrationId"`
	OwnerID        int64  `json:"ownerId"`
	Label          string `json:"label"`
	Value          int64  `json:"value"`
}

// Server is the driver's admin HTTP surface, backed by fasthttp.
type Server struct {
	Addr    string
	Table   *counters.Table
	started time.Time

	srv *fasthttp.Server
}

// New builds a Server bound to addr. Call ListenAndServe to start it.
func New(addr string, table *counters.Table) *Server {
	s := &Server{Addr: addr, Table: table}
	s.srv = &fasthttp.Server{Handler: s.Handle, Name: "mediadriverd-admin"}
	return s
}

// ListenAndServe blocks serving the admin surface until the listener
// fails or is closed.
func (s *Server) ListenAndServe() error {
	s.started = time.Now()
	nlog.Infof("admin: listening on %s", s.Addr)
	return s.srv.ListenAndServe(s.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// Handle dispatches one request; exported so tests can drive the
// handler directly without binding a real listener.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		s.handleHealthz(ctx)
	case "/stats":
		s.handleStats(ctx)
	case "/snapshot":
		s.handleSnapshot(ctx)
	case "/dump":
		s.handleDump(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	views := s.counterViews()
	body, err := jsoniter.Marshal(views)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleSnapshot is /stats plus process-level framing (uptime), for
// callers that want one response rather than stitching two.
func (s *Server) handleSnapshot(ctx *fasthttp.RequestCtx) {
	type snapshot struct {
		UptimeSeconds float64        `json:"uptimeSeconds"`
		Counters      []CounterView  `json:"counters"`
	}
	body, err := jsoniter.Marshal(snapshot{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Counters:      s.counterViews(),
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleDump serves the raw JSON counters dump, lz4-compressed when
// the caller passes ?compress=1.
func (s *Server) handleDump(ctx *fasthttp.RequestCtx) {
	body, err := jsoniter.Marshal(s.counterViews())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	if string(ctx.QueryArgs().Peek("compress")) != "1" {
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	if err := zw.Close(); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/octet-stream")
	ctx.Response.Header.Set("Content-Encoding", "lz4")
	ctx.SetBody(buf.Bytes())
}

func (s *Server) counterViews() []CounterView {
	slots := s.Table.Snapshot()
	views := make([]CounterView, 0, len(slots))
	for _, slot := range slots {
		views = append(views, CounterView{
			ID:             slot.ID(),
			TypeID:         slot.TypeID(),
			RegistrationID: slot.RegistrationID(),
			OwnerID:        slot.OwnerID(),
			Label:          slot.Label(),
			Value:          slot.Value(),
		})
	}
	return views
}
