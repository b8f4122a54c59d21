package engine

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prasenjit/go-mockengine/internal/models"
)

const (
	maxRequestBody = 10 << 20
	writeWait      = 10 * time.Second
)

// Handler returns an http.Handler for the mock edge
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(e.ServeHTTP)
}

// ServeHTTP serves /{projectId}/{environmentId}/{path...}. The rules see
// /{path...} as the request path.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, environmentID, path, ok := SplitTarget(r.URL.Path)
	if !ok {
		writeResponse(w, jsonResponse(http.StatusNotFound, map[string]string{
			"error": "expected /{projectId}/{environmentId}/{path}",
		}))
		return
	}

	var body string
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			writeResponse(w, jsonResponse(http.StatusBadRequest, map[string]string{"error": "failed to read request body"}))
			return
		}
		if len(data) > maxRequestBody {
			writeResponse(w, jsonResponse(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"}))
			return
		}
		body = string(data)
	}

	req := NewRequest(r, path, body)
	res := e.Evaluate(r.Context(), req, projectID, environmentID)

	if req.Protocol == models.ProtocolWebSocket && res.MatchedRuleID != "" && res.Outcome == models.OutcomeDone {
		e.serveWebSocket(w, r, res)
		return
	}

	writeResponse(w, &models.MockResponse{
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		Repeated:   res.Repeated,
		Body:       res.Body,
	})
}

// NewRequest converts an inbound HTTP request into the engine's view of it
func NewRequest(r *http.Request, path, body string) *models.MockRequest {
	return &models.MockRequest{
		Protocol: ProtocolOf(r),
		Method:   r.Method,
		Path:     path,
		Query:    r.URL.Query(),
		Headers:  r.Header.Clone(),
		Body:     body,
		SourceIP: sourceIP(r),
		Metadata: map[string]string{
			"host":       r.Host,
			"userAgent":  r.UserAgent(),
			"remoteAddr": r.RemoteAddr,
		},
		ReceivedAt: time.Now(),
	}
}

// SplitTarget splits an edge path into project, environment and the path
// the rules match against
func SplitTarget(urlPath string) (projectID, environmentID, path string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(urlPath, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	path = "/"
	if len(parts) == 3 {
		path += parts[2]
	}
	return parts[0], parts[1], path, true
}

// ProtocolOf reports the protocol a request arrived over
func ProtocolOf(r *http.Request) models.Protocol {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		return models.ProtocolWebSocket
	case r.TLS != nil:
		return models.ProtocolHTTPS
	}
	return models.ProtocolHTTP
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serveWebSocket completes the handshake, pushes the synthesized body as one
// text message and closes normally
func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request, res *Result) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.WithField("requestId", res.RequestID).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, res.Body); err != nil {
		e.log.WithField("requestId", res.RequestID).WithError(err).Debug("WebSocket write failed")
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func writeResponse(w http.ResponseWriter, resp *models.MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	for key, values := range resp.Repeated {
		w.Header().Del(key)
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
