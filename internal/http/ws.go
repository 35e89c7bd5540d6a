package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/example/coride/internal/models"
)

const (
	maxFrameBytes = 64 << 10
	// maxInFlightFrames bounds concurrent searches per socket; further
	// frames wait unread until a slot frees up.
	maxInFlightFrames = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSession serialises writes; gorilla connections allow one writer at a time.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// handleSearchWS answers each text frame (a SearchRequest) with a
// SearchResult or an error body. Up to maxInFlightFrames frames are
// searched concurrently, so replies may arrive out of order; clients match
// them by content.
// Closing the socket cancels searches still in flight.
func (s *Server) handleSearchWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	sess := &wsSession{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.SetLimit(maxInFlightFrames)
	defer func() {
		cancel()
		_ = g.Wait()
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		g.Go(func() error {
			s.searchFrame(ctx, sess, frame)
			return nil
		})
	}
}

func (s *Server) searchFrame(ctx context.Context, sess *wsSession, frame []byte) {
	var req models.SearchRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		_ = sess.send(errorBody{ErrorMessage: "invalid JSON frame: " + err.Error()})
		return
	}
	res, err := s.searcher.Search(ctx, req)
	switch {
	case err == nil:
		if err := sess.send(res); err != nil {
			s.logger.Debug("websocket send failed", "search_id", res.SearchID, "error", err)
		}
	case errors.Is(err, context.Canceled):
	case models.IsInvalidRequest(err):
		_ = sess.send(errorBody{ErrorMessage: err.Error()})
	default:
		s.logger.Error("websocket search failed", "error", err)
		_ = sess.send(errorBody{ErrorMessage: "internal error"})
	}
}
