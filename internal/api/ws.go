package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/vigil/internal/audit"
)

func auditEntity(s string) audit.Entity {
	switch audit.Entity(s) {
	case audit.EntityProposal, audit.EntityModelVersion, audit.EntityTrainingRun:
		return audit.Entity(s)
	default:
		return ""
	}
}

// handleStream upgrades to a WebSocket and streams audit records as they are
// appended. The subscription is dropped when the client disconnects; slow
// clients miss records rather than backpressuring the loop.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // any Origin; the payload is read-only
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	records, cancel := s.svc.Audit().Subscribe()
	defer cancel()

	s.logger.Info("audit stream connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, rec); err != nil {
				s.logger.Debug("audit stream write ended", "error", err)
				return
			}
		}
	}
}
