package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"repoviz/internal/logging"
	"repoviz/internal/reconcile"
)

const (
	reconcileWSWriteWait = 10 * time.Second
	reconcileWSPongWait  = 60 * time.Second
	reconcileWSPingEvery = (reconcileWSPongWait * 9) / 10
)

var reconcileWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// reconcileWSInbound is a client message. "start" carries a
// ReconcileRequest; "cancel" stops the running batch; "ping" is answered
// with "pong".
type reconcileWSInbound struct {
	Type    string           `json:"type"`
	Request ReconcileRequest `json:"request"`
}

type reconcileWSOutbound struct {
	Type     string              `json:"type"`
	RunID    string              `json:"runId,omitempty"`
	Progress *reconcile.Progress `json:"progress,omitempty"`
	Tally    *reconcile.Tally    `json:"tally,omitempty"`
	Code     string              `json:"code,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// HandleReconcileWS streams reconcile progress over a websocket. One
// connection runs at most one batch at a time.
func (s *SummaryService) HandleReconcileWS(w http.ResponseWriter, r *http.Request) {
	conn, err := reconcileWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := logging.FromContext(r.Context(), s.log)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(reconcileWSPongWait)); err != nil {
		log.Warn("reconcile ws set read deadline failed", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(reconcileWSPongWait))
	})

	writeCh := make(chan reconcileWSOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(reconcileWSPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(reconcileWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(reconcileWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var (
		runCancel context.CancelFunc
		runDone   chan struct{}
	)
	running := func() bool {
		if runDone == nil {
			return false
		}
		select {
		case <-runDone:
			return false
		default:
			return true
		}
	}

	for {
		var in reconcileWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			if runCancel != nil {
				runCancel()
			}
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushReconcileWS(ctx, writeCh, reconcileWSOutbound{Type: "pong"})
		case "cancel":
			if runCancel != nil {
				runCancel()
			}
		case "start":
			if running() {
				pushReconcileWS(ctx, writeCh, reconcileWSOutbound{Type: "error", Code: "failed_precondition", Message: "a reconcile run is already in progress"})
				continue
			}
			runID := uuid.NewString()
			var runCtx context.Context
			runCtx, runCancel = context.WithCancel(ctx)
			events, err := s.startReconcile(runCtx, runID, r.Header, in.Request)
			if err != nil {
				runCancel()
				pushReconcileWS(ctx, writeCh, reconcileWSOutbound{Type: "error", RunID: runID, Code: codeOf(err), Message: err.Error()})
				continue
			}
			pushReconcileWS(ctx, writeCh, reconcileWSOutbound{Type: "started", RunID: runID})
			runDone = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				for ev := range events {
					pushReconcileWS(ctx, writeCh, toWSOutbound(ev))
				}
			}(runDone)
		default:
			pushReconcileWS(ctx, writeCh, reconcileWSOutbound{Type: "error", Code: "invalid_argument", Message: "unsupported type: " + in.Type})
		}
	}
}

func toWSOutbound(ev reconcile.Event) reconcileWSOutbound {
	return reconcileWSOutbound{
		Type:     string(ev.Type),
		RunID:    ev.RunID,
		Progress: ev.Progress,
		Tally:    ev.Tally,
		Message:  ev.Message,
	}
}

// pushReconcileWS blocks until the writer takes the message, so progress
// updates are delivered in order and none is dropped.
func pushReconcileWS(ctx context.Context, writeCh chan<- reconcileWSOutbound, out reconcileWSOutbound) {
	select {
	case writeCh <- out:
	case <-ctx.Done():
	}
}

func codeOf(err error) string {
	return connect.CodeOf(toConnectError(err)).String()
}
