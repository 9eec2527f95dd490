package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/events"
	"github.com/stoneforge/stoneforge/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// feedBuffer bounds queued events per client; a client that cannot keep
	// up is disconnected rather than blocking the bus.
	feedBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// eventFeed streams dispatcher bus events to websocket clients.
type eventFeed struct {
	bus    bus.EventBus
	logger *logger.Logger
}

func newEventFeed(eventBus bus.EventBus, log *logger.Logger) *eventFeed {
	return &eventFeed{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "dispatch-event-feed")),
	}
}

// handle handles GET /api/v1/dispatch/events. Every dispatcher subject is
// forwarded to the client as one JSON message per event.
func (f *eventFeed) handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	queue := make(chan *bus.Event, feedBuffer)
	var once sync.Once
	closed := make(chan struct{})
	drop := func() { once.Do(func() { close(closed) }) }

	sub, err := f.bus.Subscribe(events.AllDispatchSubjects, func(_ context.Context, event *bus.Event) error {
		select {
		case queue <- event:
		case <-closed:
		default:
			// Client too slow; shed it.
			drop()
		}
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe to event bus", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice the close frame.
	go func() {
		defer drop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
