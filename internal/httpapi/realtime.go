package httpapi

import (
	"net/http"
	"slices"

	"qms/queue-engine/internal/events"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const sendBuffer = 16

// NewRealtimeHandler serves the SockJS endpoint under /realtime. A session
// receives nothing until it subscribes to at least one department:
//
//	{"action":"subscribe","department_ids":["dept-a"]}
func NewRealtimeHandler(hub *events.Hub, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &events.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
		hub.Register(client)
		defer hub.Unregister(client)
		logger.Debug().Str("client_id", client.ID).Msg("realtime session opened")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		var departments []string
		for {
			msg, err := session.Recv()
			if err != nil {
				logger.Debug().Str("client_id", client.ID).Msg("realtime session closed")
				return
			}
			parsed, ok := events.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			departments = applySubscription(departments, parsed)
			hub.UpdateSubscription(client, events.Subscription{DepartmentIDs: departments})
		}
	})
}

// applySubscription adds or removes the message's departments. An
// unsubscribe naming no department clears everything.
func applySubscription(current []string, msg events.SubscribeMessage) []string {
	if msg.Action == "unsubscribe" {
		if len(msg.DepartmentIDs) == 0 {
			return nil
		}
		return slices.DeleteFunc(slices.Clone(current), func(id string) bool {
			return slices.Contains(msg.DepartmentIDs, id)
		})
	}
	next := slices.Clone(current)
	for _, id := range msg.DepartmentIDs {
		if id != "" && !slices.Contains(next, id) {
			next = append(next, id)
		}
	}
	return next
}
