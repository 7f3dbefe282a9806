package engine

import (
	"sync"

	"round-engine/pkg/logger"

	"go.uber.org/zap"
)

type OutgoingMessage struct {
	Type string      `json:"type"`
	Seq  int64       `json:"seq"`
	Data interface{} `json:"data"`
}

// Hub fans round events out to live subscribers of a game. Slow
// subscribers drop messages rather than stall a step.
type Hub struct {
	mu          sync.Mutex
	seq         int64
	nextID      int64
	subscribers map[string]map[int64]chan OutgoingMessage
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int64]chan OutgoingMessage)}
}

func (h *Hub) Subscribe(game string) (int64, <-chan OutgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan OutgoingMessage, 32)
	if h.subscribers[game] == nil {
		h.subscribers[game] = make(map[int64]chan OutgoingMessage)
	}
	h.subscribers[game][h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) Unsubscribe(game string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[game][id]; ok {
		delete(h.subscribers[game], id)
		close(ch)
	}
}

func (h *Hub) Publish(game, msgType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	msg := OutgoingMessage{Type: msgType, Seq: h.seq, Data: data}
	for id, ch := range h.subscribers[game] {
		select {
		case ch <- msg:
		default:
			logger.Log.Warn("ws subscriber channel full", zap.Int64("subscriber", id), zap.String("game", game))
		}
	}
}

// NextSeq stamps a message sent outside Publish.
func (h *Hub) NextSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return h.seq
}
