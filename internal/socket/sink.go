package socket

import (
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// StoreSink 把通道訊息轉為 store 事件
type StoreSink struct {
	Store *store.Store
	Now   func() time.Time
}

// NewStoreSink 建立寫入 store 的 Sink
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{Store: st, Now: time.Now}
}

func (s *StoreSink) Direction(_ types.Channel, d types.Direction) {
	s.dispatch(store.DirectionReceived{Direction: d, At: s.Now()})
}

func (s *StoreSink) Notification(_ types.Channel, n types.Notification) {
	s.dispatch(store.NotificationReceived{Notification: n})
}

func (s *StoreSink) Progress(_ types.Channel, p Progress) {
	s.dispatch(store.PathProgress{PathID: p.PathID, Completed: p.Completed})
}

func (s *StoreSink) State(ch types.Channel, connected bool) {
	s.dispatch(store.SocketStateChanged{Channel: ch, Connected: connected})
}

func (s *StoreSink) dispatch(ev store.Event) {
	if err := s.Store.Dispatch(ev); err != nil {
		log.Debug("Dropping socket event", "kind", ev.Kind(), "error", err)
	}
}
