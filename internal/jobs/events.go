package jobs

import "sync"

// broadcaster はジョブの変化を購読者へ配信します。
// 受信が追いつかない購読者への通知は捨て、送信側をブロックしません。
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish は購読者ごとに送信を試み、受け取れなかった購読者の数を返します。
func (b *broadcaster) publish(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}
