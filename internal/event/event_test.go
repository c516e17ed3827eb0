package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/quizparty/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"subscriber only receives the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("round.opened"),
						eventWithName("round.closed"),
						eventWithName("round.opened"),
					},
					subscribers: []subscriber{
						{name: "push", subscribeTo: []string{"round.closed"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("round.closed")}, out.received["push"])
			},
		},

		"every publish of the same event is delivered": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("session.completed"),
						eventWithName("session.completed"),
						eventWithName("session.completed"),
					},
					subscribers: []subscriber{
						{name: "aggregator", subscribeTo: []string{"session.completed"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["aggregator"], 3)
			},
		},

		"one event fans out to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("session.completed"),
					},
					subscribers: []subscriber{
						{name: "aggregator", subscribeTo: []string{"session.completed"}},
						{name: "push", subscribeTo: []string{"session.completed"}},
						{name: "store", subscribeTo: []string{"session.completed"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				want := []event.Event{eventWithName("session.completed")}
				assert.ElementsMatch(t, want, out.received["aggregator"])
				assert.ElementsMatch(t, want, out.received["push"])
				assert.ElementsMatch(t, want, out.received["store"])
			},
		},

		"overlapping subscriptions route independently": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("round.opened"),
						eventWithName("round.closed"),
						eventWithName("session.cancelled"),
						eventWithName("round.closed"),
					},
					subscribers: []subscriber{
						{name: "push", subscribeTo: []string{"round.opened", "round.closed", "session.cancelled"}},
						{name: "metrics", subscribeTo: []string{"round.closed"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["push"], 4)
				assert.ElementsMatch(t, []event.Event{eventWithName("round.closed"), eventWithName("round.closed")}, out.received["metrics"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(s.name, e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_HandlerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	b := event.NewBus()

	var (
		mu  sync.Mutex
		got int
	)

	b.Subscribe("panicky", "e", func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe("flaky", "e", func(ctx context.Context, e event.Event) error {
		return errors.New("transient")
	})
	b.Subscribe("healthy", "e", func(ctx context.Context, e event.Event) error {
		mu.Lock()
		got++
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), eventWithName("e"))
	b.Publish(context.Background(), eventWithName("e"))
	b.Stop()

	assert.Equal(t, 2, got, "healthy subscriber should receive every event")
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
