package module

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// echoModule is a minimal Instance used to exercise the context's
// action queue without pulling in a real domain module.
type echoModule struct{ destroyed CleanupScope }

func (e *echoModule) OnEvent(ctx context.Context, mc *ModuleContext, event Event) error {
	if event.WsMessage != nil {
		mc.WsSend("echo", event.WsMessage.Payload)
		mc.ExchangePublish("room=r1:participants", ExchangeMessage{Source: "echo", Kind: "heard"})
		mc.InvalidateData()
	}
	return nil
}

func (e *echoModule) OnDestroy(ctx context.Context, dc *DestroyContext) {
	e.destroyed = dc.CleanupScope
}

func TestModuleContextActionOrdering(t *testing.T) {
	room := types.SignalingRoomId{Room: "r1"}
	pid := types.ParticipantId("p1")
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mc := NewModuleContext(room, pid, types.RoleUser, store.NewMemory(), func() time.Time { return fixedNow })
	assert.Equal(t, fixedNow, mc.Timestamp())

	m := &echoModule{}
	err := m.OnEvent(context.Background(), mc, Event{WsMessage: &Incoming{Kind: "ping", Payload: []byte(`{}`)}})
	require.NoError(t, err)

	actions := mc.DrainActions()
	require.Len(t, actions, 3)
	require.NotNil(t, actions[0].WsSend)
	assert.Equal(t, types.ModuleId("echo"), actions[0].WsSend.Namespace)
	require.NotNil(t, actions[1].ExchangePublish)
	assert.Equal(t, "room=r1:participants", actions[1].ExchangePublish.RoutingKey)
	assert.True(t, actions[2].InvalidateData)

	// Draining again must return nothing: actions are consumed exactly once.
	assert.Empty(t, mc.DrainActions())
}

func TestInitContextSubscriptions(t *testing.T) {
	ic := &InitContext{Room: types.SignalingRoomId{Room: "r1"}, Participant: "p1"}
	assert.Empty(t, ic.Subscriptions())

	ic.Subscribe("room=r1:group=g1")
	ic.Subscribe("room=r1:user=u1")
	assert.Equal(t, []string{"room=r1:group=g1", "room=r1:user=u1"}, ic.Subscriptions())
}

func TestOnDestroyReceivesCleanupScope(t *testing.T) {
	m := &echoModule{}
	dc := &DestroyContext{
		Room:         types.SignalingRoomId{Room: "r1"},
		Participant:  "p1",
		Store:        store.NewMemory(),
		CleanupScope: CleanupGlobal,
	}
	m.OnDestroy(context.Background(), dc)
	assert.Equal(t, CleanupGlobal, m.destroyed)
}
