package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Type    string
	Payload interface{}
}

type fakePeer struct {
	id       string
	mu       sync.Mutex
	alive    bool
	closes   int
	failSend bool
	sent     []sentMessage
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, alive: true}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msgType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive || p.failSend {
		return errors.New("peer gone")
	}
	p.sent = append(p.sent, sentMessage{Type: msgType, Payload: payload})
	return nil
}

func (p *fakePeer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.closes++
}

// drop simulates an unclean network drop: the peer dies without telling the registry.
func (p *fakePeer) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

func (p *fakePeer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestGetOrCreate_ZeroState(t *testing.T) {
	r := NewRegistry(nil)

	snap := r.GetOrCreate("ABC123")

	assert.Equal(t, 0, snap.CurrentSlide)
	assert.Equal(t, 0, snap.TotalSlides)
	assert.Equal(t, 0, snap.ConnectedDevices)
	assert.Empty(t, snap.PendingCommands)
	assert.Nil(t, snap.Slides)
	assert.True(t, r.HasSession("ABC123"))
	assert.False(t, r.HasSession("abc123"), "codes are case-sensitive")
}

func TestSnapshot_DoesNotCreate(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.Snapshot("missing")
	assert.False(t, ok)
	assert.False(t, r.HasSession("missing"))
}

func TestUpdateSlideState_RoundTrip(t *testing.T) {
	r := NewRegistry(nil)

	r.UpdateSlideState("ABC123", 3, intPtr(10))
	snap, ok := r.Snapshot("ABC123")
	require.True(t, ok)
	assert.Equal(t, 3, snap.CurrentSlide)
	assert.Equal(t, 10, snap.TotalSlides)

	r.UpdateSlideState("ABC123", 4, nil)
	snap, _ = r.Snapshot("ABC123")
	assert.Equal(t, 4, snap.CurrentSlide)
	assert.Equal(t, 10, snap.TotalSlides, "omitted total leaves it unchanged")
}

func TestUpdateSlides_OptionalTotal(t *testing.T) {
	r := NewRegistry(nil)

	r.UpdateSlides("S1", "# intro", intPtr(7))
	r.UpdateSlides("S1", "# intro v2", nil)

	snap, _ := r.Snapshot("S1")
	require.NotNil(t, snap.Slides)
	assert.Equal(t, "# intro v2", *snap.Slides)
	assert.Equal(t, 7, snap.TotalSlides)
}

func TestUpdateWorkshopData_PartialUpdate(t *testing.T) {
	r := NewRegistry(nil)

	r.UpdateWorkshopData("S1", json.RawMessage(`{"title":"Robots"}`), strPtr("09:00"), strPtr("11:00"))
	r.UpdateWorkshopData("S1", json.RawMessage(`{"title":"Robots II"}`), nil, strPtr(""))

	snap, _ := r.Snapshot("S1")
	assert.JSONEq(t, `{"title":"Robots II"}`, string(snap.WorkshopData))
	require.NotNil(t, snap.WorkshopStartTime)
	require.NotNil(t, snap.WorkshopEndTime)
	assert.Equal(t, "09:00", *snap.WorkshopStartTime)
	assert.Equal(t, "11:00", *snap.WorkshopEndTime)
}

func TestRegisterPresenter_OnlyLatestIsLive(t *testing.T) {
	r := NewRegistry(nil)
	presenters := []*fakePeer{newFakePeer("p1"), newFakePeer("p2"), newFakePeer("p3")}

	for _, p := range presenters {
		r.RegisterPresenter("ABC123", p)
	}

	assert.Equal(t, 1, presenters[0].closeCount())
	assert.Equal(t, 1, presenters[1].closeCount())
	assert.Equal(t, 0, presenters[2].closeCount())
	assert.True(t, r.SendToPresenter("ABC123", "remote-command", nil))
	assert.Empty(t, presenters[0].messages())
	assert.Empty(t, presenters[1].messages())
	assert.Len(t, presenters[2].messages(), 1)
}

func TestRegisterPresenter_SameConnectionTwiceIsNotClosed(t *testing.T) {
	r := NewRegistry(nil)
	p := newFakePeer("p1")

	r.RegisterPresenter("S1", p)
	r.RegisterPresenter("S1", p)

	assert.Equal(t, 0, p.closeCount())
	assert.True(t, r.HasPresenter("S1"))
}

func TestRegisterController_CountsDevices(t *testing.T) {
	r := NewRegistry(nil)

	r.RegisterController("S1", newFakePeer("c1"))
	r.RegisterController("S1", newFakePeer("c2"))

	assert.Equal(t, 2, r.DeviceCount("S1"))
	snap, _ := r.Snapshot("S1")
	assert.Equal(t, 2, snap.ConnectedDevices)
}

func TestBroadcastToControllers_PrunesUncleanDisconnect(t *testing.T) {
	r := NewRegistry(nil)
	survivor := newFakePeer("c1")
	dropped := newFakePeer("c2")
	r.RegisterController("S1", survivor)
	r.RegisterController("S1", dropped)

	dropped.drop()
	r.BroadcastToControllers("S1", "slide-update", map[string]int{"current": 2, "total": 5})

	snap, _ := r.Snapshot("S1")
	assert.Equal(t, 1, snap.ConnectedDevices)
	assert.Len(t, survivor.messages(), 1)
	assert.Empty(t, dropped.messages())
}

func TestBroadcastToControllers_FailedSendPrunes(t *testing.T) {
	r := NewRegistry(nil)
	healthy := newFakePeer("c1")
	broken := newFakePeer("c2")
	broken.failSend = true
	r.RegisterController("S1", healthy)
	r.RegisterController("S1", broken)

	r.BroadcastToControllers("S1", "slide-update", nil)

	assert.Equal(t, 1, r.DeviceCount("S1"))
	assert.Equal(t, 1, broken.closeCount())
}

func TestBroadcastToSession_SkipsSender(t *testing.T) {
	r := NewRegistry(nil)
	presenter := newFakePeer("p")
	sender := newFakePeer("c1")
	other := newFakePeer("c2")
	r.RegisterPresenter("S1", presenter)
	r.RegisterController("S1", sender)
	r.RegisterController("S1", other)

	r.BroadcastToSession("S1", "lesson-update", nil, sender, true)

	assert.Empty(t, sender.messages())
	assert.Len(t, other.messages(), 1)
	assert.Len(t, presenter.messages(), 1)
}

func TestSendToPresenter_ClearsDeadPresenter(t *testing.T) {
	r := NewRegistry(nil)
	p := newFakePeer("p")
	r.RegisterPresenter("S1", p)

	p.drop()

	assert.False(t, r.SendToPresenter("S1", "remote-command", nil))
	assert.False(t, r.HasPresenter("S1"))
	assert.False(t, r.SendToPresenter("unknown", "remote-command", nil))
}

func TestAddCommand_KeepsLastTwentyInOrder(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < 25; i++ {
		r.AddCommand("S1", fmt.Sprintf("cmd-%d", i))
	}

	snap, _ := r.Snapshot("S1")
	require.Len(t, snap.PendingCommands, MaxPendingCommands)
	for i, c := range snap.PendingCommands {
		assert.Equal(t, fmt.Sprintf("cmd-%d", i+5), c.Command)
		if i > 0 {
			assert.Greater(t, c.Timestamp, snap.PendingCommands[i-1].Timestamp)
		}
	}
}

func TestAddCommand_UniqueIDs(t *testing.T) {
	r := NewRegistry(nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := r.AddCommand("S1", "next")
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCommandsSince_FiltersByTimestamp(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, WithClock(clock.Now))

	r.AddCommand("S1", "first")
	clock.Advance(10 * time.Millisecond)
	r.AddCommand("S1", "second")
	clock.Advance(10 * time.Millisecond)
	r.AddCommand("S1", "third")

	all, last := r.CommandsSince("S1", 0)
	require.Len(t, all, 3)
	assert.Equal(t, all[2].Timestamp, last)

	later, _ := r.CommandsSince("S1", all[0].Timestamp)
	require.Len(t, later, 2)
	assert.Equal(t, "second", later[0].Command)
	assert.Equal(t, "third", later[1].Command)
}

func TestCommandsSince_WatermarkNeverRepeatsOrSkips(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, WithClock(clock.Now))

	var (
		watermark int64
		observed  []string
	)
	poll := func() {
		cmds, last := r.CommandsSince("S1", watermark)
		for _, c := range cmds {
			observed = append(observed, c.Command)
		}
		if last > watermark {
			watermark = last
		}
	}

	// Commands and polls interleave inside the same millisecond on purpose.
	for i := 0; i < 12; i++ {
		r.AddCommand("S1", fmt.Sprintf("c%d", i))
		if i%3 == 0 {
			poll()
		}
		if i%4 == 0 {
			clock.Advance(time.Millisecond)
		}
	}
	poll()
	poll()

	expected := make([]string, 12)
	for i := range expected {
		expected[i] = fmt.Sprintf("c%d", i)
	}
	assert.Equal(t, expected, observed)
}

func TestCommandsSince_EmptyBatchReturnsNow(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, WithClock(clock.Now))
	r.GetOrCreate("S1")

	cmds, last := r.CommandsSince("S1", 0)
	assert.Empty(t, cmds)
	assert.Equal(t, clock.Now().UnixMilli(), last)

	// Same millisecond: the new command must still be visible to a poller holding last.
	r.AddCommand("S1", "next")
	cmds, _ = r.CommandsSince("S1", last)
	require.Len(t, cmds, 1)
	assert.Equal(t, "next", cmds[0].Command)
}

func TestCommandsSince_UnknownCodeIsNotCreated(t *testing.T) {
	r := NewRegistry(nil)

	cmds, last := r.CommandsSince("NOPE", 42)
	assert.Empty(t, cmds)
	assert.Equal(t, int64(42), last)
	assert.False(t, r.HasSession("NOPE"))

	// A command queued after the first poll is still above the watermark handed out.
	r.AddCommand("NOPE", "next")
	cmds, _ = r.CommandsSince("NOPE", last)
	require.Len(t, cmds, 1)
}

func TestImportCommand_KeepsIDAndSkipsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	r.AddCommand("S1", "first")

	id := r.ImportCommand("S1", "next", "01HZX3Q9M7B2V4K8T6N0R5W1YC")
	assert.Equal(t, "01HZX3Q9M7B2V4K8T6N0R5W1YC", id)
	assert.Equal(t, id, r.ImportCommand("S1", "next", id))

	cmds, _ := r.CommandsSince("S1", 0)
	require.Len(t, cmds, 2)
	assert.Equal(t, id, cmds[1].ID)
	assert.Greater(t, cmds[1].Timestamp, cmds[0].Timestamp)

	assert.NotEmpty(t, r.ImportCommand("S1", "prev", ""))
}

func TestRemoveConnection_IsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	p := newFakePeer("p")
	c1 := newFakePeer("c1")
	c2 := newFakePeer("c2")
	r.RegisterPresenter("S1", p)
	r.RegisterController("S1", c1)
	r.RegisterController("S1", c2)

	r.RemoveConnection("S1", c1)
	r.RemoveConnection("S1", c1)

	assert.Equal(t, 1, r.DeviceCount("S1"))
	assert.True(t, r.HasPresenter("S1"))
}

func TestRemoveConnection_DeletesEmptySession(t *testing.T) {
	r := NewRegistry(nil)
	var closed []Summary
	r.OnSessionClosed(func(s Summary) { closed = append(closed, s) })
	p := newFakePeer("p")
	c := newFakePeer("c")
	r.RegisterPresenter("S1", p)
	r.RegisterController("S1", c)

	r.RemoveConnection("S1", p)
	assert.True(t, r.HasSession("S1"))
	r.RemoveConnection("S1", c)
	assert.False(t, r.HasSession("S1"))

	// A later call on the vanished session is still safe.
	r.RemoveConnection("S1", c)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonEmpty, closed[0].Reason)
	assert.Equal(t, 1, closed[0].PeakDevices)
}

func TestRemoveConnection_KeepsSessionWithHTTPDevices(t *testing.T) {
	r := NewRegistry(nil)
	p := newFakePeer("p")
	r.RegisterPresenter("S1", p)
	r.IncrementDeviceCount("S1")

	r.RemoveConnection("S1", p)

	assert.True(t, r.HasSession("S1"))
	assert.Equal(t, 1, r.DeviceCount("S1"))
}

func TestDeviceCount_HTTPDevicesFloorAtZero(t *testing.T) {
	r := NewRegistry(nil)

	r.IncrementDeviceCount("S1")
	r.DecrementDeviceCount("S1")
	r.DecrementDeviceCount("S1")

	assert.Equal(t, 0, r.DeviceCount("S1"))
	r.RegisterController("S1", newFakePeer("c1"))
	r.IncrementDeviceCount("S1")
	assert.Equal(t, 2, r.DeviceCount("S1"))
}

func TestDecrementDeviceCount_UnknownCodeIsNotCreated(t *testing.T) {
	r := NewRegistry(nil)

	r.DecrementDeviceCount("GONE")

	assert.False(t, r.HasSession("GONE"))
	assert.Equal(t, 0, r.Stats().TotalSessions)
}

func TestDeleteSession_ForceClosesLiveConnections(t *testing.T) {
	r := NewRegistry(nil)
	c := newFakePeer("c")
	p := newFakePeer("p")
	r.RegisterController("S1", c)
	r.RegisterPresenter("S1", p)

	r.DeleteSession("S1")

	assert.Equal(t, 1, c.closeCount())
	assert.Equal(t, 1, p.closeCount())
	assert.False(t, r.HasSession("S1"))
	assert.NotPanics(t, func() { r.DeleteSession("S1") })
}

func TestStats_ActiveWindow(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, WithClock(clock.Now))

	r.GetOrCreate("old")
	clock.Advance(90 * time.Minute)
	r.GetOrCreate("fresh")

	st := r.Stats()
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.ActiveSessions)
}

func TestExpireIdle_RemovesOnlyIdleSessions(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, WithClock(clock.Now))
	var reasons []string
	r.OnSessionClosed(func(s Summary) { reasons = append(reasons, s.Reason) })
	c := newFakePeer("c")
	r.RegisterController("stale", c)
	r.UpdateSlides("stale", "deck", intPtr(3))
	clock.Advance(3 * time.Hour)
	r.GetOrCreate("busy")

	expired := r.ExpireIdle(2 * time.Hour)

	assert.Equal(t, []string{"stale"}, expired)
	assert.False(t, r.HasSession("stale"))
	assert.True(t, r.HasSession("busy"))
	assert.Equal(t, 1, c.closeCount())
	assert.Equal(t, []string{ReasonExpired}, reasons)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := newFakePeer(fmt.Sprintf("c%d", i))
			r.RegisterController("S1", peer)
			r.AddCommand("S1", "next")
			r.BroadcastToControllers("S1", "slide-update", nil)
			r.UpdateSlideState("S1", i, nil)
			r.RemoveConnection("S1", peer)
		}(i)
	}
	r.IncrementDeviceCount("S1")
	wg.Wait()

	assert.Equal(t, 1, r.DeviceCount("S1"))
}
