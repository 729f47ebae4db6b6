package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-backend/internal/apperr"
)

// fakeSender records everything delivered to one connection.
type fakeSender struct {
	mu     sync.Mutex
	events []Envelope
	closed bool
}

func (f *fakeSender) Send(msg Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, msg)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == event {
			n++
		}
	}
	return n
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

// waitFor blocks until the sender has received at least n events of the
// given type. Delivery runs on the room dispatcher goroutine.
func waitFor(t *testing.T, f *fakeSender, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.count(event) >= n
	}, time.Second, 5*time.Millisecond, "expected %d %q events, got %d", n, event, f.count(event))
}

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	g := NewRegistry(Config{GraceWindow: grace}, nil)
	t.Cleanup(g.Shutdown)
	return g
}

func TestOpenRoomValidation(t *testing.T) {
	g := newTestRegistry(t, time.Second)

	_, err := g.OpenRoom(0, 1, 10)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = g.OpenRoom(1, 1, 0)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	info, err := g.OpenRoom(1, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, info.Status)
	assert.Equal(t, int64(100), info.HostID)

	// 같은 세션에 두 번째 룸은 열 수 없다
	_, err = g.OpenRoom(1, 100, 10)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestJoinCapacityAndRelease(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, err := g.OpenRoom(1, 100, 2)
	require.NoError(t, err)

	host := &fakeSender{}
	res, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	assert.Equal(t, RoleHost, res.Self.Role)
	assert.Equal(t, StatusLive, res.Room.Status)
	require.NotNil(t, res.Room.StartedAt)

	u2 := &fakeSender{}
	res2, err := g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)
	assert.Equal(t, RoleParticipant, res2.Self.Role)
	assert.Len(t, res2.Roster, 2)

	// 정원 초과
	_, err = g.Join(info.ID, 3, "c", "", &fakeSender{})
	assert.True(t, apperr.Is(err, apperr.CodeCapacity))

	// 한 명이 나가면 자리가 난다
	require.NoError(t, g.Leave(info.ID, 2))
	_, err = g.Join(info.ID, 3, "c", "", &fakeSender{})
	require.NoError(t, err)

	_, roster, err := g.Snapshot(info.ID)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestJoinDuplicateActiveConflict(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	_, err := g.Join(info.ID, 100, "host", "", &fakeSender{})
	require.NoError(t, err)

	_, err = g.Join(info.ID, 100, "host", "", &fakeSender{})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestJoinUnknownRoom(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	_, err := g.Join("nope", 1, "a", "", &fakeSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestLeaveIsIdempotent(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)
	_, err := g.Join(info.ID, 100, "host", "", &fakeSender{})
	require.NoError(t, err)

	require.NoError(t, g.Leave(info.ID, 100))
	require.NoError(t, g.Leave(info.ID, 100))
	require.NoError(t, g.Leave(info.ID, 42)) // 모르는 유저도 no-op
}

func TestJoinFanoutExcludesSender(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)

	u2 := &fakeSender{}
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	waitFor(t, host, EventUserJoined, 1)
	assert.Zero(t, u2.count(EventUserJoined), "joiner must not see their own join")
}

func TestEndRoomPermissionAndFanout(t *testing.T) {
	g := newTestRegistry(t, time.Second)

	var (
		hookMu     sync.Mutex
		ended      []EndedRoom
		tokenRooms []string
	)
	g.SetHooks(Hooks{
		RoomEnded: func(e EndedRoom) {
			hookMu.Lock()
			ended = append(ended, e)
			hookMu.Unlock()
		},
		InvalidateTokens: func(roomID string) {
			hookMu.Lock()
			tokenRooms = append(tokenRooms, roomID)
			hookMu.Unlock()
		},
	})

	info, _ := g.OpenRoom(7, 100, 10)
	host := &fakeSender{}
	u2 := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	// 호스트가 아니면 종료 불가
	err = g.EndRoom(info.ID, 2)
	assert.True(t, apperr.Is(err, apperr.CodePermission))

	require.NoError(t, g.EndRoom(info.ID, 100))

	// 전원이 session-ended를 받고 연결이 닫힌다
	waitFor(t, host, EventSessionEnded, 1)
	waitFor(t, u2, EventSessionEnded, 1)
	require.Eventually(t, func() bool {
		return host.isClosed() && u2.isClosed()
	}, time.Second, 5*time.Millisecond)

	hookMu.Lock()
	require.Len(t, ended, 1)
	assert.Equal(t, int64(7), ended[0].SessionID)
	assert.Equal(t, []string{info.ID}, tokenRooms)
	hookMu.Unlock()

	// 종료된 룸은 사라진다
	_, err = g.Join(info.ID, 3, "c", "", &fakeSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	err = g.Broadcast(info.ID, EventChatMessage, nil, 2)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	// 세션을 다시 열 수 있다
	_, err = g.OpenRoom(7, 100, 10)
	require.NoError(t, err)
}

func TestEndRoomTwiceIsNotFound(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)
	_, err := g.Join(info.ID, 100, "host", "", &fakeSender{})
	require.NoError(t, err)

	require.NoError(t, g.EndRoom(info.ID, 100))
	err = g.EndRoom(info.ID, 100)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestGraceWindowReconnect(t *testing.T) {
	g := newTestRegistry(t, 60*time.Millisecond)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)

	u2 := &fakeSender{}
	res, err := g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	g.HandleDisconnect(info.ID, 2, res.Self.ConnectionID)

	// 유예 시간 안에 돌아오면 자리와 미디어 상태가 유지된다
	media := MediaState{Audio: true, Video: true}
	u2b := &fakeSender{}
	res2, err := g.Reactivate(info.ID, 2, media, u2b)
	require.NoError(t, err)
	assert.True(t, res2.Reconnected)
	assert.Equal(t, media, res2.Self.Media)
	assert.NotEqual(t, res.Self.ConnectionID, res2.Self.ConnectionID)

	waitFor(t, host, EventUserReconnected, 1)
	assert.Zero(t, host.count(EventUserLeft), "reconnect must not look like a leave/join")
}

func TestGraceWindowExpiry(t *testing.T) {
	g := newTestRegistry(t, 30*time.Millisecond)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)

	u2 := &fakeSender{}
	res, err := g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	g.HandleDisconnect(info.ID, 2, res.Self.ConnectionID)

	waitFor(t, host, EventUserLeft, 1)
	_, roster, err := g.Snapshot(info.ID)
	require.NoError(t, err)
	assert.Len(t, roster, 1)

	// 유예가 끝난 뒤의 복귀는 거부된다... 가 아니라 빈 자리가 있으면 재입장 처리된다
	res2, err := g.Reactivate(info.ID, 2, MediaState{}, &fakeSender{})
	require.NoError(t, err)
	assert.True(t, res2.Reconnected)
}

func TestHostGraceExpiryEndsRoom(t *testing.T) {
	g := newTestRegistry(t, 30*time.Millisecond)

	endedCh := make(chan EndedRoom, 1)
	g.SetHooks(Hooks{RoomEnded: func(e EndedRoom) { endedCh <- e }})

	info, _ := g.OpenRoom(1, 100, 10)
	host := &fakeSender{}
	res, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	u2 := &fakeSender{}
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	g.HandleDisconnect(info.ID, 100, res.Self.ConnectionID)

	select {
	case e := <-endedCh:
		assert.Equal(t, info.ID, e.RoomID)
	case <-time.After(time.Second):
		t.Fatal("room did not end after host grace expiry")
	}
	waitFor(t, u2, EventSessionEnded, 1)
}

func TestStaleDisconnectIsIgnored(t *testing.T) {
	g := newTestRegistry(t, 30*time.Millisecond)
	info, _ := g.OpenRoom(1, 100, 10)

	u2 := &fakeSender{}
	res, err := g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	// 재접속으로 ConnectionID가 바뀐 뒤 도착한 옛 연결의 끊김 통지는 무시된다
	g.HandleDisconnect(info.ID, 2, res.Self.ConnectionID)
	res2, err := g.Reactivate(info.ID, 2, MediaState{}, &fakeSender{})
	require.NoError(t, err)

	g.HandleDisconnect(info.ID, 2, res.Self.ConnectionID) // stale
	time.Sleep(60 * time.Millisecond)

	_, roster, err := g.Snapshot(info.ID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, res2.Self.ConnectionID, roster[0].ConnectionID)
}

func TestKick(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	u2 := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	err = g.Kick(info.ID, 2, 100)
	assert.True(t, apperr.Is(err, apperr.CodePermission))

	require.NoError(t, g.Kick(info.ID, 100, 2))
	require.Eventually(t, u2.isClosed, time.Second, 5*time.Millisecond)
	waitFor(t, host, EventUserLeft, 1)

	err = g.Kick(info.ID, 100, 2)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestBroadcastOrderPreserved(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	u2 := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, g.Broadcast(info.ID, EventChatMessage, ChatPayload{SenderID: 100, Message: "m"}, 100))
	}
	waitFor(t, u2, EventChatMessage, 20)
	assert.Zero(t, host.count(EventChatMessage), "sender must be excluded")

	// 수신 순서가 전송 순서와 같은지: chat 이벤트 사이에 다른 타입이 끼지 않았고
	// 누락 없이 20개가 모두 도착했으면 단일 디스패처 큐가 순서를 보존한 것
	seen := 0
	for _, typ := range u2.types() {
		if typ == EventChatMessage {
			seen++
		}
	}
	assert.Equal(t, 20, seen)
}
