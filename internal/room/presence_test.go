package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-backend/internal/apperr"
)

func boolPtr(b bool) *bool { return &b }

func TestUpdateMediaStatePartialMerge(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	u2 := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	st, err := g.UpdateMediaState(info.ID, 2, MediaStateUpdate{Audio: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, MediaState{Audio: true}, st)

	// 비워둔 필드는 유지된다
	st, err = g.UpdateMediaState(info.ID, 2, MediaStateUpdate{Video: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, MediaState{Audio: true, Video: true}, st)

	waitFor(t, host, EventMediaStateUpdated, 2)
	assert.Zero(t, u2.count(EventMediaStateUpdated))
}

func TestUpdateMediaStateIdempotent(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	u2 := &fakeSender{}
	_, err = g.Join(info.ID, 2, "b", "", u2)
	require.NoError(t, err)

	_, err = g.UpdateMediaState(info.ID, 2, MediaStateUpdate{Audio: boolPtr(true)})
	require.NoError(t, err)
	waitFor(t, host, EventMediaStateUpdated, 1)

	// 같은 상태를 다시 보내면 이벤트가 나가지 않는다
	_, err = g.UpdateMediaState(info.ID, 2, MediaStateUpdate{Audio: boolPtr(true)})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, host.count(EventMediaStateUpdated))
}

func TestUpdateMediaStateRequiresActiveParticipant(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)
	_, err := g.Join(info.ID, 100, "host", "", &fakeSender{})
	require.NoError(t, err)

	_, err = g.UpdateMediaState(info.ID, 42, MediaStateUpdate{Audio: boolPtr(true)})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRaiseAndLowerHand(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", &fakeSender{})
	require.NoError(t, err)

	require.NoError(t, g.RaiseHand(info.ID, 2))
	// set 의미론: 이미 든 손을 다시 들어도 이벤트 없음
	require.NoError(t, g.RaiseHand(info.ID, 2))
	waitFor(t, host, EventHandRaised, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, host.count(EventHandRaised))

	_, roster, err := g.Snapshot(info.ID)
	require.NoError(t, err)
	for _, p := range roster {
		if p.UserID == 2 {
			assert.True(t, p.HandRaised)
		}
	}

	require.NoError(t, g.LowerHand(info.ID, 2))
	waitFor(t, host, EventHandLowered, 1)
}

func TestConnectionQuality(t *testing.T) {
	g := newTestRegistry(t, time.Second)
	info, _ := g.OpenRoom(1, 100, 10)

	host := &fakeSender{}
	_, err := g.Join(info.ID, 100, "host", "", host)
	require.NoError(t, err)
	_, err = g.Join(info.ID, 2, "b", "", &fakeSender{})
	require.NoError(t, err)

	err = g.ReportConnectionQuality(info.ID, 2, "TERRIBLE")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	require.NoError(t, g.ReportConnectionQuality(info.ID, 2, QualityPoor))

	// 품질 보고는 로스터로만 노출되고 브로드캐스트되지 않는다
	time.Sleep(30 * time.Millisecond)
	for _, typ := range host.types() {
		assert.Equal(t, EventUserJoined, typ)
	}

	_, roster, err := g.Snapshot(info.ID)
	require.NoError(t, err)
	for _, p := range roster {
		if p.UserID == 2 {
			assert.Equal(t, QualityPoor, p.Quality)
		}
	}
}
