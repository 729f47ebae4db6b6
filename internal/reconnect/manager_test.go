package reconnect

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/room"
)

type reactivateCall struct {
	RoomID string
	UserID int64
	Media  room.MediaState
	Sender room.Sender
}

type stubRooms struct {
	media       map[string]room.MediaState // "roomID/userID" 키
	reactivated []reactivateCall
	reactivErr  error
}

func mediaKey(roomID string, userID int64) string {
	return roomID + "/" + strconv.FormatInt(userID, 10)
}

func (s *stubRooms) Reactivate(roomID string, userID int64, media room.MediaState, sender room.Sender) (room.JoinResult, error) {
	s.reactivated = append(s.reactivated, reactivateCall{RoomID: roomID, UserID: userID, Media: media, Sender: sender})
	if s.reactivErr != nil {
		return room.JoinResult{}, s.reactivErr
	}
	return room.JoinResult{Reconnected: true}, nil
}

func (s *stubRooms) MediaStateOf(roomID string, userID int64) (room.MediaState, error) {
	media, ok := s.media[mediaKey(roomID, userID)]
	if !ok {
		return room.MediaState{}, apperr.New(apperr.CodeNotFound, "not in room")
	}
	return media, nil
}

type nopSender struct{}

func (nopSender) Send(room.Envelope) error { return nil }
func (nopSender) Close() error             { return nil }

func TestIssueCapturesMediaState(t *testing.T) {
	rooms := &stubRooms{media: map[string]room.MediaState{
		mediaKey("r1", 7): {Audio: true, Screen: true},
	}}
	m := NewManager(rooms, time.Minute)

	tok := m.Issue("r1", 7)
	require.NotEmpty(t, tok.Value)
	assert.Equal(t, "r1", tok.RoomID)
	assert.Equal(t, int64(7), tok.UserID)
	assert.True(t, tok.SavedMedia.Audio)
	assert.True(t, tok.SavedMedia.Screen)
	assert.True(t, tok.ExpiresAt.After(tok.IssuedAt))

	// 참가자 상태를 못 읽어도 토큰은 발급된다 (기본 미디어 상태)
	tok2 := m.Issue("r1", 99)
	assert.NotEmpty(t, tok2.Value)
	assert.False(t, tok2.SavedMedia.Audio)
}

func TestRedeemRestoresSession(t *testing.T) {
	rooms := &stubRooms{media: map[string]room.MediaState{
		mediaKey("r1", 7): {Video: true},
	}}
	m := NewManager(rooms, time.Minute)
	tok := m.Issue("r1", 7)

	sender := nopSender{}
	res, err := m.Redeem(tok.Value, "r1", sender)
	require.NoError(t, err)
	assert.True(t, res.Reconnected)

	require.Len(t, rooms.reactivated, 1)
	call := rooms.reactivated[0]
	assert.Equal(t, "r1", call.RoomID)
	assert.Equal(t, int64(7), call.UserID)
	assert.True(t, call.Media.Video)
	assert.Equal(t, room.Sender(sender), call.Sender)
}

func TestRedeemIsSingleUse(t *testing.T) {
	rooms := &stubRooms{}
	m := NewManager(rooms, time.Minute)
	tok := m.Issue("r1", 7)

	_, err := m.Redeem(tok.Value, "r1", nopSender{})
	require.NoError(t, err)

	// 재사용은 NotFound가 아니라 Conflict여야 한다
	_, err = m.Redeem(tok.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
	assert.Len(t, rooms.reactivated, 1)
}

func TestRedeemWrongRoomDoesNotBurnToken(t *testing.T) {
	rooms := &stubRooms{}
	m := NewManager(rooms, time.Minute)
	tok := m.Issue("r1", 7)

	// 다른 방의 WS URL로 제시된 토큰은 소모되지 않고 거부된다
	_, err := m.Redeem(tok.Value, "r2", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Empty(t, rooms.reactivated)

	got, ok := m.OutstandingFor("r1", 7)
	require.True(t, ok)
	assert.Equal(t, tok.Value, got.Value)

	// 올바른 방으로는 여전히 사용 가능
	_, err = m.Redeem(tok.Value, "r1", nopSender{})
	require.NoError(t, err)
	require.Len(t, rooms.reactivated, 1)
}

func TestRedeemUnknownToken(t *testing.T) {
	m := NewManager(&stubRooms{}, time.Minute)
	_, err := m.Redeem("no-such-token", "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRedeemExpiredToken(t *testing.T) {
	rooms := &stubRooms{}
	m := NewManager(rooms, time.Minute)
	tok := m.Issue("r1", 7)

	m.now = func() time.Time { return tok.ExpiresAt.Add(time.Second) }
	_, err := m.Redeem(tok.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeExpired))
	assert.Empty(t, rooms.reactivated)

	// 만료된 토큰은 제거되어 재시도해도 NotFound
	_, err = m.Redeem(tok.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRedeemFailedReactivateKeepsTokenBurned(t *testing.T) {
	rooms := &stubRooms{reactivErr: apperr.New(apperr.CodeNotFound, "room ended")}
	m := NewManager(rooms, time.Minute)
	tok := m.Issue("r1", 7)

	_, err := m.Redeem(tok.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	// 입장이 실패했어도 토큰은 소모된 것으로 취급
	_, err = m.Redeem(tok.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestOutstandingFor(t *testing.T) {
	m := NewManager(&stubRooms{}, time.Minute)

	_, ok := m.OutstandingFor("r1", 7)
	assert.False(t, ok)

	first := m.Issue("r1", 7)
	second := m.Issue("r1", 7)
	m.Issue("r1", 8)
	m.Issue("r2", 7)

	// 같은 유저/방의 가장 최근 토큰을 돌려준다
	got, ok := m.OutstandingFor("r1", 7)
	require.True(t, ok)
	assert.Equal(t, second.Value, got.Value)

	// 최신 토큰이 사용되면 그 이전 토큰으로 내려간다
	_, err := m.Redeem(second.Value, "r1", nopSender{})
	require.NoError(t, err)
	got, ok = m.OutstandingFor("r1", 7)
	require.True(t, ok)
	assert.Equal(t, first.Value, got.Value)
}

func TestInvalidateRoom(t *testing.T) {
	m := NewManager(&stubRooms{}, time.Minute)
	tok1 := m.Issue("r1", 7)
	tok2 := m.Issue("r1", 8)
	other := m.Issue("r2", 7)

	m.InvalidateRoom("r1")

	_, err := m.Redeem(tok1.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = m.Redeem(tok2.Value, "r1", nopSender{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	// 다른 방의 토큰은 살아 있다
	_, err = m.Redeem(other.Value, "r2", nopSender{})
	assert.NoError(t, err)
}

func TestSweepRemovesExpired(t *testing.T) {
	m := NewManager(&stubRooms{}, time.Minute)
	tok := m.Issue("r1", 7)
	m.Issue("r1", 8)

	m.now = func() time.Time { return tok.ExpiresAt.Add(time.Minute) }
	assert.Equal(t, 2, m.Sweep())
	assert.Equal(t, 0, m.Sweep())
}
