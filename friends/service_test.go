package friends_test

import (
	"sync"
	"testing"
	"time"

	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/model"
	"github.com/driftchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (*friends.Service, *model.User, *model.User) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	svc := friends.NewService(db, testutil.NewTestLogger(t))
	alice := testutil.CreateUser(t, db, "alice", "pw")
	bob := testutil.CreateUser(t, db, "bob", "pw")
	return svc, alice, bob
}

func TestSendRequest_Success(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, recipientID, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, recipientID)
	assert.Equal(t, alice.ID, summary.SenderID)
	assert.Equal(t, "alice", summary.SenderUsername)
	assert.NotZero(t, summary.ID)

	pending, err := svc.PendingRequests(bob.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, summary.ID, pending[0].ID)
}

func TestSendRequest_UnknownUser(t *testing.T) {
	svc, alice, _ := setupService(t)

	_, _, err := svc.SendRequest(alice.ID, "nobody")
	assert.ErrorIs(t, err, friends.ErrUserNotFound)
}

func TestSendRequest_Self(t *testing.T) {
	svc, alice, _ := setupService(t)

	_, _, err := svc.SendRequest(alice.ID, "alice")
	assert.ErrorIs(t, err, friends.ErrSelfRequest)
}

func TestSendRequest_Duplicate(t *testing.T) {
	svc, alice, _ := setupService(t)

	_, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	_, _, err = svc.SendRequest(alice.ID, "bob")
	assert.ErrorIs(t, err, friends.ErrDuplicateRequest)
}

func TestSendRequest_ReverseDirectionPendingBlocked(t *testing.T) {
	svc, alice, bob := setupService(t)

	_, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	// Bob already has alice's request in his inbox; sending one back
	// would create two crossing requests for the same pair.
	_, _, err = svc.SendRequest(bob.ID, "alice")
	assert.ErrorIs(t, err, friends.ErrDuplicateRequest)
}

func TestSendRequest_AlreadyFriends(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	_, err = svc.Accept(summary.ID, bob.ID)
	require.NoError(t, err)

	_, _, err = svc.SendRequest(alice.ID, "bob")
	assert.ErrorIs(t, err, friends.ErrAlreadyFriends)
}

func TestAccept_CreatesBothDirections(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	result, err := svc.Accept(summary.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, result.SenderID)
	assert.Equal(t, "alice", result.Sender.Username)
	assert.Equal(t, "bob", result.Recipient.Username)

	ab, err := svc.AreFriends(alice.ID, bob.ID)
	require.NoError(t, err)
	ba, err := svc.AreFriends(bob.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ab)
	assert.True(t, ba)

	// Request is consumed.
	pending, err := svc.PendingRequests(bob.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAccept_WrongRecipient(t *testing.T) {
	svc, alice, _ := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	// The sender cannot accept their own request.
	_, err = svc.Accept(summary.ID, alice.ID)
	assert.ErrorIs(t, err, friends.ErrRequestNotFound)
}

func TestAccept_Twice(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	_, err = svc.Accept(summary.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.Accept(summary.ID, bob.ID)
	assert.ErrorIs(t, err, friends.ErrRequestNotFound)
}

func TestAccept_Concurrent_ExactlyOneWins(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Accept(summary.ID, bob.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, e := range errs {
		if e == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one accept must succeed")

	// Friendship exists once in each direction, not duplicated.
	infos, err := svc.Friends(bob.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestAccept_StaleCrossingRequest(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := friends.NewService(db, testutil.NewTestLogger(t))
	alice := testutil.CreateUser(t, db, "alice", "pw")
	bob := testutil.CreateUser(t, db, "bob", "pw")

	// Two concurrent sends can slip past the pending check and leave
	// crossing requests in both directions. Seed that state directly.
	ab := &model.FriendRequest{SenderID: alice.ID, RecipientID: bob.ID, Status: model.RequestPending}
	ba := &model.FriendRequest{SenderID: bob.ID, RecipientID: alice.ID, Status: model.RequestPending}
	require.NoError(t, db.Create(ab).Error)
	require.NoError(t, db.Create(ba).Error)

	_, err := svc.Accept(ab.ID, bob.ID)
	require.NoError(t, err)

	// The reverse request is now stale: accepting it must not blow up
	// on the friends unique index, and must consume the row.
	_, err = svc.Accept(ba.ID, alice.ID)
	assert.ErrorIs(t, err, friends.ErrAlreadyFriends)

	pending, err := svc.PendingRequests(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "stale request must not linger")

	// The friendship itself is intact in both directions.
	infos, err := svc.Friends(alice.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "bob", infos[0].Username)
	infos, err = svc.Friends(bob.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestReject_ConsumesRequest(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)

	senderID, err := svc.Reject(summary.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, senderID)

	// No friendship created and the request is gone.
	ab, err := svc.AreFriends(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ab)
	_, err = svc.Reject(summary.ID, bob.ID)
	assert.ErrorIs(t, err, friends.ErrRequestNotFound)
}

func TestReject_AllowsNewRequest(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	_, err = svc.Reject(summary.ID, bob.ID)
	require.NoError(t, err)

	// After rejection the sender can try again.
	_, _, err = svc.SendRequest(alice.ID, "bob")
	assert.NoError(t, err)
}

func TestFriends_ListWithUsernames(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := friends.NewService(db, testutil.NewTestLogger(t))
	alice := testutil.CreateUser(t, db, "alice", "pw")
	testutil.CreateUser(t, db, "bob", "pw")
	testutil.CreateUser(t, db, "carol", "pw")

	s1, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	s2, _, err := svc.SendRequest(alice.ID, "carol")
	require.NoError(t, err)

	var bobUser, carolUser model.User
	require.NoError(t, db.Where("username = ?", "bob").First(&bobUser).Error)
	require.NoError(t, db.Where("username = ?", "carol").First(&carolUser).Error)

	_, err = svc.Accept(s1.ID, bobUser.ID)
	require.NoError(t, err)
	_, err = svc.Accept(s2.ID, carolUser.ID)
	require.NoError(t, err)

	infos, err := svc.Friends(alice.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "bob", infos[0].Username)
	assert.Equal(t, "carol", infos[1].Username)
}

func TestRemoveFriend_BothDirections(t *testing.T) {
	svc, alice, bob := setupService(t)

	summary, _, err := svc.SendRequest(alice.ID, "bob")
	require.NoError(t, err)
	_, err = svc.Accept(summary.ID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveFriend(alice.ID, bob.ID))

	ab, _ := svc.AreFriends(alice.ID, bob.ID)
	ba, _ := svc.AreFriends(bob.ID, alice.ID)
	assert.False(t, ab)
	assert.False(t, ba)
}

func TestRemoveFriend_NotFriends(t *testing.T) {
	svc, alice, bob := setupService(t)

	err := svc.RemoveFriend(alice.ID, bob.ID)
	assert.ErrorIs(t, err, friends.ErrFriendNotFound)
}

func TestPurgeStale(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := friends.NewService(db, testutil.NewTestLogger(t))
	alice := testutil.CreateUser(t, db, "alice", "pw")
	bob := testutil.CreateUser(t, db, "bob", "pw")
	testutil.CreateUser(t, db, "carol", "pw")

	// An old pending request, aged by writing created_at directly.
	old := &model.FriendRequest{SenderID: alice.ID, RecipientID: bob.ID, Status: model.RequestPending}
	require.NoError(t, db.Create(old).Error)
	require.NoError(t, db.Model(old).Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	// A fresh one that must survive.
	_, _, err := svc.SendRequest(alice.ID, "carol")
	require.NoError(t, err)

	purged, err := svc.PurgeStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	var remaining int64
	require.NoError(t, db.Model(&model.FriendRequest{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}
