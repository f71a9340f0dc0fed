// Package clientsync models the client-side view of a conversation:
// optimistic local messages, server-confirmed messages, the friend
// list, pending friend requests and online indicators. It backs the Go client as well as
// the integration suite, which uses it to assert that a client
// following these rules converges on the server state.
package clientsync

import (
	"sync"
	"time"
)

// dedupWindow is how close (strictly) a server timestamp must be to a
// local optimistic timestamp for the two to be considered the same
// message.
const dedupWindow = 5000 * time.Millisecond

// Message is one entry in a conversation view.
type Message struct {
	ID        int64
	SenderID  int64
	Content   string
	Timestamp time.Time
	Pending   bool // optimistic, not yet confirmed by the server
}

// Request is a pending inbound friend request.
type Request struct {
	ID             int64
	SenderID       int64
	SenderUsername string
}

// Friend is one entry in the friend list.
type Friend struct {
	ID       int64
	Username string
}

// FriendStatus is a Friend with its current online indicator attached.
type FriendStatus struct {
	Friend
	Online bool
}

// Engine reconciles server events into a consistent local view. All
// methods are safe for concurrent use.
type Engine struct {
	mu             sync.Mutex
	conversations  map[int64][]Message // friendID → oldest-first thread
	online         map[int64]bool
	friends        []Friend
	requests       []Request
	lastOpenFriend int64
	selfID         int64
}

// NewEngine creates an Engine for the user with the given ID.
func NewEngine(selfID int64) *Engine {
	return &Engine{
		conversations: make(map[int64][]Message),
		online:        make(map[int64]bool),
		selfID:        selfID,
	}
}

// AppendOptimistic records a locally sent message before the server
// confirms it, so the UI shows it immediately.
func (e *Engine) AppendOptimistic(friendID int64, content string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conversations[friendID] = append(e.conversations[friendID], Message{
		SenderID:  e.selfID,
		Content:   content,
		Timestamp: at,
		Pending:   true,
	})
}

// ApplyServerMessage folds a server-delivered message into the thread
// with friendID. When the message is the echo of an optimistic entry
// (same sender, same content, timestamps strictly within the dedup
// window) the optimistic entry is confirmed in place instead of being
// duplicated.
func (e *Engine) ApplyServerMessage(friendID int64, msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	thread := e.conversations[friendID]
	for i := range thread {
		m := &thread[i]
		if !m.Pending || m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		delta := msg.Timestamp.Sub(m.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < dedupWindow {
			m.ID = msg.ID
			m.Timestamp = msg.Timestamp
			m.Pending = false
			return
		}
	}
	e.conversations[friendID] = append(thread, msg)
}

// Reload replaces the thread with friendID wholesale. Used after a
// reconnect, where local state is discarded and refetched rather than
// patched.
func (e *Engine) Reload(friendID int64, msgs []Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	thread := make([]Message, len(msgs))
	copy(thread, msgs)
	e.conversations[friendID] = thread
}

// Conversation returns a copy of the thread with friendID.
func (e *Engine) Conversation(friendID int64) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	thread := e.conversations[friendID]
	out := make([]Message, len(thread))
	copy(out, thread)
	return out
}

// SetOnline flips one user's online indicator.
func (e *Engine) SetOnline(userID int64, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if online {
		e.online[userID] = true
	} else {
		delete(e.online, userID)
	}
}

// ApplyOnlineSnapshot replaces the whole online set, as delivered by
// the server right after connecting.
func (e *Engine) ApplyOnlineSnapshot(userIDs []int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		e.online[id] = true
	}
}

// IsOnline reports the current indicator for userID.
func (e *Engine) IsOnline(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online[userID]
}

// AddFriend prepends a friend unless one with the same ID is already
// listed. Acceptances land at the top of the list; duplicate events
// (an accept push racing a list refetch) leave the list unchanged.
func (e *Engine) AddFriend(f Friend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.friends {
		if existing.ID == f.ID {
			return
		}
	}
	e.friends = append([]Friend{f}, e.friends...)
}

// RemoveFriend drops a friend from the list. The conversation thread
// is kept; history stays readable until the next reload.
func (e *Engine) RemoveFriend(friendID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, f := range e.friends {
		if f.ID == friendID {
			e.friends = append(e.friends[:i], e.friends[i+1:]...)
			return
		}
	}
}

// ReloadFriends replaces the friend list wholesale, in the server's
// order. Used after a reconnect.
func (e *Engine) ReloadFriends(list []Friend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.friends = make([]Friend, len(list))
	copy(e.friends, list)
}

// Friends returns the friend list with online indicators attached.
// Presence transitions change only the Online field; the order is
// whatever AddFriend and ReloadFriends established.
func (e *Engine) Friends() []FriendStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FriendStatus, len(e.friends))
	for i, f := range e.friends {
		out[i] = FriendStatus{Friend: f, Online: e.online[f.ID]}
	}
	return out
}

// AddRequest prepends an inbound friend request unless a request with
// the same ID is already listed.
func (e *Engine) AddRequest(r Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.requests {
		if existing.ID == r.ID {
			return
		}
	}
	e.requests = append([]Request{r}, e.requests...)
}

// ResolveRequest removes a request once it has been accepted or
// rejected.
func (e *Engine) ResolveRequest(requestID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.requests {
		if r.ID == requestID {
			e.requests = append(e.requests[:i], e.requests[i+1:]...)
			return
		}
	}
}

// Requests returns a copy of the pending request list, newest first.
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// OpenConversation records the friend whose thread is on screen, so a
// restarted client can reopen it.
func (e *Engine) OpenConversation(friendID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastOpenFriend = friendID
}

// LastOpenFriend returns the most recently opened friend ID, or 0 when
// no conversation has been opened.
func (e *Engine) LastOpenFriend() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOpenFriend
}
