package engicom

import "sync"

// ViewState records what the user is looking at. The router and the
// notification dispatcher read it to decide unread marking and alert
// suppression; the UI writes it on navigation.
type ViewState struct {
	mu           sync.RWMutex
	conversation string
	post         string
}

// OpenConversation marks conversationID as the open chat.
func (v *ViewState) OpenConversation(conversationID string) {
	v.mu.Lock()
	v.conversation = conversationID
	v.mu.Unlock()
}

// CloseConversation clears the open chat if it is still conversationID.
func (v *ViewState) CloseConversation(conversationID string) {
	v.mu.Lock()
	if v.conversation == conversationID {
		v.conversation = ""
	}
	v.mu.Unlock()
}

// ActiveConversation returns the open chat id, or "".
func (v *ViewState) ActiveConversation() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.conversation
}

// OpenPost marks postID as the post on screen.
func (v *ViewState) OpenPost(postID string) {
	v.mu.Lock()
	v.post = postID
	v.mu.Unlock()
}

// ClosePost clears the open post if it is still postID.
func (v *ViewState) ClosePost(postID string) {
	v.mu.Lock()
	if v.post == postID {
		v.post = ""
	}
	v.mu.Unlock()
}

// ActivePost returns the open post id, or "".
func (v *ViewState) ActivePost() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.post
}

// Reset clears the view, e.g. on logout.
func (v *ViewState) Reset() {
	v.mu.Lock()
	v.conversation, v.post = "", ""
	v.mu.Unlock()
}
