// Package voicemanager tracks the active voice session per guild. A guild
// has at most one voice connection at a time; the manager is the single
// place that invariant is enforced.
package voicemanager

import (
	"sync"

	"github.com/hendrywilliam/nereid/src/voice"
)

type GuildID = string

type VoiceManager struct {
	mu             sync.Mutex
	activeSessions map[GuildID]*voice.Session
}

func NewVoiceManager() *VoiceManager {
	return &VoiceManager{
		activeSessions: make(map[GuildID]*voice.Session),
	}
}

// Add registers a session for a guild. An existing session for the same
// guild keeps precedence; the caller must Remove it first.
func (vm *VoiceManager) Add(guildID GuildID, session *voice.Session) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.activeSessions[guildID]; ok {
		return false
	}
	vm.activeSessions[guildID] = session
	return true
}

func (vm *VoiceManager) Get(guildID GuildID) *voice.Session {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.activeSessions[guildID]
}

// Remove unregisters and returns the guild's session, if any. The caller
// owns the returned session's shutdown.
func (vm *VoiceManager) Remove(guildID GuildID) *voice.Session {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	session := vm.activeSessions[guildID]
	delete(vm.activeSessions, guildID)
	return session
}

// CloseAll tears down every active session, used when the main gateway
// session ends for good.
func (vm *VoiceManager) CloseAll() {
	vm.mu.Lock()
	sessions := make([]*voice.Session, 0, len(vm.activeSessions))
	for _, s := range vm.activeSessions {
		sessions = append(sessions, s)
	}
	vm.activeSessions = make(map[GuildID]*voice.Session)
	vm.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (vm *VoiceManager) Len() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.activeSessions)
}
