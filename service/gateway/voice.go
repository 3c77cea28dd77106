package gateway

import (
	"sort"
	"sync"
	"time"

	"PPGateway/tools/errs"
)

// VoiceParticipant is one user's state inside a voice room.
type VoiceParticipant struct {
	UserID   string `json:"userId"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
	Speaking bool   `json:"speaking"`
	JoinedAt int64  `json:"joinedAt"`
}

type voiceRoom struct {
	participants map[string]*VoiceParticipant
}

// VoiceManager tracks voice rooms: per-channel participant sets with
// mute/deafen/speaking flags. Rooms are created on first join and destroyed
// at zero participants. Signaling payloads never pass through here; only
// membership questions do.
type VoiceManager struct {
	mu    sync.Mutex
	rooms map[string]*voiceRoom
	max   int
	clock func() time.Time
}

func NewVoiceManager(max int, clock func() time.Time) *VoiceManager {
	if max <= 0 {
		max = 50
	}
	if clock == nil {
		clock = time.Now
	}
	return &VoiceManager{
		rooms: make(map[string]*voiceRoom),
		max:   max,
		clock: clock,
	}
}

// Join admits the user if the room is under capacity and returns the roster
// including them. already reports an idempotent re-join (no broadcast due).
func (v *VoiceManager) Join(userID, channelID string) (roster []VoiceParticipant, already bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		r = &voiceRoom{participants: make(map[string]*VoiceParticipant)}
		v.rooms[channelID] = r
	}
	if _, ok := r.participants[userID]; ok {
		return v.rosterLocked(r), true, nil
	}
	if len(r.participants) >= v.max {
		if len(r.participants) == 0 {
			delete(v.rooms, channelID)
		}
		return nil, false, errs.ErrVoiceRoomFull
	}
	r.participants[userID] = &VoiceParticipant{
		UserID:   userID,
		JoinedAt: v.clock().UnixMilli(),
	}
	return v.rosterLocked(r), false, nil
}

// Leave removes the user, destroying the room when it empties. Reports
// whether they were a participant.
func (v *VoiceManager) Leave(userID, channelID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		return false
	}
	if _, ok := r.participants[userID]; !ok {
		return false
	}
	delete(r.participants, userID)
	if len(r.participants) == 0 {
		delete(v.rooms, channelID)
	}
	return true
}

// Participants returns a roster snapshot, join order.
func (v *VoiceManager) Participants(channelID string) []VoiceParticipant {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		return nil
	}
	return v.rosterLocked(r)
}

func (v *VoiceManager) ParticipantUserIDs(channelID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.participants))
	for userID := range r.participants {
		out = append(out, userID)
	}
	return out
}

// BothParticipants is the relay guard: sender and recipient must share the
// voice room right now.
func (v *VoiceManager) BothParticipants(channelID, a, b string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		return false
	}
	_, okA := r.participants[a]
	_, okB := r.participants[b]
	return okA && okB
}

func (v *VoiceManager) SetMuted(userID, channelID string, muted bool) bool {
	return v.setFlag(userID, channelID, func(p *VoiceParticipant) { p.Muted = muted })
}

func (v *VoiceManager) SetDeafened(userID, channelID string, deafened bool) bool {
	return v.setFlag(userID, channelID, func(p *VoiceParticipant) { p.Deafened = deafened })
}

func (v *VoiceManager) SetSpeaking(userID, channelID string, speaking bool) bool {
	return v.setFlag(userID, channelID, func(p *VoiceParticipant) { p.Speaking = speaking })
}

func (v *VoiceManager) setFlag(userID, channelID string, apply func(*VoiceParticipant)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rooms[channelID]
	if r == nil {
		return false
	}
	p := r.participants[userID]
	if p == nil {
		return false
	}
	apply(p)
	return true
}

// DropUser removes the user from every voice room they occupy, returning the
// channels left. Teardown path, once their last session is gone.
func (v *VoiceManager) DropUser(userID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for channelID, r := range v.rooms {
		if _, ok := r.participants[userID]; !ok {
			continue
		}
		delete(r.participants, userID)
		if len(r.participants) == 0 {
			delete(v.rooms, channelID)
		}
		out = append(out, channelID)
	}
	return out
}

func (v *VoiceManager) RoomCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.rooms)
}

func (v *VoiceManager) rosterLocked(r *voiceRoom) []VoiceParticipant {
	out := make([]VoiceParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt == out[j].JoinedAt {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt < out[j].JoinedAt
	})
	return out
}
