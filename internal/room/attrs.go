package room

import (
	"context"
	"strconv"
	"time"

	"k8s.io/utils/ptr"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Attribute field names inside attrs:{room}:{participant}. One hash
// field per attribute so moderators can update a single field (role)
// without rewriting the owning runner's whole record.
const (
	attrKind          = "kind"
	attrDisplayName   = "display_name"
	attrAvatarURL     = "avatar_url"
	attrRole          = "role"
	attrJoinedAt      = "joined_at"
	attrHandIsUp      = "hand_is_up"
	attrHandUpdatedAt = "hand_updated_at"
	attrIsPresent     = "is_present"
	attrIsRoomOwner   = "is_room_owner"
	attrLeftAt        = "left_at"
	attrUserID        = "user_id"
)

// WriteAttrs writes the full attribute record for a participant.
func WriteAttrs(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId, a types.ParticipantAttrs) error {
	key := AttrsKey(room, pid)
	fields := encodeAttrs(a)
	for field, value := range fields {
		if err := st.HashSet(ctx, key, field, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadAttrs reads a participant's attribute record. Returns
// store.ErrNotFound when the participant has no record.
func ReadAttrs(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId) (types.ParticipantAttrs, error) {
	fields, err := st.HashGetAll(ctx, AttrsKey(room, pid))
	if err != nil {
		return types.ParticipantAttrs{}, err
	}
	if len(fields) == 0 {
		return types.ParticipantAttrs{}, store.ErrNotFound
	}
	return decodeAttrs(fields), nil
}

// SetRole updates only the role attribute, the one field a moderator
// may write on another runner's record.
func SetRole(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId, role types.Role) error {
	return st.HashSet(ctx, AttrsKey(room, pid), attrRole, string(role))
}

// SetHand updates the hand-raise pair.
func SetHand(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId, up bool, at time.Time) error {
	key := AttrsKey(room, pid)
	if err := st.HashSet(ctx, key, attrHandIsUp, strconv.FormatBool(up)); err != nil {
		return err
	}
	return st.HashSet(ctx, key, attrHandUpdatedAt, at.UTC().Format(time.RFC3339Nano))
}

// SetLeftAt stamps the participant's departure.
func SetLeftAt(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId, at time.Time) error {
	key := AttrsKey(room, pid)
	if err := st.HashSet(ctx, key, attrLeftAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return st.HashSet(ctx, key, attrIsPresent, "false")
}

func encodeAttrs(a types.ParticipantAttrs) map[string]string {
	fields := map[string]string{
		attrKind:          string(a.Kind),
		attrDisplayName:   a.DisplayName,
		attrRole:          string(a.Role),
		attrJoinedAt:      a.JoinedAt.UTC().Format(time.RFC3339Nano),
		attrHandIsUp:      strconv.FormatBool(a.HandIsUp),
		attrHandUpdatedAt: a.HandUpdatedAt.UTC().Format(time.RFC3339Nano),
		attrIsPresent:     strconv.FormatBool(a.IsPresent),
		attrIsRoomOwner:   strconv.FormatBool(a.IsRoomOwner),
	}
	if a.AvatarURL != "" {
		fields[attrAvatarURL] = a.AvatarURL
	}
	if a.UserId != nil {
		fields[attrUserID] = string(*a.UserId)
	}
	if a.LeftAt != nil {
		fields[attrLeftAt] = a.LeftAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeAttrs(fields map[string]string) types.ParticipantAttrs {
	a := types.ParticipantAttrs{
		Kind:        types.ParticipationKind(fields[attrKind]),
		DisplayName: fields[attrDisplayName],
		AvatarURL:   fields[attrAvatarURL],
		Role:        types.Role(fields[attrRole]),
	}
	a.JoinedAt, _ = time.Parse(time.RFC3339Nano, fields[attrJoinedAt])
	a.HandUpdatedAt, _ = time.Parse(time.RFC3339Nano, fields[attrHandUpdatedAt])
	a.HandIsUp = fields[attrHandIsUp] == "true"
	a.IsPresent = fields[attrIsPresent] == "true"
	a.IsRoomOwner = fields[attrIsRoomOwner] == "true"
	if v, ok := fields[attrUserID]; ok && v != "" {
		a.UserId = ptr.To(types.UserId(v))
	}
	if v, ok := fields[attrLeftAt]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			a.LeftAt = ptr.To(t)
		}
	}
	return a
}
