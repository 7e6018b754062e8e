// Package room implements the Room Aggregate: the join and leave
// transactions every runner executes against the volatile store, and
// the control-plane exchange payloads runners use to tell each other
// about membership changes. Cross-participant invariants (participant
// set consistency, room destruction when the last runner leaves) are
// enforced here, under the room lock or inside atomic store scripts,
// never through shared memory.
package room

import (
	"context"
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// LockTimeout bounds how long a runner waits for the room lock before
// surfacing contention as an error.
const LockTimeout = 5 * time.Second

// Join executes the authoritative join sequence (steps 2-6 of the Join
// protocol): under the room lock, write the participant's attributes,
// read the current participant set, and add the new participant to it.
// It returns the ids that were present before this join.
func Join(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId, attrs types.ParticipantAttrs) ([]types.ParticipantId, error) {
	guard, err := st.Lock(ctx, room.String(), LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Unlock(ctx, guard) }()

	if err := WriteAttrs(ctx, st, room, pid, attrs); err != nil {
		return nil, err
	}

	existing, err := st.SetMembers(ctx, ParticipantsKey(room))
	if err != nil {
		return nil, err
	}
	if err := st.SetAdd(ctx, ParticipantsKey(room), string(pid)); err != nil {
		return nil, err
	}
	if err := st.SetAdd(ctx, AllParticipantsKey(room), string(pid)); err != nil {
		return nil, err
	}

	out := make([]types.ParticipantId, 0, len(existing))
	for _, id := range existing {
		out = append(out, types.ParticipantId(id))
	}
	return out, nil
}

// Leave executes the leave transaction atomically: remove the
// participant from the set and report whether it became empty, in
// which case the caller owns running every module's cleanup and
// then DeleteCoreKeys.
func Leave(ctx context.Context, st store.Store, room types.SignalingRoomId, pid types.ParticipantId) (destroyed bool, err error) {
	key := ParticipantsKey(room)
	res, err := st.Eval(ctx, []string{key}, func(tx store.Tx) (any, error) {
		tx.SetRemove(key, string(pid))
		remaining := 0
		for _, m := range tx.SetMembers(key) {
			if m != string(pid) {
				remaining++
			}
		}
		return remaining == 0, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Participants returns the current participant id set.
func Participants(ctx context.Context, st store.Store, room types.SignalingRoomId) ([]types.ParticipantId, error) {
	members, err := st.SetMembers(ctx, ParticipantsKey(room))
	if err != nil {
		return nil, err
	}
	out := make([]types.ParticipantId, 0, len(members))
	for _, m := range members {
		out = append(out, types.ParticipantId(m))
	}
	return out, nil
}

// SetOwner records the room creator's user id under owner:{room}.
// Every ticket minted for the room carries the same creator, so
// repeated writes are idempotent.
func SetOwner(ctx context.Context, st store.Store, room types.SignalingRoomId, uid types.UserId) error {
	return st.Set(ctx, OwnerKey(room), string(uid), 0)
}

// Owner returns the room-owner user id, or "" when no ticket has
// recorded one yet.
func Owner(ctx context.Context, st store.Store, room types.SignalingRoomId) (types.UserId, error) {
	v, err := st.Get(ctx, OwnerKey(room))
	if err == store.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.UserId(v), nil
}

// DeleteCoreKeys wipes the room aggregate's own keys after the last
// participant has left and every module has run its cleanup.
func DeleteCoreKeys(ctx context.Context, st store.Store, room types.SignalingRoomId) error {
	all, err := st.SetMembers(ctx, AllParticipantsKey(room))
	if err != nil {
		return err
	}
	for _, pid := range all {
		if err := st.Del(ctx, AttrsKey(room, types.ParticipantId(pid))); err != nil {
			return err
		}
	}
	if err := st.Del(ctx, AllParticipantsKey(room)); err != nil {
		return err
	}
	if err := st.Del(ctx, PresentersKey(room)); err != nil {
		return err
	}
	if err := st.Del(ctx, OwnerKey(room)); err != nil {
		return err
	}
	return st.Del(ctx, ParticipantsKey(room))
}
