// Package legalvote implements the legal-vote signaling module: a
// cryptographic-style ballot discipline with one-shot tokens, an atomic
// tally/protocol transaction, terminal validity checking, a durable
// protocol mirror, and PDF artifact production.
package legalvote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/objectstore"
	"github.com/RoseWrightdev/signaling-core/internal/relstore"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the legal-vote module's wire and key namespace.
const Namespace types.ModuleId = "legal_vote"

func currentKey(r types.SignalingRoomId) string { return "legal_vote:current:" + r.String() }
func historySetKey(r types.SignalingRoomId) string { return "legal_vote:history:" + r.String() }

func paramsKey(r types.SignalingRoomId, id VoteId) string {
	return "legal_vote:params:" + r.String() + ":" + string(id)
}

func tokensKey(r types.SignalingRoomId, id VoteId) string {
	return "legal_vote:tokens:" + r.String() + ":" + string(id)
}

// userTokensKey maps allowed user id -> issued token. Internal only:
// results never expose it; it exists so each runner can hand its own
// participant their token.
func userTokensKey(r types.SignalingRoomId, id VoteId) string {
	return "legal_vote:usertokens:" + r.String() + ":" + string(id)
}

func tallyKey(r types.SignalingRoomId, id VoteId) string {
	return "legal_vote:tally:" + r.String() + ":" + string(id)
}

func protocolKey(r types.SignalingRoomId, id VoteId) string {
	return "legal_vote:protocol:" + r.String() + ":" + string(id)
}

// Timer ext-event kind.
const extVoteExpired = "vote_expired"

// Module is the process-wide legal-vote module. The relational store,
// object store, and template dir are collaborator handles; a nil
// relational or object store disables mirroring / PDF production.
type Module struct {
	rel         *relstore.Store
	objects     *objectstore.Store
	templateDir string
	tenantID    string
}

func New(rel *relstore.Store, objects *objectstore.Store, templateDir, tenantID string) *Module {
	return &Module{rel: rel, objects: objects, templateDir: templateDir, tenantID: tenantID}
}

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	return &instance{
		mod:     m,
		room:    ic.Room,
		self:    ic.Participant,
		userId:  ic.Attrs.UserId,
		timerCh: make(chan module.ExtEvent, 2),
	}, nil
}

type instance struct {
	mod    *Module
	room   types.SignalingRoomId
	self   types.ParticipantId
	userId *types.UserId

	timerCh    chan module.ExtEvent
	registered bool
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.Joined != nil:
		if !i.registered {
			mc.AddEventStream(i.timerCh)
			i.registered = true
		}
		return i.handleJoined(ctx, mc, event.Joined)
	case event.Leaving != nil:
		return i.handleLeaving(ctx, mc)
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(ctx, mc, event.Exchange)
	case event.Ext != nil:
		return i.handleTimer(ctx, mc, event.Ext)
	}
	return nil
}

func (i *instance) handleJoined(ctx context.Context, mc *module.ModuleContext, ev *module.JoinedEvent) error {
	fd := FrontendData{}

	for _, id := range i.history(ctx, mc.Store) {
		fd.History = append(fd.History, id)
	}

	current, params, err := i.currentVote(ctx, mc.Store)
	if err != nil {
		return err
	}
	if current != "" && params != nil {
		started := StartedEvent{VoteId: current, Parameters: *params}
		started.Token = i.ownToken(ctx, mc.Store, current)
		fd.Current = &started

		if i.userId != nil {
			if token, err := mc.Store.HashGet(ctx, userTokensKey(i.room, current), string(*i.userId)); err == nil && token != "" {
				i.appendEntry(ctx, mc.Store, current, ProtocolEntry{
					Timestamp: mc.Timestamp().UTC(),
					Kind:      entryUserJoined,
					UserInfo:  i.identity(params.Kind),
				})
			}
		}
	}

	ev.FrontendData = fd
	return nil
}

func (i *instance) handleLeaving(ctx context.Context, mc *module.ModuleContext) error {
	current, params, err := i.currentVote(ctx, mc.Store)
	if err != nil || current == "" || params == nil {
		return nil
	}

	if params.InitiatorId == i.self {
		return i.cancel(ctx, mc, current, CancelReasonInitiatorLeft)
	}

	if i.userId != nil {
		if token, err := mc.Store.HashGet(ctx, userTokensKey(i.room, current), string(*i.userId)); err == nil && token != "" {
			i.appendEntry(ctx, mc.Store, current, ProtocolEntry{
				Timestamp: mc.Timestamp().UTC(),
				Kind:      entryUserLeft,
				UserInfo:  i.identity(params.Kind),
			})
		}
	}
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	switch cmd.Kind {
	case cmdStart:
		var c StartCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "start")
		}
		return i.start(ctx, mc, c)
	case cmdStop:
		var c StopCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "stop")
		}
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "stop requires moderator")
		}
		return i.stop(ctx, mc, c.VoteId, StopByUser)
	case cmdCancel:
		var c CancelCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "cancel")
		}
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "cancel requires moderator")
		}
		return i.cancel(ctx, mc, c.VoteId, CancelReasonByModerator)
	case cmdVote:
		var c VoteCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "vote")
		}
		return i.vote(ctx, mc, c)
	case cmdGeneratePdf:
		var c GeneratePdfCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "generate_pdf")
		}
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "generate_pdf requires moderator")
		}
		return i.generatePdf(ctx, mc, c.VoteId)
	case cmdReportIssue:
		var c ReportIssueCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "report_issue")
		}
		return i.reportIssue(ctx, mc, c)
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown legal_vote command "+cmd.Kind)
	}
}

func (i *instance) start(ctx context.Context, mc *module.ModuleContext, c StartCmd) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "start requires moderator")
	}
	switch c.Kind {
	case KindRollCall, KindLiveRollCall, KindPseudonymous:
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown vote kind")
	}
	if len(c.AllowedParticipants) == 0 {
		return moderr.New(moderr.KindMalformedMessage, "allowed_participants is empty")
	}

	// Eligibility build: every allowed participant must resolve to a
	// registered user; one token per distinct user.
	userByParticipant := make(map[types.ParticipantId]types.UserId, len(c.AllowedParticipants))
	var guests []types.ParticipantId
	seen := make(map[types.UserId]struct{})
	var distinctUsers []types.UserId
	for _, pid := range c.AllowedParticipants {
		attrs, err := room.ReadAttrs(ctx, mc.Store, i.room, pid)
		if err != nil || !attrs.IsUser() {
			guests = append(guests, pid)
			continue
		}
		userByParticipant[pid] = *attrs.UserId
		if _, dup := seen[*attrs.UserId]; !dup {
			seen[*attrs.UserId] = struct{}{}
			distinctUsers = append(distinctUsers, *attrs.UserId)
		}
	}
	if len(guests) > 0 {
		return moderr.New(moderr.KindAllowlistContainsGuests, "").WithData(map[string]any{"guests": guests})
	}

	guard, err := mc.Store.Lock(ctx, i.room.String(), room.LockTimeout)
	if err != nil {
		return moderr.NewFatal(err)
	}
	defer func() { _ = mc.Store.Unlock(ctx, guard) }()

	if existing, err := mc.Store.Get(ctx, currentKey(i.room)); err == nil && existing != "" {
		return moderr.New(moderr.KindSessionAlreadyRunning, "a vote is already running")
	}

	voteId := VoteId(uuid.NewString())
	params := Parameters{
		Kind:          c.Kind,
		Name:          c.Name,
		Subtitle:      c.Subtitle,
		Topic:         c.Topic,
		EnableAbstain: c.EnableAbstain,
		AutoClose:     c.AutoClose,
		DurationSecs:  c.DurationSecs,
		CreatePdf:     c.CreatePdf,
		Timezone:      c.Timezone,
		InitiatorId:   i.self,
		StartTime:     mc.Timestamp().UTC(),
		MaxVotes:      len(distinctUsers),
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := mc.Store.Set(ctx, paramsKey(i.room, voteId), string(rawParams), 0); err != nil {
		return moderr.NewFatal(err)
	}

	for _, uid := range distinctUsers {
		token, err := newToken()
		if err != nil {
			return moderr.NewFatal(err)
		}
		if err := mc.Store.SetAdd(ctx, tokensKey(i.room, voteId), token); err != nil {
			return moderr.NewFatal(err)
		}
		if err := mc.Store.HashSet(ctx, userTokensKey(i.room, voteId), string(uid), token); err != nil {
			return moderr.NewFatal(err)
		}
	}

	if err := mc.Store.Set(ctx, currentKey(i.room), string(voteId), 0); err != nil {
		return moderr.NewFatal(err)
	}

	i.appendEntry(ctx, mc.Store, voteId, ProtocolEntry{
		Timestamp:  params.StartTime,
		Kind:       entryStart,
		Parameters: &params,
		UserInfo:   i.identity(params.Kind),
	})

	if i.mod.rel != nil {
		owner, _ := room.Owner(ctx, mc.Store, i.room)
		initiator := ""
		if i.userId != nil {
			initiator = string(*i.userId)
		}
		if err := i.mod.rel.CreateVote(ctx, string(voteId), i.room.String(), i.mod.tenantID, initiator); err != nil {
			logging.Warn(ctx, "legal_vote: failed to create durable vote record", zap.Error(err))
		} else {
			grantees := []string{}
			if owner != "" {
				grantees = append(grantees, string(owner))
			}
			if initiator != "" && initiator != string(owner) {
				grantees = append(grantees, initiator)
			}
			perms := []relstore.Permission{relstore.PermGet, relstore.PermPut, relstore.PermDelete}
			if err := i.mod.rel.Grant(ctx, string(voteId), grantees, perms); err != nil {
				logging.Warn(ctx, "legal_vote: failed to grant vote resource access", zap.Error(err))
			}
		}
	}

	if params.DurationSecs > 0 {
		id := voteId
		time.AfterFunc(time.Duration(params.DurationSecs)*time.Second, func() {
			select {
			case i.timerCh <- module.ExtEvent{Kind: extVoteExpired, Payload: string(id)}:
			default:
			}
		})
	}

	metrics.LegalVotesActive.Inc()
	i.publish(mc, exStarted, StartedEvent{VoteId: voteId, Parameters: params})
	return nil
}

// ballotResult is what the atomic ballot transaction returns.
type ballotResult struct {
	outcome string // "ok" | "auto_close" | an error kind
	tally   Tally
}

// vote executes the ballot transaction as a single atomic step against
// the store: check the current vote, consume the token, bump the tally,
// and append the protocol entry, all or nothing.
func (i *instance) vote(ctx context.Context, mc *module.ModuleContext, c VoteCmd) error {
	_, params, err := i.currentVote(ctx, mc.Store)
	if err != nil {
		return err
	}
	if params != nil && c.Option == OptionAbstain && !params.EnableAbstain {
		return moderr.New(moderr.KindInvalidOption, "abstain is disabled")
	}
	switch c.Option {
	case OptionYes, OptionNo, OptionAbstain:
	default:
		return moderr.New(moderr.KindInvalidOption, string(c.Option))
	}

	curKey := currentKey(i.room)
	tokKey := tokensKey(i.room, c.VoteId)
	talKey := tallyKey(i.room, c.VoteId)
	protKey := protocolKey(i.room, c.VoteId)

	entry := ProtocolEntry{
		Timestamp: mc.Timestamp().UTC(),
		Kind:      entryVote,
		Option:    c.Option,
		Token:     c.Token,
	}
	if params != nil {
		entry.UserInfo = i.identity(params.Kind)
	}
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	enableAbstain := params != nil && params.EnableAbstain

	res, err := mc.Store.Eval(ctx, []string{curKey, tokKey, talKey, protKey}, func(tx store.Tx) (any, error) {
		cur, err := tx.Get(curKey)
		if err != nil || cur != string(c.VoteId) {
			return ballotResult{outcome: "invalid_vote_id"}, nil
		}

		members := tx.SetMembers(tokKey)
		found := false
		for _, m := range members {
			if m == c.Token {
				found = true
				break
			}
		}
		if !found {
			return ballotResult{outcome: "ineligible"}, nil
		}
		tx.SetRemove(tokKey, c.Token)

		if c.Option == OptionAbstain && !enableAbstain {
			return ballotResult{outcome: "invalid_option"}, nil
		}

		counts := tx.HashGetAll(talKey)
		tally := decodeTally(counts, enableAbstain)
		bumpTally(&tally, c.Option)
		tx.HashSet(talKey, string(c.Option), fmt.Sprint(countFor(tally, c.Option)))

		tx.ListAppend(protKey, string(rawEntry))

		outcome := "ok"
		if len(members)-1 == 0 {
			outcome = "auto_close"
		}
		return ballotResult{outcome: outcome, tally: tally}, nil
	})
	if err != nil {
		return moderr.NewFatal(err)
	}

	result := res.(ballotResult)
	switch result.outcome {
	case "invalid_vote_id":
		return moderr.New(moderr.KindInvalidVoteId, string(c.VoteId))
	case "ineligible":
		return moderr.New(moderr.KindIneligible, "")
	case "invalid_option":
		return moderr.New(moderr.KindInvalidOption, "abstain is disabled")
	}

	mc.WsSend(Namespace, outgoing(evtVoted, VotedEvent{VoteId: c.VoteId, Option: c.Option}))
	i.publish(mc, exBallotCast, UpdatedEvent{VoteId: c.VoteId, Tally: result.tally})

	if result.outcome == "auto_close" && params != nil && params.AutoClose {
		return i.stop(ctx, mc, c.VoteId, StopAuto)
	}
	return nil
}

func (i *instance) reportIssue(ctx context.Context, mc *module.ModuleContext, c ReportIssueCmd) error {
	current, params, err := i.currentVote(ctx, mc.Store)
	if err != nil {
		return err
	}
	if current == "" || current != c.VoteId {
		return moderr.New(moderr.KindInvalidVoteId, string(c.VoteId))
	}
	entry := ProtocolEntry{Timestamp: mc.Timestamp().UTC(), Kind: entryIssue, Issue: c.Description}
	if params != nil {
		entry.UserInfo = i.identity(params.Kind)
	}
	i.appendEntry(ctx, mc.Store, current, entry)
	return nil
}

func (i *instance) handleExchange(ctx context.Context, mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	switch msg.Kind {
	case exStarted:
		var ev StartedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		// The token is resolved per recipient, never carried on the bus.
		ev.Token = i.ownToken(ctx, mc.Store, ev.VoteId)
		mc.WsSend(Namespace, outgoing(evtStarted, ev))
	case exBallotCast:
		var ev UpdatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		_, params, err := i.currentVote(ctx, mc.Store)
		if err == nil && params != nil && params.Kind == KindLiveRollCall {
			mc.WsSend(Namespace, outgoing(evtUpdated, ev))
		}
	case exStopped:
		var ev StoppedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtStopped, ev))
	case exCanceled:
		var ev CanceledEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtCanceled, ev))
	case exPdfAsset:
		var ev PdfAssetEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtPdfAsset, ev))
	}
	return nil
}

func (i *instance) handleTimer(ctx context.Context, mc *module.ModuleContext, ev *module.ExtEvent) error {
	if ev.Kind != extVoteExpired {
		return nil
	}
	voteId, _ := ev.Payload.(string)
	current, err := mc.Store.Get(ctx, currentKey(i.room))
	if err != nil || current != voteId {
		return nil // already terminal
	}
	return i.stop(ctx, mc, VoteId(voteId), StopExpired)
}

// identity returns the voter identity for protocol entries, or nil for
// pseudonymous votes.
func (i *instance) identity(kind Kind) *UserInfo {
	if kind == KindPseudonymous || i.userId == nil {
		return nil
	}
	return &UserInfo{Issuer: *i.userId, ParticipantId: i.self}
}

func (i *instance) ownToken(ctx context.Context, st store.Store, voteId VoteId) string {
	if i.userId == nil {
		return ""
	}
	token, err := st.HashGet(ctx, userTokensKey(i.room, voteId), string(*i.userId))
	if err != nil {
		return ""
	}
	return token
}

func (i *instance) currentVote(ctx context.Context, st store.Store) (VoteId, *Parameters, error) {
	raw, err := st.Get(ctx, currentKey(i.room))
	if err == store.ErrNotFound {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, moderr.NewFatal(err)
	}
	voteId := VoteId(raw)
	params, err := i.readParams(ctx, st, voteId)
	if err != nil {
		return voteId, nil, err
	}
	return voteId, params, nil
}

func (i *instance) readParams(ctx context.Context, st store.Store, voteId VoteId) (*Parameters, error) {
	raw, err := st.Get(ctx, paramsKey(i.room, voteId))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, moderr.NewFatal(err)
	}
	var params Parameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func (i *instance) history(ctx context.Context, st store.Store) []VoteId {
	members, err := st.SetMembers(ctx, historySetKey(i.room))
	if err != nil {
		return nil
	}
	out := make([]VoteId, 0, len(members))
	for _, m := range members {
		out = append(out, VoteId(m))
	}
	return out
}

func (i *instance) appendEntry(ctx context.Context, st store.Store, voteId VoteId, entry ProtocolEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := st.ListAppend(ctx, protocolKey(i.room, voteId), string(raw)); err != nil {
		logging.Warn(ctx, "legal_vote: failed to append protocol entry", zap.Error(err))
	}
}

func (i *instance) publish(mc *module.ModuleContext, kind string, payload any) {
	msg, err := module.NewExchangeMessage(Namespace, kind, payload)
	if err != nil {
		return
	}
	mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func decodeTally(counts map[string]string, enableAbstain bool) Tally {
	var t Tally
	fmt.Sscan(counts[string(OptionYes)], &t.Yes)
	fmt.Sscan(counts[string(OptionNo)], &t.No)
	if enableAbstain {
		var abstain uint64
		fmt.Sscan(counts[string(OptionAbstain)], &abstain)
		t.Abstain = &abstain
	}
	return t
}

func bumpTally(t *Tally, option Option) {
	switch option {
	case OptionYes:
		t.Yes++
	case OptionNo:
		t.No++
	case OptionAbstain:
		if t.Abstain == nil {
			var zero uint64
			t.Abstain = &zero
		}
		*t.Abstain++
	}
}

func countFor(t Tally, option Option) uint64 {
	switch option {
	case OptionYes:
		return t.Yes
	case OptionNo:
		return t.No
	default:
		if t.Abstain == nil {
			return 0
		}
		return *t.Abstain
	}
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
