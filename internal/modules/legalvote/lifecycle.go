package legalvote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/objectstore"
	"github.com/RoseWrightdev/signaling-core/internal/pdf"
	"github.com/RoseWrightdev/signaling-core/internal/store"
)

// stop performs the Stop transaction and everything after it: final
// results, protocol mirror, Stopped fan-out, and the optional PDF.
func (i *instance) stop(ctx context.Context, mc *module.ModuleContext, voteId VoteId, stopKind string) error {
	endTime := mc.Timestamp().UTC()
	entry := ProtocolEntry{Timestamp: endTime, Kind: entryStop, StopKind: stopKind}
	if stopKind == StopByUser {
		entry.UserInfo = i.identityForTerminal(ctx, mc.Store, voteId)
	}
	if err := i.terminate(ctx, mc.Store, voteId, entry); err != nil {
		return err
	}

	results := i.finalize(ctx, mc, voteId)
	i.publish(mc, exStopped, StoppedEvent{VoteId: voteId, Kind: stopKind, Results: results, EndTime: endTime})

	params, _ := i.readParams(ctx, mc.Store, voteId)
	if params != nil && params.CreatePdf {
		if err := i.renderAndPersistPdf(ctx, mc, voteId, params); err != nil {
			if recoverable, ok := err.(*moderr.Recoverable); ok {
				return recoverable
			}
			logging.Warn(ctx, "legal_vote: pdf generation failed", zap.Error(err))
		}
	}
	return nil
}

// cancel performs the Cancel transaction and its aftermath.
func (i *instance) cancel(ctx context.Context, mc *module.ModuleContext, voteId VoteId, reason string) error {
	endTime := mc.Timestamp().UTC()
	entry := ProtocolEntry{Timestamp: endTime, Kind: entryCancel, Reason: reason}
	if reason == CancelReasonByModerator {
		entry.UserInfo = i.identityForTerminal(ctx, mc.Store, voteId)
	}
	if err := i.terminate(ctx, mc.Store, voteId, entry); err != nil {
		return err
	}

	i.finalize(ctx, mc, voteId)
	i.publish(mc, exCanceled, CanceledEvent{VoteId: voteId, Reason: reason, EndTime: endTime})
	return nil
}

// identityForTerminal respects the vote kind's visibility for the
// issuer of a terminal entry.
func (i *instance) identityForTerminal(ctx context.Context, st store.Store, voteId VoteId) *UserInfo {
	params, err := i.readParams(ctx, st, voteId)
	if err != nil || params == nil {
		return nil
	}
	return i.identity(params.Kind)
}

// terminate is the atomic half of Stop/Cancel: require the vote to be
// current, append the terminal entry, clear the current pointer, and
// add the vote to history.
func (i *instance) terminate(ctx context.Context, st store.Store, voteId VoteId, entry ProtocolEntry) error {
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	curKey := currentKey(i.room)
	protKey := protocolKey(i.room, voteId)
	histKey := historySetKey(i.room)

	res, err := st.Eval(ctx, []string{curKey, protKey, histKey}, func(tx store.Tx) (any, error) {
		cur, err := tx.Get(curKey)
		if err != nil || cur != string(voteId) {
			return false, nil
		}
		tx.ListAppend(protKey, string(rawEntry))
		tx.Del(curKey)
		tx.SetAdd(histKey, string(voteId))
		return true, nil
	})
	if err != nil {
		return moderr.NewFatal(err)
	}
	if !res.(bool) {
		return moderr.New(moderr.KindInvalidVoteId, string(voteId))
	}
	metrics.LegalVotesActive.Dec()
	return nil
}

// finalize recomputes the tally from the protocol, compares it against
// the stored counters, appends the FinalResults entry, and mirrors the
// full protocol to the relational store.
func (i *instance) finalize(ctx context.Context, mc *module.ModuleContext, voteId VoteId) FinalResults {
	params, err := i.readParams(ctx, mc.Store, voteId)
	results := i.computeFinalResults(ctx, mc.Store, voteId, params)
	if err != nil {
		results = FinalResults{Invalid: InvalidProtocolInconsistent}
	}

	i.appendEntry(ctx, mc.Store, voteId, ProtocolEntry{
		Timestamp: mc.Timestamp().UTC(),
		Kind:      entryFinalResults,
		Results:   &results,
	})

	if i.mod.rel != nil {
		raws, err := mc.Store.ListRange(ctx, protocolKey(i.room, voteId))
		if err == nil {
			entries := make([]json.RawMessage, 0, len(raws))
			for _, raw := range raws {
				entries = append(entries, json.RawMessage(raw))
			}
			if err := i.mod.rel.AppendProtocol(ctx, string(voteId), entries); err != nil {
				logging.Warn(ctx, "legal_vote: protocol mirror failed", zap.Error(err))
			}
		}
	}
	return results
}

func (i *instance) computeFinalResults(ctx context.Context, st store.Store, voteId VoteId, params *Parameters) FinalResults {
	raws, err := st.ListRange(ctx, protocolKey(i.room, voteId))
	if err != nil {
		return FinalResults{Invalid: InvalidProtocolInconsistent}
	}

	enableAbstain := params != nil && params.EnableAbstain
	recomputed := Tally{}
	if enableAbstain {
		var zero uint64
		recomputed.Abstain = &zero
	}
	totalVotes := 0
	for _, raw := range raws {
		var entry ProtocolEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return FinalResults{Invalid: InvalidProtocolInconsistent}
		}
		if entry.Kind != entryVote {
			continue
		}
		if entry.Option == OptionAbstain && !enableAbstain {
			return FinalResults{Invalid: InvalidAbstainDisabled}
		}
		bumpTally(&recomputed, entry.Option)
		totalVotes++
	}

	if params != nil && totalVotes > params.MaxVotes {
		return FinalResults{Invalid: InvalidVoteCountInconsistent}
	}

	counts, err := st.HashGetAll(ctx, tallyKey(i.room, voteId))
	if err != nil {
		return FinalResults{Invalid: InvalidProtocolInconsistent}
	}
	stored := decodeTally(counts, enableAbstain)
	if stored.Yes != recomputed.Yes || stored.No != recomputed.No ||
		(enableAbstain && countFor(stored, OptionAbstain) != countFor(recomputed, OptionAbstain)) {
		return FinalResults{Invalid: InvalidVoteCountInconsistent}
	}

	return FinalResults{Valid: &recomputed}
}

// generatePdf re-renders the artifact for a terminal vote.
func (i *instance) generatePdf(ctx context.Context, mc *module.ModuleContext, voteId VoteId) error {
	terminal, err := mc.Store.SetIsMember(ctx, historySetKey(i.room), string(voteId))
	if err != nil {
		return moderr.NewFatal(err)
	}
	if !terminal {
		return moderr.New(moderr.KindInvalidVoteId, "vote is not terminal")
	}
	params, err := i.readParams(ctx, mc.Store, voteId)
	if err != nil || params == nil {
		return moderr.New(moderr.KindInvalidVoteId, string(voteId))
	}
	return i.renderAndPersistPdf(ctx, mc, voteId, params)
}

func (i *instance) renderAndPersistPdf(ctx context.Context, mc *module.ModuleContext, voteId VoteId, params *Parameters) error {
	if i.mod.objects == nil {
		return nil
	}

	raws, err := mc.Store.ListRange(ctx, protocolKey(i.room, voteId))
	if err != nil {
		return moderr.NewFatal(err)
	}
	var loc *time.Location
	if params.Timezone != "" {
		loc, _ = time.LoadLocation(params.Timezone)
	}

	var lines []pdf.ProtocolLine
	var endTime time.Time
	tallyMap := map[string]uint64{}
	for _, raw := range raws {
		var entry ProtocolEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		lines = append(lines, pdf.ProtocolLine{Timestamp: entry.Timestamp, Entry: formatEntry(entry)})
		if entry.Kind == entryStop || entry.Kind == entryCancel {
			endTime = entry.Timestamp
		}
		if entry.Kind == entryFinalResults && entry.Results != nil && entry.Results.Valid != nil {
			tallyMap[string(OptionYes)] = entry.Results.Valid.Yes
			tallyMap[string(OptionNo)] = entry.Results.Valid.No
			if entry.Results.Valid.Abstain != nil {
				tallyMap[string(OptionAbstain)] = *entry.Results.Valid.Abstain
			}
		}
	}

	data, err := pdf.RenderVoteProtocol(pdf.VoteProtocolInput{
		Template:  pdf.LoadTemplate(i.mod.templateDir, i.mod.tenantID),
		VoteName:  params.Name,
		Kind:      string(params.Kind),
		StartTime: params.StartTime,
		EndTime:   endTime,
		Timezone:  loc,
		Lines:     lines,
		Tally:     tallyMap,
	})
	if err != nil {
		return fmt.Errorf("legal_vote: render pdf: %w", err)
	}

	filename := fmt.Sprintf("vote_protocol_%s.pdf", voteId)
	asset, err := i.mod.objects.Put(ctx, i.mod.tenantID, filename, data)
	if err != nil {
		if errors.Is(err, objectstore.ErrStorageExceeded) {
			return moderr.New(moderr.KindStorageExceeded, "")
		}
		return err
	}
	if i.mod.rel != nil {
		if err := i.mod.rel.SaveAsset(ctx, string(asset.Id), string(voteId), filename, "legal_vote_protocol"); err != nil {
			logging.Warn(ctx, "legal_vote: failed to record asset", zap.Error(err))
		}
	}

	i.publish(mc, exPdfAsset, PdfAssetEvent{VoteId: voteId, Filename: filename, AssetId: string(asset.Id)})
	return nil
}

func formatEntry(e ProtocolEntry) string {
	who := "anonymous"
	if e.UserInfo != nil {
		who = string(e.UserInfo.Issuer)
	}
	switch e.Kind {
	case entryStart:
		return fmt.Sprintf("vote started by %s", who)
	case entryVote:
		return fmt.Sprintf("ballot cast: %s by %s", e.Option, who)
	case entryUserJoined:
		return fmt.Sprintf("voter joined: %s", who)
	case entryUserLeft:
		return fmt.Sprintf("voter left: %s", who)
	case entryIssue:
		return fmt.Sprintf("issue reported by %s: %s", who, e.Issue)
	case entryCancel:
		return fmt.Sprintf("vote canceled (%s)", e.Reason)
	case entryStop:
		return fmt.Sprintf("vote stopped (%s)", e.StopKind)
	case entryFinalResults:
		if e.Results != nil && e.Results.Invalid != "" {
			return fmt.Sprintf("final results: invalid (%s)", e.Results.Invalid)
		}
		return "final results: valid"
	default:
		return e.Kind
	}
}

// OnDestroy wipes every legal-vote key under the room for global and
// local cleanup. The keys are scoped by the full signaling room id, so
// local (breakout) cleanup removes only that breakout room's votes.
func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupNone {
		return
	}
	ids := i.history(ctx, dc.Store)
	if cur, err := dc.Store.Get(ctx, currentKey(i.room)); err == nil && cur != "" {
		ids = append(ids, VoteId(cur))
	}
	for _, id := range ids {
		for _, key := range []string{
			paramsKey(i.room, id),
			tokensKey(i.room, id),
			userTokensKey(i.room, id),
			tallyKey(i.room, id),
			protocolKey(i.room, id),
		} {
			_ = dc.Store.Del(ctx, key)
		}
	}
	_ = dc.Store.Del(ctx, currentKey(i.room))
	_ = dc.Store.Del(ctx, historySetKey(i.room))
}
