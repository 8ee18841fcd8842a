// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/SparrowTek/nostr-relay/model"
	"github.com/SparrowTek/nostr-relay/policy"
	"github.com/SparrowTek/nostr-relay/ratelimit"
	"github.com/SparrowTek/nostr-relay/spam"
)

type (
	// Writer is the outbound half of a connection. Implementations must be
	// safe for concurrent use; the session and the fan-out engine both
	// write through it.
	Writer interface {
		WriteMessage(data []byte) error
	}

	session struct {
		h              *Handler
		writer         Writer
		now            func() time.Time
		connID         string
		source         string
		throttledUntil time.Time
		disconnect     bool
	}
)

// errTerminate tells the read loop to tear the connection down.
var errTerminate = errors.New("connection terminated by policy")

func (h *Handler) newSession(connID, source string, writer Writer) *session {
	return &session{
		h:      h,
		writer: writer,
		now:    time.Now,
		connID: connID,
		source: source,
	}
}

// Handle processes one inbound text frame. A returned error means the
// connection must close; everything else is answered in-band.
func (s *session) Handle(ctx context.Context, msg []byte) error {
	if s.terminated() {
		return errTerminate
	}
	if until := s.throttledUntil; s.now().Before(until) {
		return s.writeNotice("rate-limited: connection is throttled, retry later")
	}

	input, err := model.ParseMessage(msg)
	if err != nil {
		s.reportViolation("malformed frame", policy.SeverityLow)

		return s.writeNotice("error: " + err.Error())
	}

	switch e := input.(type) {
	case *nostr.EventEnvelope:
		return s.handleEvent(ctx, msg)
	case *nostr.ReqEnvelope:
		return s.handleReq(ctx, e)
	case *nostr.CloseEnvelope:
		s.h.subs.RemoveSubscription(s.connID, string(*e))

		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: string(*e)})
	case *nostr.AuthEnvelope:
		return s.handleAuth(msg)
	case *nostr.CountEnvelope:
		return s.handleCount(ctx, e)
	default:
		s.reportViolation("unknown frame", policy.SeverityLow)

		return s.writeNotice("error: unknown message type " + input.Label())
	}
}

//nolint:funlen // The admission pipeline reads best in one place, in order.
func (s *session) handleEvent(ctx context.Context, msg []byte) error {
	raw, ok := model.RawEventPayload(msg)
	if !ok {
		return s.writeNotice("error: EVENT frame carries no event object")
	}
	eventID := gjson.GetBytes(raw, "id").Str

	event, err := model.ValidateEventBytes(raw, model.Timestamp(s.now().Unix()), s.h.limits())
	if err != nil {
		if eventID == "" {
			return s.writeNotice("invalid: " + err.Error())
		}
		s.reportViolation("invalid event", policy.SeverityLow)

		return s.writeOK(eventID, false, "invalid: "+err.Error())
	}

	if len(s.h.cfg.AllowedPubkeys) > 0 && !slices.Contains(s.h.cfg.AllowedPubkeys, event.PubKey) {
		return s.writeOK(event.ID, false, "blocked: pubkey is not allowed to publish here")
	}
	if s.h.cfg.AuthRequired && !s.h.auth.IsAuthenticated(s.connID) {
		if wErr := s.writeOK(event.ID, false, "blocked: auth required"); wErr != nil {
			return wErr
		}

		return s.sendAuthChallenge()
	}

	res := s.h.limiter.AllowEvent(s.source, event.PubKey, len(raw))
	switch res.Status {
	case ratelimit.StatusLimited:
		return s.writeNotice("rate-limited: " + res.Reason)
	case ratelimit.StatusBlocked:
		s.reportViolation("blocked source", policy.SeverityMedium)

		return s.writeOK(event.ID, false, "blocked: "+res.Reason)
	}

	if err = event.CheckDifficulty(s.h.cfg.MinPowDifficulty); err != nil {
		return s.writeOK(event.ID, false, "pow: "+err.Error())
	}

	switch verdict := s.h.spamFilter.Check(event); verdict.Status {
	case spam.StatusReject:
		s.reportViolation("spam", policy.SeverityMedium)

		return s.writeOK(event.ID, false, "spam: "+verdict.Reason)
	case spam.StatusSuspicious:
		log.Printf("WARN: suspicious event %v from %v: %v", event.ID, s.source, verdict.Reason)
	}

	if !event.IsEphemeral() {
		if wsEventListener == nil {
			log.Panic("event listener to store events is not set")
		}
		if saveErr := wsEventListener(ctx, event); saveErr != nil {
			if errors.Is(saveErr, model.ErrDuplicate) {
				return s.writeOK(event.ID, true, "duplicate: already have this event")
			}
			log.Printf("ERROR: failed to store event %v: %v", event.ID, saveErr)

			return s.writeOK(event.ID, false, "error: failed to store event")
		}
	}

	if bErr := s.h.subs.BroadcastEvent(event); bErr != nil {
		log.Printf("WARN: fan-out of event %v was partial: %v", event.ID, bErr)
	}

	return s.writeOK(event.ID, true, "")
}

func (s *session) handleReq(ctx context.Context, req *nostr.ReqEnvelope) error {
	res := s.h.limiter.AllowSubscription(s.source)
	switch res.Status {
	case ratelimit.StatusLimited:
		if err := s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "rate-limited: " + res.Reason}); err != nil {
			return err
		}

		return s.writeNotice("rate-limited: " + res.Reason)
	case ratelimit.StatusBlocked:
		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "blocked: " + res.Reason})
	}

	if reason, ok := s.checkReqCaps(req); !ok {
		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: reason})
	}
	for i := range req.Filters {
		if req.Filters[i].Limit <= 0 || req.Filters[i].Limit > s.h.cfg.MaxLimit {
			req.Filters[i].Limit = s.h.cfg.MaxLimit
		}
	}

	// Index the subscription before the historical query so no live event
	// published after this point can be missed.
	if err := s.h.subs.AddSubscription(s.connID, req.SubscriptionID, req.Filters); err != nil {
		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "error: " + err.Error()})
	}

	if wsSubscriptionListener == nil {
		log.Printf("WARN: subscription listener is not registered, skipping the stored-events query")
	} else {
		for i := range req.Filters {
			if err := s.streamStoredEvents(ctx, req.SubscriptionID, req.Filters[i]); err != nil {
				return err
			}
		}
	}

	eose := nostr.EOSEEnvelope(req.SubscriptionID)

	return s.writeEnvelope(&eose)
}

// streamStoredEvents replays one filter's stored matches in ascending
// created_at order.
func (s *session) streamStoredEvents(ctx context.Context, subID string, filter model.Filter) error {
	var stored []*model.Event
	for event, err := range wsSubscriptionListener(ctx, &model.Subscription{Filters: model.Filters{filter}}) {
		if err != nil {
			log.Printf("ERROR: stored-events query for subscription %v: %v", subID, err)

			return s.writeNotice("error: failed to query stored events")
		}
		stored = append(stored, event)
	}

	for i := len(stored) - 1; i >= 0; i-- {
		if err := s.writeEnvelope(&nostr.EventEnvelope{SubscriptionID: &subID, Event: stored[i].Event}); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) checkReqCaps(req *nostr.ReqEnvelope) (reason string, ok bool) {
	if len(req.SubscriptionID) > s.h.cfg.MaxSubIDLength {
		return fmt.Sprintf("blocked: subscription id exceeds %d characters", s.h.cfg.MaxSubIDLength), false
	}
	if len(req.Filters) > s.h.cfg.MaxFilters {
		return fmt.Sprintf("blocked: too many filters: maximum is %d", s.h.cfg.MaxFilters), false
	}
	if s.h.subs.SubscriptionCount(s.connID) >= s.h.cfg.MaxSubscriptions {
		return fmt.Sprintf("blocked: too many subscriptions: maximum is %d", s.h.cfg.MaxSubscriptions), false
	}

	return "", true
}

func (s *session) handleAuth(msg []byte) error {
	raw, ok := model.RawEventPayload(msg)
	if !ok {
		return s.writeNotice("error: AUTH frame carries no event object")
	}
	eventID := gjson.GetBytes(raw, "id").Str

	event, err := model.ValidateEventBytes(raw, model.Timestamp(s.now().Unix()), s.h.limits())
	if err != nil {
		if eventID == "" {
			return s.writeNotice("invalid: " + err.Error())
		}

		return s.writeOK(eventID, false, "invalid: "+err.Error())
	}

	pubkey, err := s.h.auth.Verify(s.connID, event)
	if err != nil {
		s.reportViolation("failed auth", policy.SeverityLow)

		return s.writeOK(event.ID, false, "invalid: "+err.Error())
	}
	log.Printf("connection %v authenticated as %v", s.connID, pubkey)

	return s.writeOK(event.ID, true, "")
}

func (s *session) handleCount(ctx context.Context, req *nostr.CountEnvelope) error {
	res := s.h.limiter.AllowSubscription(s.source)
	if !res.Allowed() {
		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "rate-limited: " + res.Reason})
	}
	if wsCountListener == nil {
		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "error: counting is not supported"})
	}

	count, err := wsCountListener(ctx, &model.Subscription{Filters: model.Filters(req.Filters)})
	if err != nil {
		log.Printf("ERROR: count query for subscription %v: %v", req.SubscriptionID, err)

		return s.writeEnvelope(&nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "error: failed to count events"})
	}
	req.Count = &count

	return s.writeEnvelope(req)
}

func (s *session) sendAuthChallenge() error {
	challenge := s.h.auth.NewChallenge(s.connID)

	return s.writeEnvelope(&nostr.AuthEnvelope{Challenge: &challenge})
}

// reportViolation scores the violation and applies the graduated response.
func (s *session) reportViolation(kind string, severity policy.Severity) {
	action := s.h.policy.Report(s.connID, s.source, kind, severity)
	switch action.Kind {
	case policy.ActionThrottle:
		s.throttledUntil = s.now().Add(action.ThrottleFor)
	case policy.ActionWarn:
		if err := s.writeNotice("warning: repeated protocol violations will disconnect you"); err != nil {
			log.Printf("WARN: failed to deliver policy warning to %v: %v", s.connID, err)
		}
	case policy.ActionDisconnect, policy.ActionBan:
		s.disconnect = true
	}
}

func (s *session) terminated() bool {
	return s.disconnect || s.h.policy.IsBanned(s.connID)
}

func (s *session) writeOK(eventID string, ok bool, message string) error {
	if err := s.writeEnvelope(&nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: message}); err != nil {
		return err
	}
	if s.terminated() {
		return errTerminate
	}

	return nil
}

func (s *session) writeNotice(message string) error {
	notice := nostr.NoticeEnvelope(message)
	if err := s.writeEnvelope(&notice); err != nil {
		return err
	}
	if s.terminated() {
		return errTerminate
	}

	return nil
}

func (s *session) writeEnvelope(envelope nostr.Envelope) error {
	data, err := envelope.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %+v into json", envelope)
	}

	return s.writer.WriteMessage(data)
}

// Sink adapts the session's writer for the fan-out engine.
func (s *session) Sink() func(event *model.Event, subID string) error {
	return func(event *model.Event, subID string) error {
		data, err := (&nostr.EventEnvelope{SubscriptionID: &subID, Event: event.Event}).MarshalJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to serialize event %v", event.ID)
		}

		return s.writer.WriteMessage(data)
	}
}
