package coop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/schedule"
)

// Outbound message types emitted by the coop engine.
const (
	TypeAdvertisement       = "CoopAdvertisement"
	TypeProposalReceived    = "CoopProposalReceived"
	TypeJoinRequested       = "CoopJoinRequested"
	TypeNegotiationStarted  = "CoopNegotiationStarted"
	TypeBidReceived         = "CoopBidReceived"
	TypeAgreed              = "CoopAgreed"
	TypeCancelled           = "CoopCancelled"
	TypeRejected            = "CoopRejected"
	TypeState               = "CoopState"
	TypeResourcesGathered   = "ResourcesGathered"
	TypeResourcesUngathered = "ResourcesUngathered"
	TypeTravelCompleted     = "TravelCompleted"
	TypeProposalNotice      = "CoopProposalNotice"
)

type Advertisement struct {
	Player game.PlayerID `json:"player"`
	Travel string        `json:"travel"`
}

type ProposalReceived struct {
	Owner  game.PlayerID `json:"owner"`
	Travel string        `json:"travel"`
}

type JoinRequested struct {
	Joiner game.PlayerID `json:"joiner"`
	Travel string        `json:"travel"`
}

// NegotiationStarted tells a player the resource split negotiation began.
// The active side sends the first bid.
type NegotiationStarted struct {
	Counterpart game.PlayerID `json:"counterpart"`
	Travel      string        `json:"travel"`
	Active      bool          `json:"active"`
}

type BidReceived struct {
	Sender game.PlayerID                `json:"sender"`
	Bid    domain.ResourcesDecideValues `json:"bid"`
}

type Agreed struct {
	Counterpart game.PlayerID                `json:"counterpart"`
	Travel      string                       `json:"travel"`
	Bid         domain.ResourcesDecideValues `json:"bid"`
}

type Cancelled struct {
	Canceller game.PlayerID `json:"canceller"`
}

type Gathered struct {
	Travel string `json:"travel"`
}

// Ungathered names what each side of the plan still misses.
type Ungathered struct {
	Travel     string                           `json:"travel"`
	Shortfalls map[game.PlayerID]game.Shortfall `json:"shortfalls"`
}

type TravelCompleted struct {
	Travel   string           `json:"travel"`
	Traveler game.PlayerID    `json:"traveler"`
	Paid     game.Requirement `json:"paid"`
}

type ProposalNotice struct {
	Target game.PlayerID `json:"target"`
}

type Config struct {
	NoticeDelay time.Duration
}

// Service drives travel planning and coop negotiations.
type Service struct {
	states    game.StateStore[domain.State]
	statuses  game.StatusStore
	ledger    game.Ledger
	locker    negotiation.PairLocker
	publisher negotiation.Publisher
	events    negotiation.Emitter
	scheduler *schedule.Scheduler
	catalogue *game.Catalogue
	cfg       Config
	logger    zerolog.Logger
}

// NewService creates a coop engine.
func NewService(
	states game.StateStore[domain.State],
	statuses game.StatusStore,
	ledger game.Ledger,
	locker negotiation.PairLocker,
	publisher negotiation.Publisher,
	events negotiation.Emitter,
	scheduler *schedule.Scheduler,
	catalogue *game.Catalogue,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		states:    states,
		statuses:  statuses,
		ledger:    ledger,
		locker:    locker,
		publisher: publisher,
		events:    events,
		scheduler: scheduler,
		catalogue: catalogue,
		cfg:       cfg,
		logger:    logger.With().Str("service", "coop").Logger(),
	}
}

// Handle processes one inbound user envelope from the coop topic.
func (s *Service) Handle(ctx context.Context, env negotiation.Envelope) error {
	if err := env.Validate(); err != nil {
		s.logger.Error().Err(err).Str("envelope_id", env.ID.String()).Msg("dropping invalid envelope")
		return nil
	}
	msg, err := domain.DecodeUserMessage(env.Type, env.Payload)
	if err != nil {
		current, getErr := s.states.Get(ctx, env.Session, env.Sender)
		if getErr != nil {
			return getErr
		}
		reason := "Malformed message"
		if errors.Is(err, negotiation.ErrUnknownMessage) {
			reason = "Unknown message"
		}
		return s.reject(ctx, env, negotiation.Violation(string(current.Kind()), env.Type, reason))
	}
	return s.reject(ctx, env, s.dispatch(ctx, env, msg))
}

func (s *Service) reject(ctx context.Context, env negotiation.Envelope, err error) error {
	if err == nil {
		return nil
	}
	return negotiation.Reject(ctx, s.publisher, s.logger, env, TypeRejected, err)
}

func (s *Service) dispatch(ctx context.Context, env negotiation.Envelope, msg domain.Message) error {
	if other, ok := namedPlayer(msg); ok {
		switch {
		case strings.TrimSpace(string(other)) == "":
			return s.violation(ctx, env, msg, "Player is required")
		case other == env.Sender:
			return s.violation(ctx, env, msg, "You cannot cooperate with yourself")
		}
	}
	switch m := msg.(type) {
	case domain.SyncUser:
		return s.sync(ctx, env)
	case domain.StartPlanningUser:
		m.Player = env.Sender
		return s.startPlanning(ctx, env, m)
	case domain.FindCompanyUser:
		return s.findCompany(ctx, env, m)
	case domain.StopFindingCompanyUser:
		return s.solo(ctx, env, m)
	case domain.ProposeCoopUser:
		return s.propose(ctx, env, m)
	case domain.ProposeCoopAckUser:
		m.Player = env.Sender
		return s.acceptProposal(ctx, env, m)
	case domain.JoinPlanningUser:
		m.Player = env.Sender
		return s.join(ctx, env, m)
	case domain.JoinPlanningAckUser:
		return s.acceptJoin(ctx, env, m)
	case domain.ResourcesDecideUser:
		return s.bid(ctx, env, m, m.Bid)
	case domain.ResourcesDecideAckUser:
		return s.agree(ctx, env, m)
	case domain.CancelCoopAtAnyStage, domain.CancelNegotiationAtAnyStage, domain.CancelPlanningAtAnyStage:
		return s.cancel(ctx, env, m)
	case domain.StartTravelUser:
		return s.startTravel(ctx, env, m)
	}
	return negotiation.Unhandled("", string(msg.Type()))
}

// namedPlayer returns the other player a user message addresses.
func namedPlayer(msg domain.Message) (game.PlayerID, bool) {
	switch m := msg.(type) {
	case domain.ProposeCoopUser:
		return m.Target, true
	case domain.ProposeCoopAckUser:
		return m.Owner, true
	case domain.JoinPlanningUser:
		return m.Owner, true
	case domain.JoinPlanningAckUser:
		return m.Joiner, true
	}
	return "", false
}

func (s *Service) violation(ctx context.Context, env negotiation.Envelope, m domain.Message, reason string) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	return negotiation.Violation(string(current.Kind()), string(m.Type()), reason)
}

func (s *Service) sync(ctx context.Context, env negotiation.Envelope) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	out, err := stateMessage(env.Session, env.Sender, current)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, out)
}

func (s *Service) startPlanning(ctx context.Context, env negotiation.Envelope, m domain.StartPlanningUser) error {
	if _, err := s.catalogue.Travel(m.Travel); err != nil {
		current, getErr := s.states.Get(ctx, env.Session, env.Sender)
		if getErr != nil {
			return getErr
		}
		return negotiation.Violation(string(current.Kind()), string(m.Type()), fmt.Sprintf("Unknown travel %s", m.Travel))
	}
	return s.solo(ctx, env, m)
}

// solo applies a message that only touches the sender's own plan.
func (s *Service) solo(ctx context.Context, env negotiation.Envelope, m domain.Message) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	next, err := domain.Transition(current, m)
	if err != nil {
		return err
	}
	if err := s.states.Set(ctx, env.Session, env.Sender, next); err != nil {
		return err
	}
	s.pushState(ctx, env.Session, env.Sender, next)
	return nil
}

func (s *Service) findCompany(ctx context.Context, env negotiation.Envelope, m domain.FindCompanyUser) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	next, err := domain.Transition(current, m)
	if err != nil {
		return err
	}
	if err := s.states.Set(ctx, env.Session, env.Sender, next); err != nil {
		return err
	}
	travel, _ := domain.TravelOf(next)
	s.notify(ctx, negotiation.ToNearby(env.Session, env.Sender, TypeAdvertisement, Advertisement{Player: env.Sender, Travel: travel}))
	return nil
}

func (s *Service) propose(ctx context.Context, env negotiation.Envelope, m domain.ProposeCoopUser) error {
	release, err := s.locker.Acquire(ctx, env.Session, env.Sender, m.Target)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	next, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	if err := s.requireIdle(ctx, env.Session, env.Sender, mine, m, "You are busy"); err != nil {
		return err
	}
	if err := s.requireIdle(ctx, env.Session, m.Target, mine, m, fmt.Sprintf("%s is busy", m.Target)); err != nil {
		return err
	}

	travel, _ := domain.TravelOf(mine)
	theirs, err := s.states.Get(ctx, env.Session, m.Target)
	if err != nil {
		return err
	}
	if _, err := domain.Transition(theirs, domain.ProposeCoopSystem{Owner: env.Sender, Travel: travel}); err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is already in a coop", m.Target))
	}

	if err := s.states.Set(ctx, env.Session, env.Sender, next); err != nil {
		return err
	}
	s.scheduleNotice(env.Session, env.Sender, m.Target, func(st domain.State) bool {
		w, ok := st.(domain.WaitingForCompany)
		return ok && w.Counterpart == m.Target
	})
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, m.Target, TypeProposalReceived, ProposalReceived{Owner: env.Sender, Travel: travel}))
}

func (s *Service) requireIdle(ctx context.Context, session game.SessionID, player game.PlayerID, current domain.State, m domain.Message, reason string) error {
	status, err := s.statuses.Get(ctx, session, player)
	if err != nil {
		return err
	}
	if !status.IsIdle() {
		return negotiation.Violation(string(current.Kind()), string(m.Type()), reason)
	}
	return nil
}

// acceptProposal commits the acceptor and the owner into a resource
// negotiation. The travel is the owner's live plan, not the one the acceptor saw.
func (s *Service) acceptProposal(ctx context.Context, env negotiation.Envelope, m domain.ProposeCoopAckUser) error {
	acceptor, owner := env.Sender, m.Owner
	release, err := s.locker.Acquire(ctx, env.Session, acceptor, owner)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, acceptor)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, owner)
	if err != nil {
		return err
	}
	travel, ok := domain.TravelOf(theirs)
	if !ok {
		return negotiation.TooLate(string(mine.Kind()), string(m.Type()), "Proposal accepted too late")
	}
	m.Travel = travel
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.ProposeCoopAckSystem{Acceptor: acceptor})
	if err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.TooLate(string(mine.Kind()), string(m.Type()), "Proposal accepted too late")
	}

	if err := s.commitPair(ctx, env.Session, m,
		write{player: acceptor, prev: mine, next: nextMine},
		write{player: owner, prev: theirs, next: nextTheirs},
	); err != nil {
		return err
	}
	s.scheduler.Cancel(noticeKey(env.Session, owner))
	s.scheduler.Cancel(noticeKey(env.Session, acceptor))
	s.notify(ctx,
		negotiation.ToPlayer(env.Session, acceptor, TypeNegotiationStarted, NegotiationStarted{Counterpart: owner, Travel: travel, Active: true}),
		negotiation.ToPlayer(env.Session, owner, TypeNegotiationStarted, NegotiationStarted{Counterpart: acceptor, Travel: travel, Active: false}),
	)
	return nil
}

func (s *Service) join(ctx context.Context, env negotiation.Envelope, m domain.JoinPlanningUser) error {
	release, err := s.locker.Acquire(ctx, env.Session, env.Sender, m.Owner)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, m.Owner)
	if err != nil {
		return err
	}
	travel, ok := domain.TravelOf(theirs)
	if !ok {
		return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is not planning a travel", m.Owner))
	}
	m.Travel = travel
	next, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	if err := s.requireIdle(ctx, env.Session, env.Sender, mine, m, "You are busy"); err != nil {
		return err
	}
	if err := s.requireIdle(ctx, env.Session, m.Owner, mine, m, fmt.Sprintf("%s is busy", m.Owner)); err != nil {
		return err
	}
	if _, err := domain.Transition(theirs, domain.JoinPlanningSystem{Joiner: env.Sender}); err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is not looking for company", m.Owner))
	}

	if err := s.states.Set(ctx, env.Session, env.Sender, next); err != nil {
		return err
	}
	s.scheduleNotice(env.Session, env.Sender, m.Owner, func(st domain.State) bool {
		w, ok := st.(domain.WaitingForOwnerAnswer)
		return ok && w.Owner == m.Owner
	})
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, m.Owner, TypeJoinRequested, JoinRequested{Joiner: env.Sender, Travel: travel}))
}

func (s *Service) acceptJoin(ctx context.Context, env negotiation.Envelope, m domain.JoinPlanningAckUser) error {
	owner, joiner := env.Sender, m.Joiner
	release, err := s.locker.Acquire(ctx, env.Session, owner, joiner)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, owner)
	if err != nil {
		return err
	}
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	travel, _ := domain.TravelOf(mine)
	theirs, err := s.states.Get(ctx, env.Session, joiner)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.JoinPlanningAckSystem{Owner: owner, Travel: travel})
	if err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.TooLate(string(mine.Kind()), string(m.Type()), "Join accepted too late")
	}

	if err := s.commitPair(ctx, env.Session, m,
		write{player: owner, prev: mine, next: nextMine},
		write{player: joiner, prev: theirs, next: nextTheirs},
	); err != nil {
		return err
	}
	s.scheduler.Cancel(noticeKey(env.Session, joiner))
	s.scheduler.Cancel(noticeKey(env.Session, owner))
	s.notify(ctx,
		negotiation.ToPlayer(env.Session, joiner, TypeNegotiationStarted, NegotiationStarted{Counterpart: owner, Travel: travel, Active: true}),
		negotiation.ToPlayer(env.Session, owner, TypeNegotiationStarted, NegotiationStarted{Counterpart: joiner, Travel: travel, Active: false}),
	)
	return nil
}

func (s *Service) bid(ctx context.Context, env negotiation.Envelope, m domain.Message, bid domain.ResourcesDecideValues) error {
	mine, cp, release, err := s.lockCounterpart(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	defer release()

	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	if err := s.checkSplit(mine, m, bid); err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, cp)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.ResourcesDecideSystem{Sender: env.Sender, Bid: bid})
	if err != nil {
		return s.mirrorFailed(mine, m, cp, err)
	}

	if err := s.persist(ctx, env.Session,
		write{player: env.Sender, prev: mine, next: nextMine},
		write{player: cp, prev: theirs, next: nextTheirs},
	); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, cp, TypeBidReceived, BidReceived{Sender: env.Sender, Bid: bid}))
}

// agree commits the counterpart's latest bid for both players. The
// negotiation ends here, so both players go back to idle and may trade for
// what they still lack. GatheringResources keeps them out of other coops.
func (s *Service) agree(ctx context.Context, env negotiation.Envelope, m domain.ResourcesDecideAckUser) error {
	mine, cp, release, err := s.lockCounterpart(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	defer release()

	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, cp)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.ResourcesDecideAckSystem{Sender: env.Sender, Bid: m.Bid})
	if err != nil {
		return s.mirrorFailed(mine, m, cp, err)
	}

	if err := s.persist(ctx, env.Session,
		write{player: env.Sender, prev: mine, next: nextMine},
		write{player: cp, prev: theirs, next: nextTheirs},
	); err != nil {
		return err
	}
	s.releaseStatus(ctx, env.Session, env.Sender)
	s.releaseStatus(ctx, env.Session, cp)
	travel, _ := domain.TravelOf(nextMine)
	s.notify(ctx,
		negotiation.ToPlayer(env.Session, env.Sender, TypeAgreed, Agreed{Counterpart: cp, Travel: travel, Bid: m.Bid}),
		negotiation.ToPlayer(env.Session, cp, TypeAgreed, Agreed{Counterpart: env.Sender, Travel: travel, Bid: m.Bid}),
	)
	if err := s.CheckResources(ctx, env.Session, env.Sender); err != nil {
		s.logger.Error().Err(err).Str("session", string(env.Session)).Str("player", string(env.Sender)).Msg("resource check after agreement failed")
	}
	return nil
}

// checkSplit verifies the bid divides the travel cost. Resources above the
// travel cost or a ratio out of range are refused.
func (s *Service) checkSplit(mine domain.State, m domain.Message, bid domain.ResourcesDecideValues) error {
	travel, _ := domain.TravelOf(mine)
	if _, _, err := s.catalogue.Split(travel, bid.MoneyRatio, bid.Resources); err != nil {
		return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("Invalid split: %v", err))
	}
	return nil
}

// lockCounterpart holds the pair lease for player and its current
// counterpart and returns the player's state as read under the lease. A
// player without a counterpart gets a no-op release.
func (s *Service) lockCounterpart(ctx context.Context, session game.SessionID, player game.PlayerID) (domain.State, game.PlayerID, func(), error) {
	for attempt := 0; attempt < 3; attempt++ {
		mine, err := s.states.Get(ctx, session, player)
		if err != nil {
			return nil, "", nil, err
		}
		cp, ok := domain.Counterpart(mine)
		if !ok {
			return mine, "", func() {}, nil
		}
		release, err := s.locker.Acquire(ctx, session, player, cp)
		if err != nil {
			return nil, "", nil, err
		}
		if mine, err = s.states.Get(ctx, session, player); err != nil {
			release()
			return nil, "", nil, err
		}
		if now, ok := domain.Counterpart(mine); ok && now == cp {
			return mine, cp, release, nil
		}
		release()
	}
	return nil, "", nil, fmt.Errorf("counterpart of %s keeps changing", player)
}

func (s *Service) cancel(ctx context.Context, env negotiation.Envelope, m domain.Message) error {
	mine, cp, release, err := s.lockCounterpart(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	defer release()

	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	writeOwn := func() error { return s.states.Set(ctx, env.Session, env.Sender, nextMine) }
	rolledBack := false
	if cp != "" {
		rolledBack, err = s.rollbackCounterpart(ctx, env.Session, env.Sender, cp, mirrorCancel(m, env.Sender), writeOwn)
	} else {
		err = writeOwn()
	}
	if err != nil {
		return err
	}

	s.scheduler.Cancel(noticeKey(env.Session, env.Sender))
	if domain.Committed(mine) {
		s.releaseStatus(ctx, env.Session, env.Sender)
	}
	msgs := []negotiation.Outbound{
		negotiation.ToPlayer(env.Session, env.Sender, TypeCancelled, Cancelled{Canceller: env.Sender}),
	}
	if rolledBack {
		msgs = append(msgs, negotiation.ToPlayer(env.Session, cp, TypeCancelled, Cancelled{Canceller: env.Sender}))
	}
	s.notify(ctx, msgs...)
	s.pushState(ctx, env.Session, env.Sender, nextMine)
	return nil
}

// mirrorCancel maps a user cancellation onto the counterpart's side. Leaving
// the plan altogether dissolves the coop for the partner.
func mirrorCancel(m domain.Message, canceller game.PlayerID) domain.Message {
	if _, ok := m.(domain.CancelNegotiationAtAnyStage); ok {
		return domain.CancelNegotiationSystem{Canceller: canceller}
	}
	return domain.CancelCoopSystem{Canceller: canceller}
}

// rollbackCounterpart mirrors a cancellation by canceller onto counterpart.
// The counterpart is only rolled back when its state names the canceller.
// writeOwn persists the canceller's side; both writes happen or neither.
func (s *Service) rollbackCounterpart(ctx context.Context, session game.SessionID, canceller, counterpart game.PlayerID, mirror domain.Message, writeOwn func() error) (bool, error) {
	theirs, err := s.states.Get(ctx, session, counterpart)
	if err != nil {
		return false, err
	}
	if named, ok := domain.Counterpart(theirs); !ok || named != canceller {
		return false, writeOwn()
	}
	nextTheirs, mirrorErr := domain.Transition(theirs, mirror)
	if mirrorErr != nil {
		if _, ok := negotiation.AsRejection(mirrorErr); !ok {
			return false, mirrorErr
		}
		return false, writeOwn()
	}
	if err := s.states.Set(ctx, session, counterpart, nextTheirs); err != nil {
		return false, err
	}
	if err := writeOwn(); err != nil {
		s.rollback(ctx, session, []write{{player: counterpart, prev: theirs, next: nextTheirs}})
		return false, err
	}
	if domain.Committed(theirs) {
		s.releaseStatus(ctx, session, counterpart)
	}
	s.scheduler.Cancel(noticeKey(session, counterpart))
	return true, nil
}

// startTravel pays for the sender's planned travel. A negotiated plan debits
// both players by the agreed split inside one ledger transaction.
func (s *Service) startTravel(ctx context.Context, env negotiation.Envelope, m domain.StartTravelUser) error {
	mine, cp, release, err := s.lockCounterpart(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	defer release()

	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	travel, _ := domain.TravelOf(mine)
	writes := []write{{player: env.Sender, prev: mine, next: nextMine}}
	costs := map[game.PlayerID]game.Requirement{}

	if g, ok := mine.(domain.GatheringResources); ok && g.NegotiatedBid != nil {
		theirs, err := s.states.Get(ctx, env.Session, cp)
		if err != nil {
			return err
		}
		nextTheirs, err := domain.Transition(theirs, domain.StartTravelSystem{Traveler: env.Sender})
		if err != nil {
			return s.mirrorFailed(mine, m, cp, err)
		}
		traveler, partner, err := s.catalogue.Split(travel, g.NegotiatedBid.Bid.MoneyRatio, g.NegotiatedBid.Bid.Resources)
		if err != nil {
			return err
		}
		costs[env.Sender] = traveler
		costs[cp] = partner
		writes = append(writes, write{player: cp, prev: theirs, next: nextTheirs})
	} else {
		full, err := s.catalogue.Requirement(travel)
		if err != nil {
			return err
		}
		costs[env.Sender] = full
	}

	if err := s.persist(ctx, env.Session, writes...); err != nil {
		return err
	}
	if err := s.pay(ctx, env.Session, costs, string(mine.Kind()), string(m.Type())); err != nil {
		s.rollback(ctx, env.Session, writes)
		return err
	}

	msgs := make([]negotiation.Outbound, 0, len(writes))
	players := make([]game.PlayerID, 0, len(writes))
	for _, w := range writes {
		s.releaseStatus(ctx, env.Session, w.player)
		players = append(players, w.player)
		msgs = append(msgs, negotiation.ToPlayer(env.Session, w.player, TypeTravelCompleted, TravelCompleted{
			Travel:   travel,
			Traveler: env.Sender,
			Paid:     costs[w.player],
		}))
	}
	s.notify(ctx, msgs...)
	s.emitEquipmentChanged(ctx, env.Session, players...)
	return nil
}

// pay debits every player's cost in one ledger transaction, or nothing.
func (s *Service) pay(ctx context.Context, session game.SessionID, costs map[game.PlayerID]game.Requirement, state, message string) error {
	return s.ledger.InTx(ctx, func(ctx context.Context, tx game.LedgerTx) error {
		balances := make(map[game.PlayerID]game.Balances, len(costs))
		shortfalls := map[game.PlayerID]game.Shortfall{}
		for player, cost := range costs {
			b, err := tx.GetBalances(ctx, session, player)
			if err != nil {
				return err
			}
			balances[player] = b
			if sf := game.ShortfallOf(b, cost); !sf.Empty() {
				shortfalls[player] = sf
			}
		}
		if len(shortfalls) > 0 {
			return negotiation.Insufficient(state, message, shortfalls)
		}
		for player, cost := range costs {
			next, err := balances[player].Debit(cost)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalances(ctx, session, player, next); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckResources re-evaluates whether player's plan is funded and tells the
// players. A coop plan is checked for both partners and reported as gathered
// only when both are funded. States are never changed.
func (s *Service) CheckResources(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	current, err := s.states.Get(ctx, session, player)
	if err != nil {
		return err
	}
	mine, ok := current.(domain.GatheringResources)
	if !ok {
		return nil
	}

	costs := map[game.PlayerID]game.Requirement{}
	if mine.NegotiatedBid == nil {
		full, err := s.catalogue.Requirement(mine.Travel)
		if err != nil {
			return err
		}
		costs[player] = full
	} else {
		cp := mine.NegotiatedBid.Counterpart
		theirs, err := s.states.Get(ctx, session, cp)
		if err != nil {
			return err
		}
		if g, ok := theirs.(domain.GatheringResources); !ok || g.NegotiatedBid == nil || g.NegotiatedBid.Counterpart != player {
			s.logger.Warn().
				Str("session", string(session)).
				Str("player", string(player)).
				Str("counterpart", string(cp)).
				Str("counterpart_state", string(theirs.Kind())).
				Msg("coop pair is not symmetric, skipping resource check")
			return nil
		}
		bid := mine.NegotiatedBid.Bid
		traveler, partner, err := s.catalogue.Split(mine.Travel, bid.MoneyRatio, bid.Resources)
		if err != nil {
			return err
		}
		costs[bid.Traveler] = traveler
		if bid.Traveler == player {
			costs[cp] = partner
		} else {
			costs[player] = partner
		}
	}

	shortfalls := map[game.PlayerID]game.Shortfall{}
	for p, cost := range costs {
		b, err := s.ledger.GetBalances(ctx, session, p)
		if err != nil {
			return err
		}
		if sf := game.ShortfallOf(b, cost); !sf.Empty() {
			shortfalls[p] = sf
		}
	}

	msgs := make([]negotiation.Outbound, 0, len(costs))
	for p := range costs {
		if len(shortfalls) == 0 {
			msgs = append(msgs, negotiation.ToPlayer(session, p, TypeResourcesGathered, Gathered{Travel: mine.Travel}))
			continue
		}
		msgs = append(msgs, negotiation.ToPlayer(session, p, TypeResourcesUngathered, Ungathered{Travel: mine.Travel, Shortfalls: shortfalls}))
	}
	s.notify(ctx, msgs...)
	return nil
}

// Leave resets a player's plan, rolling back the partner if it was
// negotiating or planning with the player.
func (s *Service) Leave(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	_, cp, release, err := s.lockCounterpart(ctx, session, player)
	if err != nil {
		return err
	}
	defer release()

	removeOwn := func() error { return s.states.Remove(ctx, session, player) }
	rolledBack := false
	if cp != "" {
		rolledBack, err = s.rollbackCounterpart(ctx, session, player, cp, domain.CancelCoopSystem{Canceller: player}, removeOwn)
	} else {
		err = removeOwn()
	}
	if err != nil {
		return err
	}
	s.scheduler.Cancel(noticeKey(session, player))
	s.releaseStatus(ctx, session, player)
	if rolledBack {
		s.notify(ctx, negotiation.ToPlayer(session, cp, TypeCancelled, Cancelled{Canceller: player}))
	}
	return nil
}

// mirrorFailed turns a counterpart-side rejection into a rejection of the
// sender's message.
func (s *Service) mirrorFailed(mine domain.State, m domain.Message, other game.PlayerID, err error) error {
	if _, ok := negotiation.AsRejection(err); !ok {
		return err
	}
	return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is not in a coop with you", other))
}

type write struct {
	player game.PlayerID
	prev   domain.State
	next   domain.State
}

// commitPair marks both players CoopBusy and writes both states. Nothing is
// written when the status batch is refused.
func (s *Service) commitPair(ctx context.Context, session game.SessionID, m domain.Message, a, b write) error {
	busy := []game.PlayerStatus{
		{Player: a.player, Status: game.StatusCoopBusy},
		{Player: b.player, Status: game.StatusCoopBusy},
	}
	if err := s.statuses.SetBatch(ctx, session, busy); err != nil {
		if errors.Is(err, game.ErrStatusConflict) {
			return negotiation.TooLate(string(a.prev.Kind()), string(m.Type()), "Player is busy")
		}
		return err
	}
	if err := s.persist(ctx, session, a, b); err != nil {
		if !domain.Committed(a.prev) {
			s.releaseStatus(ctx, session, a.player)
		}
		if !domain.Committed(b.prev) {
			s.releaseStatus(ctx, session, b.player)
		}
		return err
	}
	return nil
}

// persist writes every state in order. A failed write restores the ones
// already written.
func (s *Service) persist(ctx context.Context, session game.SessionID, writes ...write) error {
	for i, w := range writes {
		if err := s.states.Set(ctx, session, w.player, w.next); err != nil {
			s.rollback(ctx, session, writes[:i])
			return err
		}
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, session game.SessionID, done []write) {
	for _, w := range done {
		if err := s.states.Set(ctx, session, w.player, w.prev); err != nil {
			s.logger.Error().Err(err).
				Str("session", string(session)).
				Str("player", string(w.player)).
				Msg("failed to restore coop state")
		}
	}
}

func (s *Service) releaseStatus(ctx context.Context, session game.SessionID, player game.PlayerID) {
	status, err := s.statuses.Get(ctx, session, player)
	if err == nil && status == game.StatusCoopBusy {
		err = s.statuses.Remove(ctx, session, player)
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("session", string(session)).
			Str("player", string(player)).
			Msg("failed to release coop status")
	}
}

func (s *Service) notify(ctx context.Context, msgs ...negotiation.Outbound) {
	for _, msg := range msgs {
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Error().Err(err).
				Str("session", string(msg.Session)).
				Str("recipient", string(msg.Recipient)).
				Str("type", msg.Type).
				Msg("failed to publish coop notification")
		}
	}
}

func (s *Service) pushState(ctx context.Context, session game.SessionID, player game.PlayerID, st domain.State) {
	out, err := stateMessage(session, player, st)
	if err != nil {
		s.logger.Error().Err(err).Str("player", string(player)).Msg("failed to encode coop state")
		return
	}
	s.notify(ctx, out)
}

func stateMessage(session game.SessionID, player game.PlayerID, st domain.State) (negotiation.Outbound, error) {
	raw, err := domain.MarshalState(st)
	if err != nil {
		return negotiation.Outbound{}, err
	}
	return negotiation.ToPlayer(session, player, TypeState, json.RawMessage(raw)), nil
}

func (s *Service) emitEquipmentChanged(ctx context.Context, session game.SessionID, players ...game.PlayerID) {
	for _, p := range players {
		env, err := negotiation.EquipmentChanged(session, p)
		if err == nil {
			err = s.events.Publish(ctx, negotiation.TopicEquipment, env)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("session", string(session)).Str("player", string(p)).Msg("failed to emit equipment change")
		}
	}
}

func noticeKey(session game.SessionID, player game.PlayerID) string {
	return "coop/" + string(session) + "/" + string(player)
}

// scheduleNotice reminds player that target has not answered yet. The task
// only publishes while pending still holds for the player's live state.
func (s *Service) scheduleNotice(session game.SessionID, player, target game.PlayerID, pending func(domain.State) bool) {
	if s.cfg.NoticeDelay <= 0 {
		return
	}
	s.scheduler.Schedule(noticeKey(session, player), s.cfg.NoticeDelay, func(ctx context.Context) {
		current, err := s.states.Get(ctx, session, player)
		if err != nil {
			s.logger.Warn().Err(err).Str("player", string(player)).Msg("proposal notice skipped")
			return
		}
		if !pending(current) {
			return
		}
		s.notify(ctx, negotiation.ToPlayer(session, player, TypeProposalNotice, ProposalNotice{Target: target}))
	})
}
