package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	domain "github.com/travelgame/negotiator/internal/domain/trade"
	"github.com/travelgame/negotiator/internal/schedule"
)

// Outbound message types emitted by the trade engine.
const (
	TypeAdvertisement    = "TradeAdvertisement"
	TypeProposalReceived = "TradeProposalReceived"
	TypeStarted          = "TradeStarted"
	TypeBidReceived      = "TradeBidReceived"
	TypeFinished         = "TradeFinished"
	TypeCancelled        = "TradeCancelled"
	TypeRejected         = "TradeRejected"
	TypeState            = "TradeState"
	TypeProposalNotice   = "TradeProposalNotice"
)

type Advertisement struct {
	Player    game.PlayerID     `json:"player"`
	Side      domain.AdvertSide `json:"side"`
	Resources game.Resources    `json:"resources"`
}

type ProposalReceived struct {
	Proposer game.PlayerID `json:"proposer"`
}

// Started tells a player the trade began. The active side sends the first bid.
type Started struct {
	Counterpart game.PlayerID `json:"counterpart"`
	Active      bool          `json:"active"`
}

type BidReceived struct {
	Sender game.PlayerID `json:"sender"`
	Bid    domain.Bid    `json:"bid"`
}

// Finished reports what a player gave and received.
type Finished struct {
	Counterpart game.PlayerID  `json:"counterpart"`
	Given       game.Resources `json:"given"`
	Received    game.Resources `json:"received"`
}

type Cancelled struct {
	Canceller game.PlayerID `json:"canceller"`
}

// ProposalNotice reminds a proposer that the proposal is still unanswered.
type ProposalNotice struct {
	Target game.PlayerID `json:"target"`
}

// Config tunes the trade engine.
type Config struct {
	// Resources is the catalogue every bid must name exactly.
	Resources   []string
	NoticeDelay time.Duration
}

// Service drives trade negotiations between pairs of players.
type Service struct {
	states    game.StateStore[domain.State]
	statuses  game.StatusStore
	ledger    game.Ledger
	locker    negotiation.PairLocker
	publisher negotiation.Publisher
	events    negotiation.Emitter
	scheduler *schedule.Scheduler
	cfg       Config
	logger    zerolog.Logger
}

// NewService creates a trade engine.
func NewService(
	states game.StateStore[domain.State],
	statuses game.StatusStore,
	ledger game.Ledger,
	locker negotiation.PairLocker,
	publisher negotiation.Publisher,
	events negotiation.Emitter,
	scheduler *schedule.Scheduler,
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
		cfg:       cfg,
		logger:    logger.With().Str("service", "trade").Logger(),
	}
}

// Handle processes one inbound user envelope from the trade topic.
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
			return s.violation(ctx, env, msg, "You cannot trade with yourself")
		}
	}
	switch m := msg.(type) {
	case domain.AdvertiseUser:
		return s.advertise(ctx, env, m)
	case domain.SyncUser:
		return s.sync(ctx, env)
	case domain.ProposeTradeUser:
		m.Proposer = env.Sender
		return s.propose(ctx, env, m)
	case domain.ProposeTradeAckUser:
		return s.acceptProposal(ctx, env, m)
	case domain.TradeBidUser:
		return s.bid(ctx, env, m)
	case domain.TradeBidAckUser:
		return s.finalize(ctx, env, m)
	case domain.CancelTradeUser:
		return s.cancel(ctx, env, m)
	}
	return negotiation.Unhandled("", string(msg.Type()))
}

// namedPlayer returns the other player a user message addresses.
func namedPlayer(msg domain.Message) (game.PlayerID, bool) {
	switch m := msg.(type) {
	case domain.ProposeTradeUser:
		return m.Target, true
	case domain.ProposeTradeAckUser:
		return m.Proposer, true
	case domain.TradeBidUser:
		return m.Receiver, true
	case domain.TradeBidAckUser:
		return m.Receiver, true
	case domain.CancelTradeUser:
		return m.Receiver, true
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

func (s *Service) advertise(ctx context.Context, env negotiation.Envelope, m domain.AdvertiseUser) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	if _, err := domain.Transition(current, m); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, negotiation.ToNearby(env.Session, env.Sender, TypeAdvertisement, Advertisement{
		Player:    env.Sender,
		Side:      m.Side,
		Resources: m.Resources,
	}))
}

func (s *Service) sync(ctx context.Context, env negotiation.Envelope) error {
	current, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	raw, err := domain.MarshalState(current)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, env.Sender, TypeState, json.RawMessage(raw)))
}

func (s *Service) propose(ctx context.Context, env negotiation.Envelope, m domain.ProposeTradeUser) error {
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

	theirs, err := s.states.Get(ctx, env.Session, m.Target)
	if err != nil {
		return err
	}
	if _, err := domain.Transition(theirs, domain.ProposeTradeSystem{Proposer: env.Sender}); err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is already trading", m.Target))
	}

	if err := s.states.Set(ctx, env.Session, env.Sender, next); err != nil {
		return err
	}
	s.scheduleNotice(env.Session, env.Sender, m.Target)
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, m.Target, TypeProposalReceived, ProposalReceived{Proposer: env.Sender}))
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

func (s *Service) acceptProposal(ctx context.Context, env negotiation.Envelope, m domain.ProposeTradeAckUser) error {
	acceptor, proposer := env.Sender, m.Proposer
	release, err := s.locker.Acquire(ctx, env.Session, acceptor, proposer)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, acceptor)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, proposer)
	if err != nil {
		return err
	}
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.ProposeTradeAckSystem{Acceptor: acceptor})
	if err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			return err
		}
		return negotiation.TooLate(string(mine.Kind()), string(m.Type()), "Proposal accepted too late")
	}

	busy := []game.PlayerStatus{
		{Player: acceptor, Status: game.StatusTradeBusy},
		{Player: proposer, Status: game.StatusTradeBusy},
	}
	if err := s.statuses.SetBatch(ctx, env.Session, busy); err != nil {
		if errors.Is(err, game.ErrStatusConflict) {
			return negotiation.TooLate(string(mine.Kind()), string(m.Type()), "Player is busy")
		}
		return err
	}
	if err := s.persist(ctx, env.Session,
		write{player: acceptor, prev: mine, next: nextMine},
		write{player: proposer, prev: theirs, next: nextTheirs},
	); err != nil {
		s.releaseStatus(ctx, env.Session, acceptor)
		s.releaseStatus(ctx, env.Session, proposer)
		return err
	}

	s.scheduler.Cancel(noticeKey(env.Session, proposer))
	s.scheduler.Cancel(noticeKey(env.Session, acceptor))
	s.notify(ctx,
		negotiation.ToPlayer(env.Session, proposer, TypeStarted, Started{Counterpart: acceptor, Active: true}),
		negotiation.ToPlayer(env.Session, acceptor, TypeStarted, Started{Counterpart: proposer, Active: false}),
	)
	return nil
}

func (s *Service) bid(ctx context.Context, env negotiation.Envelope, m domain.TradeBidUser) error {
	if err := s.checkResourceCount(ctx, env, m, m.Bid); err != nil {
		return err
	}
	release, err := s.locker.Acquire(ctx, env.Session, env.Sender, m.Receiver)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, m.Receiver)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.TradeBidSystem{Sender: env.Sender, Bid: m.Bid})
	if err != nil {
		return s.mirrorFailed(mine, m, m.Receiver, err)
	}

	if err := s.persist(ctx, env.Session,
		write{player: env.Sender, prev: mine, next: nextMine},
		write{player: m.Receiver, prev: theirs, next: nextTheirs},
	); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, negotiation.ToPlayer(env.Session, m.Receiver, TypeBidReceived, BidReceived{Sender: env.Sender, Bid: m.Bid}))
}

// finalize accepts the counterpart's latest bid. The bid is written from its
// author's side: the author gives Offered and receives Requested.
func (s *Service) finalize(ctx context.Context, env negotiation.Envelope, m domain.TradeBidAckUser) error {
	if err := s.checkResourceCount(ctx, env, m, m.Bid); err != nil {
		return err
	}
	accepter, author := env.Sender, m.Receiver
	release, err := s.locker.Acquire(ctx, env.Session, accepter, author)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, accepter)
	if err != nil {
		return err
	}
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	theirs, err := s.states.Get(ctx, env.Session, author)
	if err != nil {
		return err
	}
	nextTheirs, err := domain.Transition(theirs, domain.TradeBidAckSystem{Sender: accepter, Bid: m.Bid})
	if err != nil {
		return s.mirrorFailed(mine, m, author, err)
	}

	writes := []write{
		{player: accepter, prev: mine, next: nextMine},
		{player: author, prev: theirs, next: nextTheirs},
	}
	if err := s.persist(ctx, env.Session, writes...); err != nil {
		return err
	}
	if err := s.exchange(ctx, env.Session, accepter, author, m.Bid, string(mine.Kind()), string(m.Type())); err != nil {
		s.rollback(ctx, env.Session, writes)
		return err
	}

	s.releaseStatus(ctx, env.Session, accepter)
	s.releaseStatus(ctx, env.Session, author)
	s.notify(ctx,
		negotiation.ToPlayer(env.Session, accepter, TypeFinished, Finished{Counterpart: author, Given: m.Bid.Requested, Received: m.Bid.Offered}),
		negotiation.ToPlayer(env.Session, author, TypeFinished, Finished{Counterpart: accepter, Given: m.Bid.Offered, Received: m.Bid.Requested}),
	)
	s.emitEquipmentChanged(ctx, env.Session, accepter, author)
	return nil
}

// exchange swaps the bid's resources inside one ledger transaction.
func (s *Service) exchange(ctx context.Context, session game.SessionID, accepter, author game.PlayerID, bid domain.Bid, state, message string) error {
	fromAccepter := game.Requirement{Resources: bid.Requested}
	fromAuthor := game.Requirement{Resources: bid.Offered}
	return s.ledger.InTx(ctx, func(ctx context.Context, tx game.LedgerTx) error {
		accepterBal, err := tx.GetBalances(ctx, session, accepter)
		if err != nil {
			return err
		}
		authorBal, err := tx.GetBalances(ctx, session, author)
		if err != nil {
			return err
		}
		shortfalls := map[game.PlayerID]game.Shortfall{}
		if sf := game.ShortfallOf(accepterBal, fromAccepter); !sf.Empty() {
			shortfalls[accepter] = sf
		}
		if sf := game.ShortfallOf(authorBal, fromAuthor); !sf.Empty() {
			shortfalls[author] = sf
		}
		if len(shortfalls) > 0 {
			return negotiation.Insufficient(state, message, shortfalls)
		}

		accepterBal, err = accepterBal.Debit(fromAccepter)
		if err != nil {
			return err
		}
		authorBal, err = authorBal.Debit(fromAuthor)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalances(ctx, session, accepter, accepterBal.Credit(fromAuthor)); err != nil {
			return err
		}
		return tx.UpdateBalances(ctx, session, author, authorBal.Credit(fromAccepter))
	})
}

func (s *Service) cancel(ctx context.Context, env negotiation.Envelope, m domain.CancelTradeUser) error {
	release, err := s.locker.Acquire(ctx, env.Session, env.Sender, m.Receiver)
	if err != nil {
		return err
	}
	defer release()

	mine, err := s.states.Get(ctx, env.Session, env.Sender)
	if err != nil {
		return err
	}
	nextMine, err := domain.Transition(mine, m)
	if err != nil {
		return err
	}
	if _, idle := mine.(domain.NoTrade); idle {
		if err := s.requireProposalFrom(ctx, env.Session, m.Receiver, env.Sender, mine, m); err != nil {
			return err
		}
	}
	rolledBack, err := s.rollbackCounterpart(ctx, env.Session, env.Sender, m.Receiver, func() error {
		return s.states.Set(ctx, env.Session, env.Sender, nextMine)
	})
	if err != nil {
		return err
	}

	s.scheduler.Cancel(noticeKey(env.Session, env.Sender))
	if rolledBack {
		s.scheduler.Cancel(noticeKey(env.Session, m.Receiver))
	}
	if domain.Committed(mine) {
		s.releaseStatus(ctx, env.Session, env.Sender)
	}
	msgs := []negotiation.Outbound{
		negotiation.ToPlayer(env.Session, env.Sender, TypeCancelled, Cancelled{Canceller: env.Sender}),
	}
	if cp, ok := domain.Counterpart(mine); (ok && cp == m.Receiver) || rolledBack {
		msgs = append(msgs, negotiation.ToPlayer(env.Session, m.Receiver, TypeCancelled, Cancelled{Canceller: env.Sender}))
	}
	s.notify(ctx, msgs...)
	return nil
}

// requireProposalFrom allows an idle player to decline only a proposal that
// is still pending for it.
func (s *Service) requireProposalFrom(ctx context.Context, session game.SessionID, proposer, target game.PlayerID, mine domain.State, m domain.Message) error {
	theirs, err := s.states.Get(ctx, session, proposer)
	if err != nil {
		return err
	}
	if w, ok := theirs.(domain.WaitingForLastProposal); ok && w.Target == target {
		return nil
	}
	return negotiation.Violation(string(mine.Kind()), string(m.Type()), "You are not trading")
}

// rollbackCounterpart mirrors a cancellation by canceller onto counterpart.
// The counterpart is only rolled back when its state names the canceller.
// writeOwn persists the canceller's side; both writes happen or neither.
func (s *Service) rollbackCounterpart(ctx context.Context, session game.SessionID, canceller, counterpart game.PlayerID, writeOwn func() error) (bool, error) {
	theirs, err := s.states.Get(ctx, session, counterpart)
	if err != nil {
		return false, err
	}
	nextTheirs, mirrorErr := domain.Transition(theirs, domain.CancelTradeSystem{Canceller: canceller})
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
	return true, nil
}

// Leave resets a player's trade, rolling back the counterpart if it was
// negotiating with the player.
func (s *Service) Leave(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	current, err := s.states.Get(ctx, session, player)
	if err != nil {
		return err
	}
	cp, paired := domain.Counterpart(current)
	if paired {
		release, err := s.locker.Acquire(ctx, session, player, cp)
		if err != nil {
			return err
		}
		defer release()
		if current, err = s.states.Get(ctx, session, player); err != nil {
			return err
		}
		cp, paired = domain.Counterpart(current)
	}

	rolledBack := false
	if paired {
		rolledBack, err = s.rollbackCounterpart(ctx, session, player, cp, func() error {
			return s.states.Remove(ctx, session, player)
		})
	} else {
		err = s.states.Remove(ctx, session, player)
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

func (s *Service) checkResourceCount(ctx context.Context, env negotiation.Envelope, m domain.Message, bid domain.Bid) error {
	err := bid.CheckResourceCount(s.cfg.Resources)
	if err == nil {
		return nil
	}
	current, getErr := s.states.Get(ctx, env.Session, env.Sender)
	if getErr != nil {
		return getErr
	}
	reason := err.Error()
	if errors.Is(err, domain.ErrWrongResourceCount) {
		reason = "Wrong resource count"
	}
	return negotiation.Violation(string(current.Kind()), string(m.Type()), reason)
}

// mirrorFailed turns a counterpart-side rejection into a rejection of the
// sender's message.
func (s *Service) mirrorFailed(mine domain.State, m domain.Message, other game.PlayerID, err error) error {
	if _, ok := negotiation.AsRejection(err); !ok {
		return err
	}
	return negotiation.Violation(string(mine.Kind()), string(m.Type()), fmt.Sprintf("%s is not trading with you", other))
}

type write struct {
	player game.PlayerID
	prev   domain.State
	next   domain.State
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
				Msg("failed to restore trade state")
		}
	}
}

func (s *Service) releaseStatus(ctx context.Context, session game.SessionID, player game.PlayerID) {
	status, err := s.statuses.Get(ctx, session, player)
	if err == nil && status == game.StatusTradeBusy {
		err = s.statuses.Remove(ctx, session, player)
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("session", string(session)).
			Str("player", string(player)).
			Msg("failed to release trade status")
	}
}

// notify publishes messages after a commit. Failures are logged: the
// negotiation already moved on and must not be replayed.
func (s *Service) notify(ctx context.Context, msgs ...negotiation.Outbound) {
	for _, msg := range msgs {
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Error().Err(err).
				Str("session", string(msg.Session)).
				Str("recipient", string(msg.Recipient)).
				Str("type", msg.Type).
				Msg("failed to publish trade notification")
		}
	}
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
	return "trade/" + string(session) + "/" + string(player)
}

func (s *Service) scheduleNotice(session game.SessionID, proposer, target game.PlayerID) {
	if s.cfg.NoticeDelay <= 0 {
		return
	}
	s.scheduler.Schedule(noticeKey(session, proposer), s.cfg.NoticeDelay, func(ctx context.Context) {
		current, err := s.states.Get(ctx, session, proposer)
		if err != nil {
			s.logger.Warn().Err(err).Str("player", string(proposer)).Msg("proposal notice skipped")
			return
		}
		if w, ok := current.(domain.WaitingForLastProposal); !ok || w.Target != target {
			return
		}
		s.notify(ctx, negotiation.ToPlayer(session, proposer, TypeProposalNotice, ProposalNotice{Target: target}))
	})
}
