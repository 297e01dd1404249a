package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-chat-trader/internal/account"
	"hl-chat-trader/internal/alerts"
	"hl-chat-trader/internal/command"
	"hl-chat-trader/internal/exec"
	"hl-chat-trader/internal/hl/exchange"
	"hl-chat-trader/internal/monitor"
	"hl-chat-trader/internal/order"
	"hl-chat-trader/internal/server"
	"hl-chat-trader/internal/session"
	"hl-chat-trader/internal/state"
	"hl-chat-trader/internal/users"

	"go.uber.org/zap"
)

const chatOffsetKey = "telegram:chat:last_update_id"

type Chat interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
	SendTo(ctx context.Context, chatID int64, message string) error
	SendChoices(ctx context.Context, chatID int64, message string, rows [][]string) error
}

type Sessions interface {
	Get(ctx context.Context, userID string) (session.Session, bool, error)
	Start(ctx context.Context, userID string) (session.Session, error)
	Prepare(ctx context.Context, userID string, intent order.Intent) (session.Session, error)
	Apply(ctx context.Context, userID string, ev session.Event) (session.Session, error)
	Cancel(ctx context.Context, userID string) error
	Confirm(ctx context.Context, userID string) (session.Outcome, error)
	ResumePending(ctx context.Context, userID string) (session.Outcome, error)
}

// Trader is the part of the execution client the chat drives directly.
type Trader interface {
	ClosePosition(ctx context.Context, agent exchange.Agent) exec.Result
	ClosePartialPosition(ctx context.Context, agent exchange.Agent, fraction float64) exec.Result
	CancelAllOrders(ctx context.Context, agent exchange.Agent) exec.BatchResult
	Limits() order.Limits
}

type Directory interface {
	Get(ctx context.Context, userID string) (users.Account, error)
}

type Positions interface {
	Snapshot(ctx context.Context, wallet string) (account.Snapshot, error)
}

type reply struct {
	text    string
	choices [][]string
}

// ChatBot turns chat messages into session and execution calls. It also
// resumes parked orders when the authorization webhook fires.
type ChatBot struct {
	chat      Chat
	store     state.Store
	sessions  Sessions
	trader    Trader
	users     Directory
	positions Positions
	asset     string
	poll      time.Duration
	log       *zap.Logger
	warned    bool

	resumeTimeout time.Duration
}

// DefaultResumeTimeout bounds a resumed order when the caller does not pass
// an execution budget.
const DefaultResumeTimeout = 3 * time.Minute

func NewChatBot(chat Chat, store state.Store, sessions Sessions, trader Trader, dir Directory, positions Positions, asset string, poll time.Duration, log *zap.Logger) *ChatBot {
	if poll <= 0 {
		poll = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatBot{
		chat:      chat,
		store:     store,
		sessions:  sessions,
		trader:    trader,
		users:     dir,
		positions: positions,
		asset:     asset,
		poll:      poll,
		log:       log,

		resumeTimeout: DefaultResumeTimeout,
	}
}

// SetResumeTimeout bounds how long a resumed order may run once the
// authorization webhook has handed it over.
func (b *ChatBot) SetResumeTimeout(d time.Duration) {
	if d > 0 {
		b.resumeTimeout = d
	}
}

func (b *ChatBot) Run(ctx context.Context) error {
	offset := b.loadOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		updates, err := b.chat.GetUpdates(ctx, offset, b.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logPollError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.poll):
			}
			continue
		}
		if b.warned {
			b.log.Info("telegram chat recovered")
			b.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				b.saveOffset(ctx, offset)
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *ChatBot) handleUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	out := b.respond(ctx, userID, msg.Text)
	if out.text == "" {
		return
	}
	var err error
	if len(out.choices) > 0 {
		err = b.chat.SendChoices(ctx, msg.Chat.ID, out.text, out.choices)
	} else {
		err = b.chat.SendTo(ctx, msg.Chat.ID, out.text)
	}
	if err != nil {
		b.log.Warn("chat reply failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (b *ChatBot) respond(ctx context.Context, userID, text string) reply {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return reply{}
	}
	if cmd, _, ok := parseChatCommand(trimmed); ok {
		switch cmd {
		case "start", "help":
			return reply{text: helpText()}
		case "trade":
			if _, err := b.sessions.Start(ctx, userID); err != nil {
				return b.failure(userID, err)
			}
			return b.prompt(session.StepSelectSide, order.Intent{})
		case "cancel":
			return b.cancelSession(ctx, userID)
		case "confirm":
			return b.confirm(ctx, userID)
		case "position":
			return b.position(ctx, userID)
		case "cancelorders":
			return b.cancelOrders(ctx, userID)
		case "close":
			return b.close(ctx, userID, strings.TrimPrefix(trimmed, "/"))
		default:
			return reply{text: helpText()}
		}
	}
	lower := strings.ToLower(trimmed)
	switch lower {
	case "cancel":
		return b.cancelSession(ctx, userID)
	case "confirm", "yes":
		return b.confirm(ctx, userID)
	}
	if command.IsClose(lower) {
		return b.close(ctx, userID, trimmed)
	}
	s, ok, err := b.sessions.Get(ctx, userID)
	if err != nil {
		return b.failure(userID, err)
	}
	if ok && s.Step != session.StepIdle && s.Step != session.StepConfirm {
		return b.step(ctx, userID, s.Step, lower)
	}
	return b.trade(ctx, userID, trimmed)
}

func parseChatCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats suffix commands with the bot name.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (b *ChatBot) trade(ctx context.Context, userID, text string) reply {
	cmd, err := command.Parse(text, b.trader.Limits())
	if err != nil {
		var invalid *order.ValidationError
		if errors.As(err, &invalid) {
			return b.failure(userID, err)
		}
		return reply{text: "I didn't understand that. Try \"long $100 5x\", \"short $50 3x limit 2800\", \"close half\" or /trade."}
	}
	switch c := cmd.(type) {
	case command.TradeCommand:
		s, err := b.sessions.Prepare(ctx, userID, c.Intent)
		if err != nil {
			return b.failure(userID, err)
		}
		return b.prompt(s.Step, s.Draft)
	case command.CloseCommand:
		return b.closeFraction(ctx, userID, c.Fraction)
	}
	return reply{text: helpText()}
}

func (b *ChatBot) step(ctx context.Context, userID string, step session.Step, text string) reply {
	ev, hint := stepEvent(step, text)
	if hint != "" {
		return reply{text: hint, choices: b.prompt(step, order.Intent{}).choices}
	}
	s, err := b.sessions.Apply(ctx, userID, ev)
	if err != nil {
		return b.failure(userID, err)
	}
	return b.prompt(s.Step, s.Draft)
}

// stepEvent reads the answer to the question asked at step. A non-empty
// hint means the answer could not be read.
func stepEvent(step session.Step, text string) (session.Event, string) {
	switch step {
	case session.StepSelectSide:
		switch text {
		case "long", "buy":
			return session.SideEvent(order.SideLong), ""
		case "short", "sell":
			return session.SideEvent(order.SideShort), ""
		}
		return session.Event{}, "Reply long or short."
	case session.StepSelectSize:
		raw := strings.NewReplacer("$", "", ",", "", "usd", "").Replace(text)
		size, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return session.Event{}, "Send a dollar amount, e.g. $100."
		}
		return session.SizeEvent(size), ""
	case session.StepSelectLeverage:
		raw := strings.TrimSuffix(strings.TrimSpace(text), "x")
		lev, err := strconv.Atoi(raw)
		if err != nil {
			return session.Event{}, "Send a whole leverage, e.g. 5x."
		}
		return session.LeverageEvent(lev), ""
	case session.StepSelectType:
		fields := strings.Fields(text)
		if len(fields) == 1 && fields[0] == "market" {
			return session.TypeEvent(order.TypeMarket, 0), ""
		}
		if len(fields) == 2 && fields[0] == "limit" {
			price, err := strconv.ParseFloat(strings.TrimPrefix(fields[1], "$"), 64)
			if err == nil {
				return session.TypeEvent(order.TypeLimit, price), ""
			}
		}
		return session.Event{}, "Reply market, or limit followed by a price, e.g. limit 2800."
	}
	return session.Event{}, "Nothing to answer right now. Start with /trade."
}

func (b *ChatBot) prompt(step session.Step, draft order.Intent) reply {
	limits := b.trader.Limits()
	switch step {
	case session.StepSelectSide:
		return reply{text: "Long or short?", choices: [][]string{{"long", "short"}, {"cancel"}}}
	case session.StepSelectSize:
		return reply{
			text:    fmt.Sprintf("How much in USD? Minimum $%g.", limits.MinSizeUSD),
			choices: [][]string{{"$50", "$100", "$500"}, {"cancel"}},
		}
	case session.StepSelectLeverage:
		var row []string
		for _, lev := range []int{2, 5, 10, 20} {
			if lev <= limits.MaxLeverage {
				row = append(row, fmt.Sprintf("%dx", lev))
			}
		}
		return reply{
			text:    fmt.Sprintf("Leverage? 1x to %dx.", limits.MaxLeverage),
			choices: [][]string{row, {"cancel"}},
		}
	case session.StepSelectType:
		return reply{
			text:    "Market or limit? For a limit order send: limit <price>",
			choices: [][]string{{"market"}, {"cancel"}},
		}
	case session.StepConfirm:
		return reply{
			text:    fmt.Sprintf("%s %s\nmargin $%.2f\nConfirm?", b.asset, draft, draft.Margin()),
			choices: [][]string{{"confirm", "cancel"}},
		}
	}
	return reply{text: helpText()}
}

func (b *ChatBot) confirm(ctx context.Context, userID string) reply {
	out, err := b.sessions.Confirm(ctx, userID)
	if err != nil {
		return b.failure(userID, err)
	}
	switch {
	case out.Deferred:
		return reply{text: fmt.Sprintf("Your order is on hold: %s. Complete the authorization and it will be placed automatically.", out.Result.Err.Reason)}
	case out.Result.OK():
		return reply{text: b.renderResult(out.Intent, out.Result)}
	case out.Result.Err.Transient():
		return reply{text: upperFirst(out.Result.Err.Reason) + ". Reply confirm to try again.", choices: [][]string{{"confirm", "cancel"}}}
	default:
		return reply{text: "Order failed: " + out.Result.Err.Reason}
	}
}

func (b *ChatBot) renderResult(intent order.Intent, res exec.Result) string {
	switch res.Outcome {
	case exec.OutcomeFilled:
		return fmt.Sprintf("Filled: %s %s %s at %s (%dx).", intent.Side, formatSize(res.Size), b.asset, formatPrice(res.AvgPrice), intent.Leverage)
	case exec.OutcomeResting:
		return fmt.Sprintf("Limit order placed: %s %s at %s, order id %d.", intent.Side, b.asset, formatPrice(intent.LimitPrice), res.OrderID)
	}
	return fmt.Sprintf("Order %s.", res.Outcome)
}

func (b *ChatBot) cancelSession(ctx context.Context, userID string) reply {
	if err := b.sessions.Cancel(ctx, userID); err != nil {
		return b.failure(userID, err)
	}
	return reply{text: "Cancelled."}
}

func (b *ChatBot) close(ctx context.Context, userID, text string) reply {
	cmd, err := command.Parse(text, b.trader.Limits())
	if err != nil {
		return reply{text: "Use close, close half, close all or close 25%."}
	}
	c, ok := cmd.(command.CloseCommand)
	if !ok {
		return reply{text: "Use close, close half, close all or close 25%."}
	}
	return b.closeFraction(ctx, userID, c.Fraction)
}

func (b *ChatBot) closeFraction(ctx context.Context, userID string, fraction float64) reply {
	acct, err := b.users.Get(ctx, userID)
	if err != nil {
		return b.failure(userID, err)
	}
	var res exec.Result
	if fraction >= 1 {
		res = b.trader.ClosePosition(ctx, acct.Agent())
	} else {
		res = b.trader.ClosePartialPosition(ctx, acct.Agent(), fraction)
	}
	if !res.OK() {
		return reply{text: "Close failed: " + res.Err.Reason}
	}
	if res.Outcome == exec.OutcomeFilled {
		return reply{text: fmt.Sprintf("Closed %s %s at %s.", formatSize(res.Size), b.asset, formatPrice(res.AvgPrice))}
	}
	return reply{text: fmt.Sprintf("Close order placed, order id %d.", res.OrderID)}
}

func (b *ChatBot) cancelOrders(ctx context.Context, userID string) reply {
	acct, err := b.users.Get(ctx, userID)
	if err != nil {
		return b.failure(userID, err)
	}
	batch := b.trader.CancelAllOrders(ctx, acct.Agent())
	if batch.Err != nil {
		return reply{text: "Could not list open orders: " + batch.Err.Reason}
	}
	if len(batch.Results) == 0 {
		return reply{text: "No open orders."}
	}
	if failed := batch.Failed(); failed > 0 {
		return reply{text: fmt.Sprintf("Cancelled %d of %d orders, %d failed.", batch.Cancelled(), len(batch.Results), failed)}
	}
	return reply{text: fmt.Sprintf("Cancelled %d orders.", batch.Cancelled())}
}

func (b *ChatBot) position(ctx context.Context, userID string) reply {
	acct, err := b.users.Get(ctx, userID)
	if err != nil {
		return b.failure(userID, err)
	}
	snap, err := b.positions.Snapshot(ctx, acct.WalletAddress.Hex())
	if err != nil {
		return b.failure(userID, exec.Classify(err))
	}
	if snap.Position == nil {
		return reply{text: fmt.Sprintf("No open %s position. Account value $%.2f.", b.asset, snap.Balance.AccountValue)}
	}
	return reply{text: monitor.Digest(b.asset, snap)}
}

// AuthorizationCompleted resumes the user's parked order and tells them
// how it went. The order runs detached from ctx so a webhook caller that
// hangs up cannot cancel it halfway through.
func (b *ChatBot) AuthorizationCompleted(ctx context.Context, userID, kind string) (server.Resolution, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.resumeTimeout)
	defer cancel()
	log := b.log.With(zap.String("user_id", userID), zap.String("kind", kind))

	out, err := b.sessions.ResumePending(ctx, userID)
	switch {
	case errors.Is(err, session.ErrNoPendingOrder):
		return server.Resolution{Status: "no_pending", Detail: "no order was waiting on authorization"}, nil
	case errors.Is(err, session.ErrPendingKept):
		log.Warn("resume deferred", zap.Error(err))
		msg := "Authorization received, but your order could not be sent yet. It is still on hold and will be retried on the next authorization."
		b.notify(ctx, userID, msg)
		return server.Resolution{Status: "kept", Detail: msg}, nil
	case err != nil:
		log.Error("resume failed", zap.Error(err))
		b.notify(ctx, userID, "Authorization received, but your held order could not be reached right now. Please try again shortly.")
		return server.Resolution{}, err
	}
	var msg string
	if out.Result.OK() {
		msg = "Authorization received. " + b.renderResult(out.Intent, out.Result)
	} else {
		msg = "Authorization received, but the order failed: " + out.Result.Err.Reason
	}
	log.Info("pending order resumed", zap.String("outcome", string(out.Result.Outcome)))
	b.notify(ctx, userID, msg)
	return server.Resolution{Status: string(out.Result.Outcome), Detail: msg}, nil
}

func (b *ChatBot) notify(ctx context.Context, userID, msg string) {
	if b.chat == nil {
		return
	}
	acct, err := b.users.Get(ctx, userID)
	if err != nil {
		b.log.Warn("notify lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if acct.ChatID == 0 {
		return
	}
	if err := b.chat.SendTo(ctx, acct.ChatID, msg); err != nil && !errors.Is(err, alerts.ErrDisabled) {
		b.log.Warn("notify failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (b *ChatBot) failure(userID string, err error) reply {
	var invalid *order.ValidationError
	var execErr *exec.Error
	switch {
	case errors.As(err, &invalid):
		return reply{text: upperFirst(invalid.Reason) + "."}
	case errors.Is(err, users.ErrNotFound):
		return reply{text: "This chat is not linked to a wallet yet."}
	case errors.Is(err, session.ErrNoSession):
		return reply{text: "Nothing to confirm. Start with /trade or type an order like \"long $100 5x\"."}
	case errors.Is(err, session.ErrUnexpected):
		return reply{text: "Finish the current order first, or reply cancel."}
	case errors.Is(err, session.ErrBusy):
		return reply{text: "Still working on your previous request."}
	case errors.As(err, &execErr):
		return reply{text: upperFirst(execErr.Reason) + "."}
	}
	b.log.Warn("chat request failed", zap.String("user_id", userID), zap.Error(err))
	return reply{text: "Something went wrong, please try again."}
}

func (b *ChatBot) logPollError(err error) {
	if b.warned {
		return
	}
	b.warned = true
	b.log.Warn("telegram chat poll failed", zap.Error(err))
}

func (b *ChatBot) loadOffset(ctx context.Context) int64 {
	if b.store == nil {
		return 0
	}
	raw, ok, err := b.store.Get(ctx, chatOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (b *ChatBot) saveOffset(ctx context.Context, offset int64) {
	if b.store == nil {
		return
	}
	if err := b.store.Set(ctx, chatOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		b.log.Debug("chat offset save failed", zap.Error(err))
	}
}

func helpText() string {
	return strings.Join([]string{
		"commands:",
		"/trade - step-by-step order",
		"long $100 5x - market order in one line",
		"short $50 3x limit 2800 - limit order",
		"close, close half, close 25% - reduce your position",
		"/position - current position",
		"/cancelorders - cancel all open orders",
		"cancel - drop the order in progress",
	}, "\n")
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatSize(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
