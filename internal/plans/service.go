// Package plans implements the conditional next-day order state machine:
// AI recommendations become pending plans, which the next session either
// price-triggers into simulated executions or expires.
package plans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// shiftDate moves a YYYY-MM-DD date by n days.
func shiftDate(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}

// budgetPerBuy is the notional allocated to one buy plan.
const budgetPerBuy = 100000

// lotSize is the A-share board lot.
const lotSize = 100

// defaultReducePct is applied when a reduce recommendation omits sell_pct.
const defaultReducePct = 50

// MarketCalendar resolves trading days.
type MarketCalendar interface {
	NextTradingDay(ctx context.Context, date string) (string, error)
}

// PriceSource supplies local OHLCV bars.
type PriceSource interface {
	DailyBars(ctx context.Context, code, start, end string, localOnly bool) ([]domain.DailyBar, error)
}

// Service drives plan creation and execution.
type Service struct {
	repo     *Repository
	calendar MarketCalendar
	prices   PriceSource
	log      zerolog.Logger
}

// NewService wires a trade plan service.
func NewService(repo *Repository, calendar MarketCalendar, prices PriceSource, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		calendar: calendar,
		prices:   prices,
		log:      log.With().Str("component", "plans").Logger(),
	}
}

// CreateFromRecommendations materializes pending plans for the next
// trading day after reportDate. Buys size a round lot from the budget;
// sells require a holding and clamp to it; holds record an informational
// trade row. Re-running for the same report upserts rather than
// duplicating.
func (s *Service) CreateFromRecommendations(ctx context.Context, recs []domain.Recommendation, reportDate string) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	planDate, err := s.calendar.NextTradingDay(ctx, reportDate)
	if err != nil {
		return 0, fmt.Errorf("resolve next trading day: %w", err)
	}

	created := 0
	for i := range recs {
		rec := &recs[i]
		var err error
		switch rec.Action {
		case "buy":
			err = s.createBuyPlan(ctx, rec, reportDate, planDate)
		case "sell", "reduce":
			err = s.createSellPlan(rec, planDate)
		case "hold":
			err = s.repo.InsertTrade(&domain.BotTrade{
				Code:      rec.StockCode,
				Name:      rec.StockName,
				Action:    "hold",
				TradeDate: planDate,
				Reason:    rec.Reason,
			})
		default:
			s.log.Warn().Str("action", rec.Action).Str("code", rec.StockCode).Msg("unknown recommendation action")
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("code", rec.StockCode).Str("action", rec.Action).Msg("plan creation failed")
			continue
		}
		created++
	}
	return created, nil
}

func (s *Service) createBuyPlan(ctx context.Context, rec *domain.Recommendation, reportDate, planDate string) error {
	price := 0.0
	if rec.EntryPrice != nil && *rec.EntryPrice > 0 {
		price = *rec.EntryPrice
	} else {
		close, err := s.priorClose(ctx, rec.StockCode, reportDate)
		if err != nil {
			return fmt.Errorf("no prior close for %s: %w", rec.StockCode, err)
		}
		price = close
	}

	quantity := int64(math.Floor(budgetPerBuy/price/lotSize)) * lotSize
	if quantity <= 0 {
		quantity = lotSize
	}

	return s.repo.UpsertPlan(&domain.TradePlan{
		Code:      rec.StockCode,
		Name:      rec.StockName,
		Direction: "buy",
		PlanPrice: price,
		Quantity:  quantity,
		PlanDate:  planDate,
		Reason:    rec.Reason,
	})
}

func (s *Service) createSellPlan(rec *domain.Recommendation, planDate string) error {
	pos, err := s.repo.Position(rec.StockCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("sell recommendation without holding: %s", rec.StockCode)
		}
		return err
	}

	sellPct := rec.SellPct
	if rec.Action == "sell" {
		sellPct = 100
	} else if sellPct <= 0 {
		sellPct = defaultReducePct
	}

	quantity := int64(math.Floor(float64(pos.Quantity)*sellPct/100/lotSize)) * lotSize
	if quantity <= 0 {
		quantity = lotSize
	}
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}

	price := pos.AvgCost
	if rec.Target != nil && *rec.Target > 0 {
		price = *rec.Target
	} else if rec.EntryPrice != nil && *rec.EntryPrice > 0 {
		price = *rec.EntryPrice
	}

	return s.repo.UpsertPlan(&domain.TradePlan{
		Code:      rec.StockCode,
		Name:      pos.Name,
		Direction: "sell",
		PlanPrice: price,
		Quantity:  quantity,
		SellPct:   sellPct,
		PlanDate:  planDate,
		Reason:    rec.Reason,
	})
}

// priorClose returns the last close on or before date.
func (s *Service) priorClose(ctx context.Context, code, date string) (float64, error) {
	bars, err := s.prices.DailyBars(ctx, code, shiftDate(date, -30), date, true)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, errors.New("no local bars")
	}
	return bars[len(bars)-1].Close, nil
}

// ExecutePending walks every pending plan due on or before tradeDate.
// Missed days and data gaps expire; achievable prices execute into the
// simulated portfolio.
func (s *Service) ExecutePending(ctx context.Context, tradeDate string) (executed, expired int, err error) {
	pending, err := s.repo.PendingPlans(tradeDate)
	if err != nil {
		return 0, 0, err
	}

	for i := range pending {
		p := &pending[i]

		if p.PlanDate < tradeDate {
			s.expire(p, "missed planned day")
			expired++
			continue
		}

		bar, ok := s.dayBar(ctx, p.Code, tradeDate)
		if !ok {
			s.expire(p, "no OHLC data on plan day")
			expired++
			continue
		}

		triggered := (p.Direction == "buy" && bar.Low <= p.PlanPrice) ||
			(p.Direction == "sell" && bar.High >= p.PlanPrice)
		if !triggered {
			s.expire(p, "price not reached")
			expired++
			continue
		}

		var execErr error
		if p.Direction == "buy" {
			execErr = s.executeBuy(p, tradeDate)
		} else {
			execErr = s.executeSell(p, tradeDate)
		}
		if execErr != nil {
			s.log.Warn().Err(execErr).Str("code", p.Code).Str("direction", p.Direction).Msg("plan declined")
			s.expire(p, execErr.Error())
			expired++
			continue
		}

		if err := s.repo.MarkExecuted(p.ID, p.PlanPrice); err != nil {
			s.log.Error().Err(err).Int64("plan_id", p.ID).Msg("mark plan executed")
		}
		executed++
	}
	return executed, expired, nil
}

func (s *Service) expire(p *domain.TradePlan, reason string) {
	if err := s.repo.MarkExpired(p.ID, reason); err != nil {
		s.log.Error().Err(err).Int64("plan_id", p.ID).Msg("mark plan expired")
	}
}

func (s *Service) dayBar(ctx context.Context, code, date string) (*domain.DailyBar, bool) {
	bars, err := s.prices.DailyBars(ctx, code, date, date, true)
	if err != nil || len(bars) == 0 {
		return nil, false
	}
	return &bars[0], true
}

// executeBuy fills a buy plan: refuses a second same-code buy on the same
// day, then creates or averages into the holding.
func (s *Service) executeBuy(p *domain.TradePlan, tradeDate string) error {
	bought, err := s.repo.HasTrade(p.Code, "buy", tradeDate)
	if err != nil {
		return err
	}
	if bought {
		return errors.New("already bought today")
	}

	if err := s.repo.InsertTrade(&domain.BotTrade{
		Code:      p.Code,
		Name:      p.Name,
		Action:    "buy",
		Price:     p.PlanPrice,
		Quantity:  p.Quantity,
		Amount:    p.PlanPrice * float64(p.Quantity),
		TradeDate: tradeDate,
		Reason:    p.Reason,
	}); err != nil {
		return err
	}

	pos, err := s.repo.Position(p.Code)
	switch {
	case errors.Is(err, ErrNotFound):
		pos = &domain.BotPosition{
			Code:     p.Code,
			Name:     p.Name,
			Quantity: p.Quantity,
			AvgCost:  p.PlanPrice,
			OpenedAt: tradeDate,
		}
	case err != nil:
		return err
	default:
		totalCost := pos.AvgCost*float64(pos.Quantity) + p.PlanPrice*float64(p.Quantity)
		pos.Quantity += p.Quantity
		pos.AvgCost = totalCost / float64(pos.Quantity)
	}
	return s.repo.SavePosition(pos)
}

// executeSell fills a sell plan: requires a holding, refuses T+0, clamps
// to the held quantity, and closes out with a review on full exit.
func (s *Service) executeSell(p *domain.TradePlan, tradeDate string) error {
	pos, err := s.repo.Position(p.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.New("no holding to sell")
		}
		return err
	}

	boughtToday, err := s.repo.HasTrade(p.Code, "buy", tradeDate)
	if err != nil {
		return err
	}
	if boughtToday {
		return errors.New("T+1 rule: cannot sell shares bought today")
	}

	quantity := p.Quantity
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}
	if quantity <= 0 {
		return errors.New("zero sell quantity")
	}

	if err := s.repo.InsertTrade(&domain.BotTrade{
		Code:      p.Code,
		Name:      pos.Name,
		Action:    "sell",
		Price:     p.PlanPrice,
		Quantity:  quantity,
		Amount:    p.PlanPrice * float64(quantity),
		TradeDate: tradeDate,
		Reason:    p.Reason,
	}); err != nil {
		return err
	}

	remaining := pos.Quantity - quantity
	if remaining > 0 {
		pos.Quantity = remaining
		return s.repo.SavePosition(pos)
	}

	// Full exit: the review is written exactly once, alongside the
	// position delete.
	pnlValue := (p.PlanPrice - pos.AvgCost) * float64(quantity)
	pnlPct := 0.0
	if pos.AvgCost > 0 {
		pnlPct = (p.PlanPrice - pos.AvgCost) / pos.AvgCost * 100
	}
	if err := s.repo.InsertReview(&domain.TradeReview{
		Code:      pos.Code,
		Name:      pos.Name,
		OpenedAt:  pos.OpenedAt,
		ClosedAt:  tradeDate,
		AvgCost:   pos.AvgCost,
		ExitPrice: p.PlanPrice,
		Quantity:  quantity,
		PnlPct:    pnlPct,
		PnlValue:  pnlValue,
	}); err != nil {
		return err
	}
	return s.repo.DeletePosition(pos.Code)
}
