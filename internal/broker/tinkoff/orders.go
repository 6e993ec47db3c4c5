package tinkoff

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/rl-trader/internal/broker"
)

// Tinkoff nets positions per instrument, so a ticket names the instrument
// and side rather than a single fill.
func ticket(uid string, d broker.Direction) string {
	return uid + "/" + string(d)
}

func parseTicket(t string) (uid string, d broker.Direction, err error) {
	uid, side, ok := strings.Cut(t, "/")
	if !ok || !broker.Direction(side).Valid() {
		return "", "", fmt.Errorf("malformed ticket %q", t)
	}
	return uid, broker.Direction(side), nil
}

func (g *Gateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Fill, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	uid, err := g.uidFor(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	lots := int64(math.Floor(req.Volume))
	if lots < 1 {
		return nil, broker.Rejected(fmt.Sprintf("volume %.4f is below one lot", req.Volume))
	}

	orderID := req.ClientID
	if orderID == "" {
		orderID = investgo.CreateUid()
	}

	resp, err := g.postMarket(ctx, client, uid, lots, req.Direction, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s order: %w", req.Direction, err)
	}
	if resp.GetLotsExecuted() == 0 {
		return nil, broker.Rejected("market order was not executed")
	}

	fill := &broker.Fill{
		OrderID:   resp.GetOrderId(),
		Ticket:    ticket(uid, req.Direction),
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Requested: float64(lots),
		Volume:    float64(resp.GetLotsExecuted()),
		Time:      time.Now(),
	}
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		fill.Price = ep.ToFloat()
	}

	g.placeProtection(ctx, client, fill, req.StopLoss, req.TakeProfit)
	return fill, nil
}

func (g *Gateway) postMarket(ctx context.Context, client *investgo.Client, uid string, lots int64, d broker.Direction, orderID string) (*investgo.PostOrderResponse, error) {
	direction := pb.OrderDirection_ORDER_DIRECTION_BUY
	if d == broker.Short {
		direction = pb.OrderDirection_ORDER_DIRECTION_SELL
	}

	req := &investgo.PostOrderRequestShort{
		InstrumentId: uid,
		Quantity:     lots,
		AccountId:    g.accountID(),
		OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
		OrderId:      orderID,
	}

	return do(ctx, func() (*investgo.PostOrderResponse, error) {
		if g.cfg.Sandbox {
			sandbox := client.NewSandboxServiceClient()
			return sandbox.PostSandboxOrder(&investgo.PostOrderRequest{
				InstrumentId: req.InstrumentId,
				Quantity:     req.Quantity,
				Direction:    direction,
				AccountId:    req.AccountId,
				OrderType:    req.OrderType,
				OrderId:      req.OrderId,
			})
		}
		orders := client.NewOrdersServiceClient()
		if d == broker.Short {
			return orders.Sell(req)
		}
		return orders.Buy(req)
	})
}

// ClosePosition flattens up to ref.Volume lots of the netted position. When
// nothing is held any more it reports the last traded price as the close.
func (g *Gateway) ClosePosition(ctx context.Context, ref broker.PositionRef) (*broker.CloseResult, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	uid, dir, err := parseTicket(ref.Ticket)
	if err != nil {
		return nil, err
	}

	positions, err := g.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	var held *broker.Position
	for i := range positions {
		if positions[i].Ticket == ref.Ticket {
			held = &positions[i]
			break
		}
	}

	if held == nil {
		price, err := g.lastPrice(ctx, client, uid)
		if err != nil {
			return nil, err
		}
		g.dropProtection(ctx, client, ref.Ticket)
		return &broker.CloseResult{Ticket: ref.Ticket, Price: price, Time: time.Now(), AlreadyClosed: true}, nil
	}

	lots := int64(math.Round(held.Volume))
	if ref.Volume > 0 && int64(math.Round(ref.Volume)) < lots {
		lots = int64(math.Round(ref.Volume))
	}

	resp, err := g.postMarket(ctx, client, uid, lots, dir.Opposite(), investgo.CreateUid())
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", ref.Ticket, err)
	}
	g.dropProtection(ctx, client, ref.Ticket)

	result := &broker.CloseResult{Ticket: ref.Ticket, Time: time.Now()}
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		result.Price = ep.ToFloat()
	}
	return result, nil
}
