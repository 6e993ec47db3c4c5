package tinkoff

import (
	"context"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/rl-trader/internal/broker"
)

type stopOrders struct {
	stopLossID   string
	takeProfitID string
}

func (g *Gateway) placeProtection(ctx context.Context, client *investgo.Client, fill *broker.Fill, stopLoss, takeProfit float64) {
	if g.cfg.Sandbox {
		// stop orders are not supported in sandbox
		g.logger.Info("protective orders skipped in sandbox mode", "ticket", fill.Ticket, "sl", stopLoss, "tp", takeProfit)
		return
	}

	uid, _, _ := parseTicket(fill.Ticket)
	lots := int64(fill.Volume)
	var so stopOrders

	if stopLoss > 0 {
		id, err := g.postStop(ctx, client, uid, lots, fill.Direction, stopLoss, pb.StopOrderType_STOP_ORDER_TYPE_STOP_LOSS)
		if err != nil {
			g.logger.Error("place stop loss", "ticket", fill.Ticket, "price", stopLoss, "error", err)
		}
		so.stopLossID = id
	}
	if takeProfit > 0 {
		id, err := g.postStop(ctx, client, uid, lots, fill.Direction, takeProfit, pb.StopOrderType_STOP_ORDER_TYPE_TAKE_PROFIT)
		if err != nil {
			g.logger.Error("place take profit", "ticket", fill.Ticket, "price", takeProfit, "error", err)
		}
		so.takeProfitID = id
	}

	g.mu.Lock()
	g.stops[fill.Ticket] = append(g.stops[fill.Ticket], so)
	g.mu.Unlock()
}

func (g *Gateway) postStop(ctx context.Context, client *investgo.Client, uid string, lots int64, d broker.Direction, price float64, kind pb.StopOrderType) (string, error) {
	direction := pb.StopOrderDirection_STOP_ORDER_DIRECTION_SELL
	if d == broker.Short {
		direction = pb.StopOrderDirection_STOP_ORDER_DIRECTION_BUY
	}

	svc := client.NewStopOrdersServiceClient()
	resp, err := do(ctx, func() (*investgo.PostStopOrderResponse, error) {
		return svc.PostStopOrder(&investgo.PostStopOrderRequest{
			InstrumentId:   uid,
			Quantity:       lots,
			StopPrice:      floatToQuotation(price),
			Direction:      direction,
			AccountId:      g.accountID(),
			ExpirationType: pb.StopOrderExpirationType_STOP_ORDER_EXPIRATION_TYPE_GOOD_TILL_CANCEL,
			StopOrderType:  kind,
			OrderID:        investgo.CreateUid(),
		})
	})
	if err != nil {
		return "", err
	}
	return resp.GetStopOrderId(), nil
}

// dropProtection cancels the most recent protective pair for ticket.
func (g *Gateway) dropProtection(ctx context.Context, client *investgo.Client, ticket string) {
	g.mu.Lock()
	list := g.stops[ticket]
	if len(list) == 0 {
		g.mu.Unlock()
		return
	}
	so := list[len(list)-1]
	if len(list) == 1 {
		delete(g.stops, ticket)
	} else {
		g.stops[ticket] = list[:len(list)-1]
	}
	g.mu.Unlock()

	for _, id := range []string{so.stopLossID, so.takeProfitID} {
		if id == "" {
			continue
		}
		if err := g.cancelStop(ctx, client, id); err != nil {
			g.logger.Error("cancel stop order", "order_id", id, "error", err)
		}
	}
}

func (g *Gateway) cancelStop(ctx context.Context, client *investgo.Client, id string) error {
	svc := client.NewStopOrdersServiceClient()
	_, err := do(ctx, func() (*investgo.CancelStopOrderResponse, error) {
		return svc.CancelStopOrder(g.accountID(), id)
	})
	return err
}

// CancelOrder cancels a resting stop order. Market orders fill immediately
// and have nothing to cancel.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if g.cfg.Sandbox {
		return nil
	}
	client, err := g.conn()
	if err != nil {
		return err
	}
	return g.cancelStop(ctx, client, orderID)
}

func floatToQuotation(value float64) *pb.Quotation {
	units := int64(value)
	nano := int32((value - float64(units)) * 1e9)
	return &pb.Quotation{Units: units, Nano: nano}
}
