package policy

// RewardConfig shapes the scalar reward attached to logged experience.
type RewardConfig struct {
	Scale       float64
	RiskPenalty float64
	HoldPenalty float64
	TradeCost   float64
}

// TradeReward scores a closed trade. Flattening forced by the risk
// manager costs an extra penalty on top of the realized profit.
func (r RewardConfig) TradeReward(profit float64, riskFlatten bool) float64 {
	reward := profit*r.Scale - r.TradeCost
	if riskFlatten {
		reward -= r.RiskPenalty
	}
	return reward
}

func (r RewardConfig) HoldReward() float64 {
	return -r.HoldPenalty
}
