package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	D20Rolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d20_rolls_total",
			Help: "D20 rolls recorded, by prize code",
		},
		[]string{"prize_code"},
	)
	D20Redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d20_redemptions_total",
			Help: "D20 prizes marked as used",
		},
		[]string{"variant"},
	)
	BenefitRedemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benefit_redemptions_total",
			Help: "Benefits marked as used",
		},
	)
	AchievementUnlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "achievement_unlocks_total",
			Help: "Achievement unlock records written by reconciliation",
		},
	)
)

// Register adds the domain counters to reg. Call once from main.go.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(D20Rolls, D20Redemptions, BenefitRedemptions, AchievementUnlocks)
}
