package engagement

import (
	"math"
	"time"
)

const (
	WarmThreshold = 100
	HotThreshold  = 500

	SpamPenalty = -100

	DecayPeriod = 7 * 24 * time.Hour
)

var intentBase = map[Intent]int64{
	IntentPurchase:        50,
	IntentPricingInquiry:  20,
	IntentShippingInquiry: 15,
	IntentServiceInquiry:  15,
	IntentGeneralComment:  5,
	IntentComplaint:       0,
	IntentGeneral:         0,
}

// ratio is an exact rational factor; DM weight 2.5 is {5, 2}.
type ratio struct{ num, den int64 }

var channelWeight = map[InteractionType]ratio{
	InteractionDM:      {5, 2},
	InteractionComment: {1, 1},
}

var sentimentMultiplier = map[Sentiment]ratio{
	SentimentPositive: {1, 1},
	SentimentNeutral:  {1, 1},
	SentimentNegative: {-1, 2},
}

// ScoreSignal is the input of CalculateIncrement. Confidence is 0..100.
type ScoreSignal struct {
	Intent     Intent
	Confidence int
	Sentiment  Sentiment
	Type       InteractionType
}

// CalculateIncrement returns base(intent) * confidence/100 * channelWeight *
// sentimentMultiplier truncated toward zero. Spam is always SpamPenalty.
// Unknown intents score 0, unknown channels and sentiments weigh 1.
func CalculateIncrement(s ScoreSignal) int {
	if s.Intent == IntentSpam {
		return SpamPenalty
	}

	base := intentBase[s.Intent]
	confidence := int64(s.Confidence)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	w, ok := channelWeight[s.Type]
	if !ok {
		w = ratio{1, 1}
	}
	m, ok := sentimentMultiplier[s.Sentiment]
	if !ok {
		m = ratio{1, 1}
	}

	// Integer division in Go truncates toward zero: -62.5 becomes -62.
	num := base * confidence * w.num * m.num
	den := int64(100) * w.den * m.den
	return int(num / den)
}

// DecayPeriods counts the full DecayPeriod windows between lastActivityAt and
// now. A zero lastActivityAt or a future timestamp yields 0.
func DecayPeriods(lastActivityAt time.Time, now time.Time) int {
	if lastActivityAt.IsZero() || !now.After(lastActivityAt) {
		return 0
	}
	days := int64(now.Sub(lastActivityAt) / (24 * time.Hour))
	return int(days / 7)
}

// ApplyDecayPeriods halves score once per period, rounding toward zero, so a
// non-negative score never goes negative and a negative one never grows.
func ApplyDecayPeriods(score int, periods int) int {
	if periods <= 0 || score == 0 {
		return score
	}
	if periods >= 63 {
		return 0
	}
	decayed := float64(score) * math.Pow(0.5, float64(periods))
	if decayed >= 0 {
		return int(math.Floor(decayed))
	}
	return int(math.Ceil(decayed))
}

// CalculateDecayedScore returns currentScore * 0.5^floor(daysSince/7).
func CalculateDecayedScore(currentScore int, lastActivityAt time.Time, now time.Time) int {
	return ApplyDecayPeriods(currentScore, DecayPeriods(lastActivityAt, now))
}

func DetermineStatus(score int) Status {
	switch {
	case score >= HotThreshold:
		return StatusHot
	case score >= WarmThreshold:
		return StatusWarm
	default:
		return StatusCold
	}
}
