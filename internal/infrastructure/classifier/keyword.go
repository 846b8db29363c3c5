package classifier

import (
	"context"
	"strings"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/ports"
)

const keywordModelVersion = "keyword-v1"

type keywordRule struct {
	intent   engagement.Intent
	keywords []string
}

// Order matters: the first matching rule wins.
var keywordRules = []keywordRule{
	{engagement.IntentSpam, []string{"free followers", "crypto", "click my link", "dm for promo"}},
	{engagement.IntentComplaint, []string{"refund", "broken", "terrible", "worst", "never arrived", "scam"}},
	{engagement.IntentPurchase, []string{"buy", "order", "purchase", "i want", "i'll take", "checkout"}},
	{engagement.IntentPricingInquiry, []string{"price", "how much", "cost", "discount", "$"}},
	{engagement.IntentShippingInquiry, []string{"shipping", "delivery", "ship to", "arrive"}},
	{engagement.IntentServiceInquiry, []string{"appointment", "booking", "available", "open", "schedule"}},
}

var (
	positiveWords = []string{"love", "great", "amazing", "thanks", "thank you", "beautiful", "perfect"}
	negativeWords = []string{"hate", "bad", "terrible", "worst", "angry", "disappointed", "broken"}
)

// Keyword is the offline classifier used when no model provider is
// configured.
type Keyword struct{}

var _ ports.Classifier = Keyword{}

func (Keyword) Classify(ctx context.Context, text string, _ engagement.ClassifyContext) (engagement.Classification, error) {
	if err := ctx.Err(); err != nil {
		return engagement.Classification{}, err
	}
	lower := strings.ToLower(text)

	out := engagement.Classification{
		Intent:       engagement.IntentGeneralComment,
		Sentiment:    engagement.SentimentNeutral,
		Confidence:   40,
		ModelVersion: keywordModelVersion,
	}
	for _, rule := range keywordRules {
		if containsAny(lower, rule.keywords) {
			out.Intent = rule.intent
			out.Confidence = 70
			break
		}
	}

	pos, neg := containsAny(lower, positiveWords), containsAny(lower, negativeWords)
	switch {
	case pos && !neg:
		out.Sentiment = engagement.SentimentPositive
	case neg && !pos:
		out.Sentiment = engagement.SentimentNegative
	}
	return out, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
