package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const systemPrompt = `You classify customer messages sent to a business on social media.
Answer with one JSON object and nothing else:
{"intent": one of ["purchase_intent","pricing_inquiry","shipping_inquiry","service_inquiry","general_comment","complaint","spam"],
 "sentiment": one of ["positive","neutral","negative"],
 "suggestion": a short reply the business could send,
 "confidence": integer 0-100}`

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// OpenAI classifies through the chat completions API in JSON mode.
type OpenAI struct {
	client openai.Client
	model  string
}

var _ ports.Classifier = (*OpenAI)(nil)

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

func (c *OpenAI) Classify(ctx context.Context, text string, cc engagement.ClassifyContext) (engagement.Classification, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(text, cc)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return engagement.Classification{}, errs.Wrap(err, "request chat completion")
	}
	if len(resp.Choices) == 0 {
		return engagement.Classification{}, errors.New("chat completion returned no choices")
	}

	out, err := ParseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		return engagement.Classification{}, err
	}
	out.ModelVersion = resp.Model
	if out.ModelVersion == "" {
		out.ModelVersion = c.model
	}
	return out, nil
}

func userPrompt(text string, cc engagement.ClassifyContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\nChannel: %s\n", cc.Platform, cc.InteractionType)
	if cc.CustomerName != "" {
		fmt.Fprintf(&b, "Customer: %s\n", cc.CustomerName)
	}
	if cc.PostCaption != "" {
		fmt.Fprintf(&b, "Commented post: %s\n", cc.PostCaption)
	}
	fmt.Fprintf(&b, "Message: %s", text)
	return b.String()
}

var knownIntents = map[engagement.Intent]struct{}{
	engagement.IntentPurchase:        {},
	engagement.IntentPricingInquiry:  {},
	engagement.IntentShippingInquiry: {},
	engagement.IntentServiceInquiry:  {},
	engagement.IntentGeneralComment:  {},
	engagement.IntentComplaint:       {},
	engagement.IntentSpam:            {},
	engagement.IntentGeneral:         {},
}

// ParseClassification reads the model answer. Unknown labels fall back to
// general/neutral; confidence given as a 0..1 fraction is scaled to 0..100.
func ParseClassification(raw string) (engagement.Classification, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return engagement.Classification{}, fmt.Errorf("classifier answer is not json: %.80q", raw)
	}
	doc := gjson.Parse(raw)

	out := engagement.Classification{
		Intent:     engagement.Intent(strings.ToLower(strings.TrimSpace(doc.Get("intent").String()))),
		Sentiment:  engagement.Sentiment(strings.ToLower(strings.TrimSpace(doc.Get("sentiment").String()))),
		Suggestion: strings.TrimSpace(doc.Get("suggestion").String()),
	}
	if _, ok := knownIntents[out.Intent]; !ok {
		out.Intent = engagement.IntentGeneral
	}
	switch out.Sentiment {
	case engagement.SentimentPositive, engagement.SentimentNeutral, engagement.SentimentNegative:
	default:
		out.Sentiment = engagement.SentimentNeutral
	}

	confidence := doc.Get("confidence").Float()
	if confidence > 0 && confidence <= 1 && strings.Contains(doc.Get("confidence").Raw, ".") {
		confidence *= 100
	}
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 100:
		confidence = 100
	}
	out.Confidence = int(confidence)
	return out, nil
}

// WithTimeout bounds every Classify call.
func WithTimeout(inner ports.Classifier, timeout time.Duration) ports.Classifier {
	if timeout <= 0 {
		return inner
	}
	return timeoutClassifier{inner: inner, timeout: timeout}
}

type timeoutClassifier struct {
	inner   ports.Classifier
	timeout time.Duration
}

func (t timeoutClassifier) Classify(ctx context.Context, text string, cc engagement.ClassifyContext) (engagement.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Classify(ctx, text, cc)
}
