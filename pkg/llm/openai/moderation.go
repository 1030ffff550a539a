package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/retry"
)

// Labels returned by ModerationClassifier
const (
	LabelSafe    = "SAFE"
	LabelHarmful = "HARMFUL_CONTENT"
)

// ModerationClassifier implements interfaces.Classifier with the OpenAI
// moderation endpoint
type ModerationClassifier struct {
	client        *openai.Client
	model         string
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// ModerationOption configures a ModerationClassifier
type ModerationOption func(*ModerationClassifier)

// WithModerationModel sets the moderation model
func WithModerationModel(model string) ModerationOption {
	return func(c *ModerationClassifier) {
		c.model = model
	}
}

// WithModerationClient overrides the underlying OpenAI client
func WithModerationClient(client *openai.Client) ModerationOption {
	return func(c *ModerationClassifier) {
		c.client = client
	}
}

// WithModerationLogger sets the logger
func WithModerationLogger(logger logging.Logger) ModerationOption {
	return func(c *ModerationClassifier) {
		c.logger = logger
	}
}

// WithModerationRetry configures retry policy for moderation requests
func WithModerationRetry(opts ...retry.Option) ModerationOption {
	return func(c *ModerationClassifier) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// NewModerationClassifier creates a classifier over the moderation endpoint
func NewModerationClassifier(apiKey string, options ...ModerationOption) *ModerationClassifier {
	c := &ModerationClassifier{
		client: openai.NewClient(apiKey),
		model:  "omni-moderation-latest",
		logger: logging.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Name implements interfaces.Classifier
func (c *ModerationClassifier) Name() string {
	return "openai-moderation"
}

// Classify implements interfaces.Classifier. A flagged text is labeled
// HARMFUL_CONTENT with the highest category score as confidence; otherwise
// SAFE with one minus that score.
func (c *ModerationClassifier) Classify(ctx context.Context, text string) (interfaces.Classification, error) {
	var resp openai.ModerationResponse
	operation := func() error {
		var err error
		resp, err = c.client.Moderations(ctx, openai.ModerationRequest{
			Input: text,
			Model: c.model,
		})
		if err != nil {
			return fmt.Errorf("failed to classify text: %w", err)
		}
		return nil
	}

	var err error
	if c.retryExecutor != nil {
		err = c.retryExecutor.Execute(ctx, operation)
	} else {
		err = operation()
	}
	if err != nil {
		return interfaces.Classification{}, err
	}
	if len(resp.Results) == 0 {
		return interfaces.Classification{}, fmt.Errorf("no moderation result")
	}

	result := resp.Results[0]
	category, score := topCategory(result.CategoryScores)

	if !result.Flagged {
		return interfaces.Classification{Label: LabelSafe, Confidence: 1 - score}, nil
	}

	c.logger.Debug(ctx, "Moderation flagged text", map[string]interface{}{
		"category": category,
		"score":    score,
	})
	return interfaces.Classification{Label: LabelHarmful, Confidence: score}, nil
}

func topCategory(s openai.ResultCategoryScores) (string, float64) {
	scores := []struct {
		name  string
		score float32
	}{
		{"hate", s.Hate},
		{"hate/threatening", s.HateThreatening},
		{"harassment", s.Harassment},
		{"harassment/threatening", s.HarassmentThreatening},
		{"self-harm", s.SelfHarm},
		{"self-harm/intent", s.SelfHarmIntent},
		{"self-harm/instructions", s.SelfHarmInstructions},
		{"sexual", s.Sexual},
		{"sexual/minors", s.SexualMinors},
		{"violence", s.Violence},
		{"violence/graphic", s.ViolenceGraphic},
	}

	name, top := "", float32(0)
	for _, s := range scores {
		if s.score > top {
			name, top = s.name, s.score
		}
	}
	return name, float64(top)
}
