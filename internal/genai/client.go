package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-3-flash-preview"
	defaultTimeout = 60 * time.Second

	// DefaultInstruction is the generation persona used when no admin
	// override is stored.
	DefaultInstruction = "You are a quiz master for secondary-school students. " +
		"Write clear, unambiguous questions with exactly one correct option."
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client calls the Gemini generateContent endpoint with a fixed JSON
// response schema. The service is an opaque collaborator: any response that
// does not strictly match the schema is a generation failure, never a
// partial quiz.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func NewClient(c Config) *Client {
	client := &Client{
		apiKey:  c.APIKey,
		model:   c.Model,
		baseURL: c.BaseURL,
		http:    c.HTTPClient,
	}
	if client.model == "" {
		client.model = defaultModel
	}
	if client.baseURL == "" {
		client.baseURL = defaultBaseURL
	}
	if client.http == nil {
		client.http = &http.Client{Timeout: defaultTimeout}
	}
	return client
}

type GenerateRequest struct {
	Settings    domain.QuizSettings
	Instruction string
	Count       int
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseMIMEType string  `json:"responseMimeType"`
	ResponseSchema   *schema `json:"responseSchema,omitempty"`
}

type schema struct {
	Type       string             `json:"type"`
	Items      *schema            `json:"items,omitempty"`
	Properties map[string]*schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// questionSchema constrains the model output to the exact question shape.
var questionSchema = &schema{
	Type: "ARRAY",
	Items: &schema{
		Type: "OBJECT",
		Properties: map[string]*schema{
			"question": {Type: "STRING"},
			"options": {
				Type: "OBJECT",
				Properties: map[string]*schema{
					"A": {Type: "STRING"},
					"B": {Type: "STRING"},
					"C": {Type: "STRING"},
					"D": {Type: "STRING"},
				},
				Required: []string{"A", "B", "C", "D"},
			},
			"correct_answer": {Type: "STRING", Enum: []string{"A", "B", "C", "D"}},
			"solution":       {Type: "STRING"},
		},
		Required: []string{"question", "options", "correct_answer", "solution"},
	},
}

// Generate requests count questions for the given settings. A missing
// credential fails fast without a network call.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) ([]domain.QuizQuestion, error) {
	if c.apiKey == "" {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("question generation is not configured: missing API key"))
	}
	instruction := req.Instruction
	if instruction == "" {
		instruction = DefaultInstruction
	}

	prompt := fmt.Sprintf(
		"%s\n\nGenerate exactly %d multiple-choice questions.\nSubject: %s\nTopic: %s\nDifficulty: %s\nVariation token: %s\n"+
			"Each question has four options labeled A-D, exactly one correct answer, and a short solution explanation.",
		instruction, req.Count, req.Settings.Subject, req.Settings.Topic, req.Settings.Level, req.Settings.RandomSeed,
	)

	body, err := json.Marshal(generateContentRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   questionSchema,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation failed: %v", err))
	}

	var decoded generateContentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation returned an unreadable response"))
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation failed: %s", msg))
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation returned no candidates"))
	}

	var questions []domain.QuizQuestion
	if err := json.Unmarshal([]byte(decoded.Candidates[0].Content.Parts[0].Text), &questions); err != nil {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation returned malformed questions"))
	}
	if err := validate(questions, req.Count); err != nil {
		return nil, err
	}
	return questions, nil
}

// validate enforces the response contract: exactly count complete questions
// with a correct answer among the four options.
func validate(questions []domain.QuizQuestion, count int) error {
	if len(questions) != count {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("question generation returned %d questions, expected %d", len(questions), count))
	}
	for i, q := range questions {
		switch {
		case q.Question == "",
			q.Options.A == "", q.Options.B == "", q.Options.C == "", q.Options.D == "",
			q.Solution == "":
			return errors.New(errors.CodeUnavailable,
				errors.WithMessagef("question generation returned an incomplete question at index %d", i))
		}
		switch q.CorrectAnswer {
		case "A", "B", "C", "D":
		default:
			return errors.New(errors.CodeUnavailable,
				errors.WithMessagef("question generation returned an invalid answer key at index %d", i))
		}
	}
	return nil
}
