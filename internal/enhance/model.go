package enhance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"
)

// Model is the text-generation collaborator. Implementations must honour ctx cancellation.
type Model interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ErrDisabled is returned by NoopModel.
var ErrDisabled = errors.New("ai provider disabled")

type NoopModel struct{}

func (NoopModel) Generate(context.Context, Prompt) (string, error) { return "", ErrDisabled }

type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAIModel calls the Responses API once per Generate; SDK retries are off.
type OpenAIModel struct {
	cfg     OpenAIConfig
	service responses.ResponseService
}

func NewOpenAIModel(cfg OpenAIConfig, httpClient *http.Client) *OpenAIModel {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &OpenAIModel{cfg: cfg, service: responses.NewResponseService(opts...)}
}

func (m *OpenAIModel) Generate(ctx context.Context, p Prompt) (string, error) {
	var params responses.ResponseNewParams
	if model := strings.TrimSpace(m.cfg.Model); model != "" {
		params.Model = model
	}
	params.Input.OfString = param.NewOpt(p.Text)

	var rawResp *http.Response
	var rawBody []byte
	_, err := m.service.New(ctx, params, option.WithResponseInto(&rawResp), option.WithResponseBodyInto(&rawBody))
	if err != nil {
		var apiErr *responses.Error
		if errors.As(err, &apiErr) {
			body := strings.TrimSpace(apiErr.RawJSON())
			if body == "" {
				body = strings.TrimSpace(err.Error())
			}
			for _, path := range []string{"error.message", "message"} {
				if msg := gjson.Get(body, path); msg.Type == gjson.String {
					body = msg.String()
					break
				}
			}
			return "", fmt.Errorf("responses api status %d: %s", apiErr.StatusCode, body)
		}
		return "", fmt.Errorf("responses request failed: %w", err)
	}
	// An empty reply is still a reply; Parse turns it into the fallback.
	return outputText(rawBody), nil
}

// outputText joins every output_text part of the message items in a Responses body.
func outputText(raw []byte) string {
	var parts []string
	gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, c gjson.Result) bool {
			if c.Get("type").String() == "output_text" {
				if text := c.Get("text").String(); strings.TrimSpace(text) != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
		return true
	})
	return strings.Join(parts, "\n")
}
