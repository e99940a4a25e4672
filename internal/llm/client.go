// Package llm is the DeepSeek-compatible chat-completions client behind
// strategy generation, the daily analyst, the strategy-family selector,
// and the interactive chat surface.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

// Client talks to a chat-completions endpoint. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string][]message
}

// New creates an LLM client from the DeepSeek config block.
func New(cfg config.DeepSeekConfig, log zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "llm").Logger(),
		sessions: make(map[string][]message),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// complete sends one conversation and returns the assistant reply.
func (c *Client) complete(ctx context.Context, msgs []message, temperature float64) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("llm: api key not configured")
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: msgs, Temperature: temperature})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm response decode: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm api error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: http %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// GenerateStrategies asks for count candidate strategies on a theme.
// A reply that fails to parse as JSON yields an empty slice, not an
// error: the caller treats an unparseable generation like zero output.
func (c *Client) GenerateStrategies(ctx context.Context, theme, sourceText string, count int) ([]domain.Candidate, error) {
	prompt := strategyPrompt(theme, sourceText, count)
	reply, err := c.complete(ctx, []message{
		{Role: "system", Content: strategySystemPrompt},
		{Role: "user", Content: prompt},
	}, 0.8)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Strategies []domain.Candidate `json:"strategies"`
	}
	raw := extractJSON(reply)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Some models emit a bare array instead of the envelope.
		var list []domain.Candidate
		if err2 := json.Unmarshal([]byte(raw), &list); err2 != nil {
			c.log.Warn().Err(err).Msg("strategy generation reply unparseable")
			return []domain.Candidate{}, nil
		}
		return list, nil
	}
	return payload.Strategies, nil
}

// DailyAnalysis produces the analyst report for one date from a
// pre-assembled market context block.
func (c *Client) DailyAnalysis(ctx context.Context, date, marketContext string) (*domain.AIReport, error) {
	reply, err := c.complete(ctx, []message{
		{Role: "system", Content: analystSystemPrompt},
		{Role: "user", Content: analystPrompt(date, marketContext)},
	}, 0.3)
	if err != nil {
		return nil, err
	}

	var report domain.AIReport
	if err := json.Unmarshal([]byte(extractJSON(reply)), &report); err != nil {
		return nil, fmt.Errorf("analyst reply unparseable: %w", err)
	}
	report.ReportDate = date
	if report.ReportType == "" {
		report.ReportType = "daily"
	}
	return &report, nil
}

// SelectFamilies picks strategy families for the current regime from a
// rendered statistics table. Returns the chosen family names.
func (c *Client) SelectFamilies(ctx context.Context, statsTable string) ([]string, error) {
	reply, err := c.complete(ctx, []message{
		{Role: "system", Content: selectorSystemPrompt},
		{Role: "user", Content: statsTable},
	}, 0.2)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Families []string `json:"families"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &payload); err != nil {
		return nil, fmt.Errorf("selector reply unparseable: %w", err)
	}
	return payload.Families, nil
}

// Chat continues (or opens) a stateful conversation session.
func (c *Client) Chat(ctx context.Context, sessionID, userMessage string) (string, error) {
	c.mu.Lock()
	history := c.sessions[sessionID]
	msgs := make([]message, 0, len(history)+2)
	msgs = append(msgs, message{Role: "system", Content: chatSystemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, message{Role: "user", Content: userMessage})
	c.mu.Unlock()

	reply, err := c.complete(ctx, msgs, 0.7)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[sessionID] = append(c.sessions[sessionID],
		message{Role: "user", Content: userMessage},
		message{Role: "assistant", Content: reply})
	// Keep sessions bounded.
	if n := len(c.sessions[sessionID]); n > 40 {
		c.sessions[sessionID] = c.sessions[sessionID][n-40:]
	}
	c.mu.Unlock()

	return reply, nil
}

// ResetChat drops one session's history.
func (c *Client) ResetChat(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// extractJSON strips markdown fences and leading prose around a JSON
// payload.
func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)

	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}

	// Fall back to the outermost brace/bracket span.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		open := strings.IndexByte(s, pair[0])
		close := strings.LastIndexByte(s, pair[1])
		if open >= 0 && close > open {
			return s[open : close+1]
		}
	}
	return s
}
