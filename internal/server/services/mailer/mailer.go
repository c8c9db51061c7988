package mailer

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"the-relay/internal/core"
)

//go:embed "templates"
var templateFS embed.FS

// DefaultEndpoint is the SMTP2GO send API
const DefaultEndpoint = "https://api.smtp2go.com/v3/email/send"

type Mailer struct {
	apiKey   string
	sender   string
	endpoint string
	client   *http.Client
	logger   *core.Logger
	retries  int
	backoff  time.Duration
}

// SMTP2GO API request structure
type SMTP2GORequest struct {
	APIKey   string   `json:"api_key"`
	To       []string `json:"to"`
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	TextBody string   `json:"text_body"`
	HtmlBody string   `json:"html_body"`
}

// SMTP2GO API response structure
type SMTP2GOResponse struct {
	RequestID string `json:"request_id"`
	Data      struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
}

func New(apiKey, sender string, logger *core.Logger) Mailer {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	return Mailer{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: DefaultEndpoint,
		client:   client,
		logger:   logger,
		retries:  3,
		backoff:  500 * time.Millisecond,
	}
}

// WithEndpoint returns a copy of the mailer that posts to endpoint
func (m Mailer) WithEndpoint(endpoint string) Mailer {
	m.endpoint = endpoint
	return m
}

func (m Mailer) Send(ctx context.Context, recipient, templateFile string, data any) error {
	tmpl, err := template.New("email").ParseFS(templateFS, "templates/"+templateFile)
	if err != nil {
		return err
	}

	subject := new(bytes.Buffer)
	err = tmpl.ExecuteTemplate(subject, "subject", data)
	if err != nil {
		return err
	}

	plainBody := new(bytes.Buffer)
	err = tmpl.ExecuteTemplate(plainBody, "plainBody", data)
	if err != nil {
		return err
	}

	htmlBody := new(bytes.Buffer)
	err = tmpl.ExecuteTemplate(htmlBody, "htmlBody", data)
	if err != nil {
		return err
	}

	// Prepare SMTP2GO API request
	request := SMTP2GORequest{
		APIKey:   m.apiKey,
		To:       []string{recipient},
		Sender:   m.sender,
		Subject:  subject.String(),
		TextBody: plainBody.String(),
		HtmlBody: htmlBody.String(),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	m.logger.Debug("Sending email", "recipient", recipient, "template", templateFile)

	for i := 1; i <= m.retries; i++ {
		err = m.sendViaAPI(ctx, jsonData)
		if err == nil {
			return nil
		}

		m.logger.Warn("SMTP2GO attempt failed", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}

	return fmt.Errorf("failed to send email after %d attempts: %w", m.retries, err)
}

func (m Mailer) sendViaAPI(ctx context.Context, jsonData []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status: %d", resp.StatusCode)
	}

	var response SMTP2GOResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
