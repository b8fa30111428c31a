package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stall/backend/internal/models"
)

// Notifier tells a seller that some of their items were bought.
type Notifier interface {
	NotifySale(ctx context.Context, seller, buyer *models.User, items []models.Item) error
}

// NopNotifier is used when no mail provider is configured.
type NopNotifier struct{}

func (NopNotifier) NotifySale(context.Context, *models.User, *models.User, []models.Item) error {
	return nil
}

type SendGridMailer struct {
	APIKey     string
	FromEmail  string
	HTTPClient *http.Client
	Endpoint   string
}

func NewSendGridMailer(apiKey string, fromEmail string) *SendGridMailer {
	return &SendGridMailer{
		APIKey:    strings.TrimSpace(apiKey),
		FromEmail: strings.TrimSpace(fromEmail),
		Endpoint:  "https://api.sendgrid.com/v3/mail/send",
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendGridEmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To         []sendGridEmailAddress `json:"to"`
	Subject    string                 `json:"subject"`
	CustomArgs map[string]string      `json:"custom_args,omitempty"`
}

type sendGridMailSendRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridEmailAddress      `json:"from"`
	Content          []sendGridContent         `json:"content"`
}

func (m *SendGridMailer) NotifySale(ctx context.Context, seller, buyer *models.User, items []models.Item) error {
	if m == nil {
		return fmt.Errorf("sendgrid mailer not configured")
	}
	if m.APIKey == "" {
		return fmt.Errorf("missing SENDGRID_API_KEY")
	}
	if m.FromEmail == "" {
		return fmt.Errorf("missing NOTIFY_FROM_EMAIL")
	}
	if strings.TrimSpace(seller.Email) == "" || len(items) == 0 {
		return nil
	}

	subject := fmt.Sprintf("%s bought %d of your items", buyer.Username, len(items))
	if len(items) == 1 {
		subject = fmt.Sprintf("%s bought %q", buyer.Username, items[0].Name)
	}

	var plain strings.Builder
	fmt.Fprintf(&plain, "Hi %s,\n\n%s just bought:\n\n", seller.Username, buyer.Username)
	for _, item := range items {
		fmt.Fprintf(&plain, "  - %s (%s)\n", item.Name, models.FormatPrice(item.Price))
	}
	plain.WriteString("\nThe items are now marked as sold.\n")

	reqBody := sendGridMailSendRequest{
		Personalizations: []sendGridPersonalization{
			{
				To:      []sendGridEmailAddress{{Email: seller.Email, Name: seller.Username}},
				Subject: subject,
				CustomArgs: map[string]string{
					"buyer_id":  buyer.ID,
					"seller_id": seller.ID,
				},
			},
		},
		From: sendGridEmailAddress{
			Email: m.FromEmail,
			Name:  "Stall",
		},
		Content: []sendGridContent{
			{Type: "text/plain", Value: plain.String()},
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := m.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// SendGrid returns 202 Accepted on success.
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sendgrid mail send http %d", resp.StatusCode)
	}
	return nil
}
