package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"

	"plotline/pkg/logging"
)

// EmailService handles ops email notifications
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	ActorID      string
	Level        string
	Balance      int64
	Threshold    int64
	Address      string
	BalanceETH   float64
	ThresholdETH float64
	DashboardURL string
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587 // Default SMTP port
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendBudgetAlertEmail notifies ops that an agent crossed a credit budget
// threshold.
func (es *EmailService) SendBudgetAlertEmail(to, actorID, level string, balance, threshold int64) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping budget alert email")
		return nil
	}

	subject := fmt.Sprintf("Credit budget %s alert - agent %s", level, actorID)

	data := EmailData{
		ActorID:      actorID,
		Level:        level,
		Balance:      balance,
		Threshold:    threshold,
		DashboardURL: os.Getenv("BASE_URL") + "/agents/" + actorID,
	}

	body, err := es.renderTemplate("budget_alert", data)
	if err != nil {
		return fmt.Errorf("failed to render budget alert template: %w", err)
	}

	return es.sendEmail(to, subject, body)
}

// SendRelayerLowBalanceEmail notifies ops that the relayer key is running
// out of gas.
func (es *EmailService) SendRelayerLowBalanceEmail(to, address string, balanceETH, thresholdETH float64) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping relayer balance email")
		return nil
	}

	subject := fmt.Sprintf("Relayer gas balance low - %.4f ETH", balanceETH)

	data := EmailData{
		Address:      address,
		BalanceETH:   balanceETH,
		ThresholdETH: thresholdETH,
		DashboardURL: os.Getenv("BASE_URL") + "/admin/relayer",
	}

	body, err := es.renderTemplate("relayer_low_balance", data)
	if err != nil {
		return fmt.Errorf("failed to render relayer balance template: %w", err)
	}

	return es.sendEmail(to, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	templates := map[string]string{
		"budget_alert": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Credit Budget Alert</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #f39c12;">Credit Budget {{.Level}} Alert</h2>

        <p>An agent account crossed its {{.Level}} budget threshold:</p>

        <div style="background-color: #fff3cd; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #f39c12;">
            <p><strong>Agent:</strong> {{.ActorID}}</p>
            <p><strong>Balance:</strong> {{.Balance}} credits</p>
            <p><strong>Threshold:</strong> {{.Threshold}} credits</p>
        </div>

        <p>The agent keeps relaying until the balance hits zero, then pauses.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #f39c12; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Agent</a>
        </p>

        <p>The Plotline Platform</p>
    </div>
</body>
</html>`,

		"relayer_low_balance": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Relayer Balance Low</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Relayer Gas Balance Low</h2>

        <p>The platform relayer is running out of gas. Relays stop when it drains.</p>

        <div style="background-color: #f8d7da; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e74c3c;">
            <p><strong>Relayer:</strong> {{.Address}}</p>
            <p><strong>Balance:</strong> {{.BalanceETH}} ETH</p>
            <p><strong>Threshold:</strong> {{.ThresholdETH}} ETH</p>
        </div>

        <p>Top up the relayer wallet as soon as possible.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.DashboardURL}}" style="background-color: #e74c3c; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Relayer</a>
        </p>

        <p>The Plotline Platform</p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
