package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
)

const footer = "shopify-bulk-ingest"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a run's remote export starts
func (n *Notifier) RunStarted(runID, tenantID, operationType string) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Bulk Export Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Tenant", Value: tenantID, Short: true},
					{Title: "Operation", Value: operationType, Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompleted sends notification when a run's data is merged
func (n *Notifier) RunCompleted(s RunSummary) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Ingestion completed for tenant %s. Staged %s records, merged %s product changes.",
		s.TenantID, formatNumberWithCommas(s.RecordsStaged), formatNumberWithCommas(s.ProductsUpserted))

	color, icon := "#36a64f", ":white_check_mark:" // green
	if s.InvalidRecords > 0 || s.Quarantined > 0 {
		color, icon = "#ffc107", ":warning:" // yellow
	}

	fields := []SlackField{
		{Title: "Run ID", Value: s.RunID, Short: true},
		{Title: "Operation", Value: s.OperationType, Short: true},
		{Title: "Started", Value: s.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
		{Title: "Duration", Value: formatDuration(s.Duration), Short: true},
		{Title: "Bytes", Value: formatNumberWithCommas(s.BytesProcessed), Short: true},
		{Title: "Rows Upserted", Value: formatNumberWithCommas(s.RowsUpserted), Short: true},
	}
	if s.RowsDeleted > 0 {
		fields = append(fields, SlackField{Title: "Rows Deleted", Value: formatNumberWithCommas(s.RowsDeleted), Short: true})
	}
	if s.InvalidRecords > 0 {
		fields = append(fields, SlackField{Title: "Invalid Records", Value: formatNumberWithCommas(s.InvalidRecords), Short: true})
	}
	if s.Quarantined > 0 {
		fields = append(fields, SlackField{Title: "Quarantined", Value: formatNumberWithCommas(s.Quarantined), Short: true})
	}
	if s.Resumed {
		fields = append(fields, SlackField{Title: "Resumed", Value: "yes", Short: true})
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: icon,
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Fields:    fields,
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends notification when a run is marked failed
func (n *Notifier) RunFailed(runID, tenantID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Ingestion Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Tenant", Value: tenantID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
